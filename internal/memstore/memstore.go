// Package memstore is an in-memory Ledger. It backs the engine and API test
// suites and the -store=memory development mode; Postgres (internal/db) is
// the durable store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradefloor/internal/engine"
	"tradefloor/internal/models"
)

type state struct {
	users    map[string]models.User
	sessions map[string]models.Session
	players  map[int64]models.Player
	orders   map[int64]models.Order
	trades   []models.Trade

	nextPlayerID int64
	nextOrderID  int64
	nextTradeID  int64
}

func newState() *state {
	return &state{
		users:    make(map[string]models.User),
		sessions: make(map[string]models.Session),
		players:  make(map[int64]models.Player),
		orders:   make(map[int64]models.Order),
	}
}

func (st *state) clone() *state {
	cp := &state{
		users:        make(map[string]models.User, len(st.users)),
		sessions:     make(map[string]models.Session, len(st.sessions)),
		players:      make(map[int64]models.Player, len(st.players)),
		orders:       make(map[int64]models.Order, len(st.orders)),
		trades:       append([]models.Trade(nil), st.trades...),
		nextPlayerID: st.nextPlayerID,
		nextOrderID:  st.nextOrderID,
		nextTradeID:  st.nextTradeID,
	}
	for k, v := range st.users {
		cp.users[k] = v
	}
	for k, v := range st.sessions {
		cp.sessions[k] = v
	}
	for k, v := range st.players {
		cp.players[k] = v
	}
	for k, v := range st.orders {
		cp.orders[k] = v
	}
	return cp
}

// Store implements engine.Ledger over process memory. A single mutex
// serializes writers; WithinSession snapshots the state and restores it if
// fn fails, so failed operations leave nothing behind.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithinSession(ctx context.Context, sessionID string, fn func(tx engine.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.clone()
	if err := fn(&txView{st: s.st}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createUser(user)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getUser(id)
}

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createSession(session)
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getSession(id)
}

func (s *Store) GetSessionByRoomCode(ctx context.Context, roomCode string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getSessionByRoomCode(roomCode)
}

func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateSession(session)
}

func (s *Store) ListOpenRoundSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listOpenRoundSessions()
}

func (s *Store) CreatePlayer(ctx context.Context, player *models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createPlayer(player)
}

func (s *Store) GetPlayer(ctx context.Context, sessionID, userID string) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPlayer(sessionID, userID)
}

func (s *Store) GetPlayerByID(ctx context.Context, id int64) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPlayerByID(id)
}

func (s *Store) ListPlayers(ctx context.Context, sessionID string) ([]models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listPlayers(sessionID)
}

func (s *Store) UpdatePlayerBalance(ctx context.Context, playerID int64, cashDelta float64, sharesDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updatePlayerBalance(playerID, cashDelta, sharesDelta)
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createOrder(order)
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getOrder(id)
}

func (s *Store) ListOrders(ctx context.Context, sessionID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listOrders(sessionID)
}

func (s *Store) ListOrdersForPlayer(ctx context.Context, sessionID string, playerID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listOrdersForPlayer(sessionID, playerID)
}

func (s *Store) FindOpenOrders(ctx context.Context, sessionID string, roundNumber int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.findOpenOrders(sessionID, roundNumber)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateOrderStatus(id, status)
}

func (s *Store) UpdateOrderQuantity(ctx context.Context, id int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateOrderQuantity(id, quantity)
}

func (s *Store) CreateTrade(ctx context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.createTrade(trade)
}

func (s *Store) ListTrades(ctx context.Context, sessionID string) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listTrades(sessionID)
}

// txView is the transactional view handed to WithinSession callbacks. The
// store's mutex is already held, so it reaches the state directly.
type txView struct {
	st *state
}

func (v *txView) WithinSession(ctx context.Context, sessionID string, fn func(tx engine.Ledger) error) error {
	return fn(v)
}

func (v *txView) CreateUser(ctx context.Context, user *models.User) error { return v.st.createUser(user) }
func (v *txView) GetUser(ctx context.Context, id string) (*models.User, error) {
	return v.st.getUser(id)
}
func (v *txView) CreateSession(ctx context.Context, session *models.Session) error {
	return v.st.createSession(session)
}
func (v *txView) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return v.st.getSession(id)
}
func (v *txView) GetSessionByRoomCode(ctx context.Context, roomCode string) (*models.Session, error) {
	return v.st.getSessionByRoomCode(roomCode)
}
func (v *txView) UpdateSession(ctx context.Context, session *models.Session) error {
	return v.st.updateSession(session)
}
func (v *txView) ListOpenRoundSessions(ctx context.Context) ([]models.Session, error) {
	return v.st.listOpenRoundSessions()
}
func (v *txView) CreatePlayer(ctx context.Context, player *models.Player) error {
	return v.st.createPlayer(player)
}
func (v *txView) GetPlayer(ctx context.Context, sessionID, userID string) (*models.Player, error) {
	return v.st.getPlayer(sessionID, userID)
}
func (v *txView) GetPlayerByID(ctx context.Context, id int64) (*models.Player, error) {
	return v.st.getPlayerByID(id)
}
func (v *txView) ListPlayers(ctx context.Context, sessionID string) ([]models.Player, error) {
	return v.st.listPlayers(sessionID)
}
func (v *txView) UpdatePlayerBalance(ctx context.Context, playerID int64, cashDelta float64, sharesDelta int) error {
	return v.st.updatePlayerBalance(playerID, cashDelta, sharesDelta)
}
func (v *txView) CreateOrder(ctx context.Context, order *models.Order) error {
	return v.st.createOrder(order)
}
func (v *txView) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return v.st.getOrder(id)
}
func (v *txView) ListOrders(ctx context.Context, sessionID string) ([]models.Order, error) {
	return v.st.listOrders(sessionID)
}
func (v *txView) ListOrdersForPlayer(ctx context.Context, sessionID string, playerID int64) ([]models.Order, error) {
	return v.st.listOrdersForPlayer(sessionID, playerID)
}
func (v *txView) FindOpenOrders(ctx context.Context, sessionID string, roundNumber int) ([]models.Order, error) {
	return v.st.findOpenOrders(sessionID, roundNumber)
}
func (v *txView) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	return v.st.updateOrderStatus(id, status)
}
func (v *txView) UpdateOrderQuantity(ctx context.Context, id int64, quantity int) error {
	return v.st.updateOrderQuantity(id, quantity)
}
func (v *txView) CreateTrade(ctx context.Context, trade *models.Trade) error {
	return v.st.createTrade(trade)
}
func (v *txView) ListTrades(ctx context.Context, sessionID string) ([]models.Trade, error) {
	return v.st.listTrades(sessionID)
}

func (st *state) createUser(user *models.User) error {
	if _, exists := st.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	st.users[user.ID] = *user
	return nil
}

func (st *state) getUser(id string) (*models.User, error) {
	u, ok := st.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (st *state) createSession(session *models.Session) error {
	if _, exists := st.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	for _, s := range st.sessions {
		if s.RoomCode == session.RoomCode {
			return fmt.Errorf("room code %s already in use", session.RoomCode)
		}
	}
	st.sessions[session.ID] = *session
	return nil
}

func (st *state) getSession(id string) (*models.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (st *state) getSessionByRoomCode(roomCode string) (*models.Session, error) {
	for _, s := range st.sessions {
		if s.RoomCode == roomCode {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (st *state) updateSession(session *models.Session) error {
	if _, ok := st.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s does not exist", session.ID)
	}
	st.sessions[session.ID] = *session
	return nil
}

func (st *state) listOpenRoundSessions() ([]models.Session, error) {
	var out []models.Session
	for _, s := range st.sessions {
		if s.RoundStatus == models.RoundActive || s.RoundStatus == models.RoundIPOActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) createPlayer(player *models.Player) error {
	st.nextPlayerID++
	player.ID = st.nextPlayerID
	st.players[player.ID] = *player
	return nil
}

func (st *state) getPlayer(sessionID, userID string) (*models.Player, error) {
	for _, p := range st.players {
		if p.SessionID == sessionID && p.UserID == userID {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (st *state) getPlayerByID(id int64) (*models.Player, error) {
	p, ok := st.players[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (st *state) listPlayers(sessionID string) ([]models.Player, error) {
	var out []models.Player
	for _, p := range st.players {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) updatePlayerBalance(playerID int64, cashDelta float64, sharesDelta int) error {
	p, ok := st.players[playerID]
	if !ok {
		return fmt.Errorf("player %d does not exist", playerID)
	}
	p.CashBalance += cashDelta
	p.SharesHeld += sharesDelta
	st.players[playerID] = p
	return nil
}

func (st *state) createOrder(order *models.Order) error {
	st.nextOrderID++
	order.ID = st.nextOrderID
	st.orders[order.ID] = *order
	return nil
}

func (st *state) getOrder(id int64) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (st *state) listOrders(sessionID string) ([]models.Order, error) {
	var out []models.Order
	for _, o := range st.orders {
		if o.SessionID == sessionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) listOrdersForPlayer(sessionID string, playerID int64) ([]models.Order, error) {
	var out []models.Order
	for _, o := range st.orders {
		if o.SessionID == sessionID && o.PlayerID == playerID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) findOpenOrders(sessionID string, roundNumber int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range st.orders {
		if o.SessionID != sessionID || o.Status != models.OrderOpen {
			continue
		}
		if roundNumber >= 0 && o.RoundNumber != roundNumber {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *state) updateOrderStatus(id int64, status models.OrderStatus) error {
	o, ok := st.orders[id]
	if !ok {
		return fmt.Errorf("order %d does not exist", id)
	}
	o.Status = status
	st.orders[id] = o
	return nil
}

func (st *state) updateOrderQuantity(id int64, quantity int) error {
	o, ok := st.orders[id]
	if !ok {
		return fmt.Errorf("order %d does not exist", id)
	}
	o.Quantity = quantity
	st.orders[id] = o
	return nil
}

func (st *state) createTrade(trade *models.Trade) error {
	st.nextTradeID++
	trade.ID = st.nextTradeID
	st.trades = append(st.trades, *trade)
	return nil
}

func (st *state) listTrades(sessionID string) ([]models.Trade, error) {
	var out []models.Trade
	for _, t := range st.trades {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

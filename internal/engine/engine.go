package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradefloor/internal/models"
)

const (
	// Room codes avoid visually ambiguous characters (no 0/O, 1/I).
	roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 6
	roomCodeAttempts = 10

	// Fallback reference price when a session has no admin-set price yet.
	defaultReferencePrice = 100

	// Per-order share cap while a round is in primary issuance.
	ipoMaxQuantity = 5
)

// Engine owns the round-based order admission and settlement logic. Every
// state-changing operation runs with at most one writer per session: a
// session-keyed mutex wraps the operation from precondition check through
// all mutations, and the Ledger's transactional scope makes the mutations
// land atomically.
type Engine struct {
	store  Ledger
	notify Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Ledger, notify Notifier) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		store:  store,
		notify: notify,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockSession acquires the per-session writer lock, creating it on first
// use. Returns the unlock func.
func (e *Engine) lockSession(sessionID string) func() {
	e.mu.Lock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func generateRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room code: %w", err)
	}
	code := make([]byte, roomCodeLength)
	for i, b := range buf {
		// The alphabet has exactly 32 characters, so the modulo is unbiased.
		code[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(code), nil
}

// CreateSession creates the admin user and a lobby session with a fresh,
// collision-checked room code. The session opens in ipo_active so the
// opening issuance can run before round one starts.
func (e *Engine) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, *models.User, error) {
	if req.AdminDisplayName == "" {
		return nil, nil, invalid("admin display name is required")
	}
	if !finitePositive(req.StartingCash) {
		return nil, nil, invalid("starting cash must be positive")
	}
	if req.MaxShares <= 0 {
		return nil, nil, invalid("max shares must be positive")
	}
	if req.TotalRounds < 1 {
		return nil, nil, invalid("total rounds must be at least 1")
	}
	if req.SessionDurationSec <= 0 {
		return nil, nil, invalid("session duration must be positive")
	}
	roundDuration := req.RoundDurationSec
	if roundDuration <= 0 {
		roundDuration = 60
	}
	ipoPrice := req.IPOPrice
	if ipoPrice == 0 {
		ipoPrice = defaultReferencePrice
	}
	if !finitePositive(ipoPrice) {
		return nil, nil, invalid("ipo price must be positive")
	}

	admin := &models.User{
		ID:          uuid.NewString(),
		DisplayName: req.AdminDisplayName,
		Role:        models.RoleAdmin,
		CreatedAt:   time.Now(),
	}

	var roomCode string
	for i := 0; i < roomCodeAttempts; i++ {
		code, err := generateRoomCode()
		if err != nil {
			return nil, nil, err
		}
		existing, err := e.store.GetSessionByRoomCode(ctx, code)
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			roomCode = code
			break
		}
	}
	if roomCode == "" {
		return nil, nil, fmt.Errorf("failed to allocate a unique room code")
	}

	session := &models.Session{
		ID:                 uuid.NewString(),
		AdminID:            admin.ID,
		RoomCode:           roomCode,
		Status:             models.SessionLobby,
		StartingCash:       req.StartingCash,
		MaxShares:          req.MaxShares,
		SessionDurationSec: req.SessionDurationSec,
		CurrentPrice:       &ipoPrice,
		CurrentRound:       0,
		TotalRounds:        req.TotalRounds,
		RoundDurationSec:   roundDuration,
		RoundStatus:        models.RoundIPOActive,
		CreatedAt:          time.Now(),
	}

	err := e.store.WithinSession(ctx, session.ID, func(tx Ledger) error {
		if err := tx.CreateUser(ctx, admin); err != nil {
			return err
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, nil, err
	}
	return session, admin, nil
}

// JoinSession creates a fresh player identity bound to the room code.
// Every join mints a new user; reconnecting clients keep their issued token
// rather than joining again.
func (e *Engine) JoinSession(ctx context.Context, roomCode string, req models.JoinSessionRequest) (*models.Session, *models.User, *models.Player, error) {
	if req.DisplayName == "" {
		return nil, nil, nil, invalid("display name is required")
	}

	session, err := e.store.GetSessionByRoomCode(ctx, roomCode)
	if err != nil {
		return nil, nil, nil, err
	}
	if session == nil {
		return nil, nil, nil, notFound("session")
	}

	unlock := e.lockSession(session.ID)
	defer unlock()

	var user *models.User
	var player *models.Player
	err = e.store.WithinSession(ctx, session.ID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if s.Status == models.SessionEnded {
			return badState("session has ended")
		}
		session = s

		user = &models.User{
			ID:          uuid.NewString(),
			DisplayName: req.DisplayName,
			Role:        models.RolePlayer,
			CreatedAt:   time.Now(),
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}

		player = &models.Player{
			SessionID:   s.ID,
			UserID:      user.ID,
			CashBalance: s.StartingCash,
			SharesHeld:  0,
		}
		return tx.CreatePlayer(ctx, player)
	})
	if err != nil {
		return nil, nil, nil, err
	}

	e.notify.Publish(session.ID, EventPlayerUpdated, player)
	e.publishLeaderboard(ctx, session.ID)
	return session, user, player, nil
}

// PlaceOrder admits one order per player per round under the session's
// balance and holding constraints. Orders sit open until round settlement;
// nothing matches at placement time.
func (e *Engine) PlaceOrder(ctx context.Context, sessionID, userID string, req models.PlaceOrderRequest) (*models.Order, error) {
	if req.Type != models.OrderBuy && req.Type != models.OrderSell {
		return nil, invalid("order type must be buy or sell")
	}
	if req.Quantity <= 0 {
		return nil, invalid("quantity must be positive")
	}
	if math.IsNaN(req.Price) || math.IsInf(req.Price, 0) || req.Price < 0 {
		return nil, invalid("price must be a non-negative number")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	var order *models.Order
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if s.Status != models.SessionActive {
			return invalid("session is not active")
		}
		if s.RoundStatus != models.RoundActive && s.RoundStatus != models.RoundIPOActive {
			return invalid("orders can only be placed during active rounds")
		}

		player, err := tx.GetPlayer(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		if player == nil {
			return notFound("player")
		}

		open, err := tx.FindOpenOrders(ctx, sessionID, s.CurrentRound)
		if err != nil {
			return err
		}
		for _, o := range open {
			if o.PlayerID == player.ID {
				return invalid("only one order per round allowed")
			}
		}

		if s.RoundStatus == models.RoundIPOActive {
			if req.Type == models.OrderSell {
				return invalid("sell orders are not accepted during an IPO round")
			}
			if req.Quantity > ipoMaxQuantity {
				return invalid(fmt.Sprintf("IPO orders are limited to %d shares", ipoMaxQuantity))
			}
		}

		switch req.Type {
		case models.OrderBuy:
			ref := req.Price
			if ref <= 0 {
				if s.CurrentPrice != nil && *s.CurrentPrice > 0 {
					ref = *s.CurrentPrice
				} else {
					ref = defaultReferencePrice
				}
			}
			if ref*float64(req.Quantity) > player.CashBalance {
				return invalid("insufficient cash balance")
			}
			if player.SharesHeld+req.Quantity > s.MaxShares {
				return invalid("max share holding exceeded")
			}
		case models.OrderSell:
			if req.Quantity > player.SharesHeld {
				return invalid("insufficient shares to sell")
			}
		}

		order = &models.Order{
			SessionID:   sessionID,
			PlayerID:    player.ID,
			Type:        req.Type,
			Price:       req.Price,
			Quantity:    req.Quantity,
			Status:      models.OrderOpen,
			RoundNumber: s.CurrentRound,
			CreatedAt:   time.Now(),
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventOrderPlaced, order)
	return order, nil
}

// CancelOrder cancels the caller's own open order. No balance changes:
// nothing was reserved beyond validation-time checks.
func (e *Engine) CancelOrder(ctx context.Context, sessionID, userID string, orderID int64) (*models.Order, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	var order *models.Order
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		player, err := tx.GetPlayer(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		if player == nil {
			return notFound("player")
		}

		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.SessionID != sessionID {
			return notFound("order")
		}
		if order.PlayerID != player.ID {
			return &AuthorizationError{Reason: "order belongs to another player"}
		}
		if order.Status != models.OrderOpen {
			return badState("order is not open")
		}

		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderCancelled); err != nil {
			return err
		}
		order.Status = models.OrderCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventOrderCancelled, order)
	return order, nil
}

// StartRound advances the session into the next trading round.
func (e *Engine) StartRound(ctx context.Context, sessionID string) (*models.Session, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	var session *models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if s.Status != models.SessionActive {
			return badState("session is not active")
		}
		if s.RoundStatus != models.RoundWaiting {
			return badState("round not in waiting state")
		}
		if s.CurrentRound >= s.TotalRounds {
			return badState("all rounds completed")
		}

		endTime := time.Now().Add(time.Duration(s.RoundDurationSec) * time.Second)
		s.CurrentRound++
		s.RoundStatus = models.RoundActive
		s.RoundEndTime = &endTime
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventRoundStarted, session)
	e.notify.Publish(sessionID, EventSessionUpdated, session)
	return session, nil
}

// StartIPORound reopens primary issuance from a waiting round and sets the
// expected price as the session's reference price.
func (e *Engine) StartIPORound(ctx context.Context, sessionID string, expectedPrice float64) (*models.Session, error) {
	if !finitePositive(expectedPrice) {
		return nil, invalid("expected price must be positive")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	var session *models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if s.Status != models.SessionActive {
			return badState("session is not active")
		}
		if s.RoundStatus != models.RoundWaiting {
			return badState("round not in waiting state")
		}

		s.RoundStatus = models.RoundIPOActive
		s.CurrentPrice = &expectedPrice
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventRoundStarted, session)
	e.notify.Publish(sessionID, EventSessionUpdated, session)
	return session, nil
}

// ToggleRoundToIPO flips the current round between regular trading and
// primary issuance in place, without advancing the round counter.
func (e *Engine) ToggleRoundToIPO(ctx context.Context, sessionID string, expectedPrice float64) (*models.Session, error) {
	if !finitePositive(expectedPrice) {
		return nil, invalid("expected price must be positive")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	var session *models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if s.Status != models.SessionActive {
			return badState("session is not active")
		}

		switch s.RoundStatus {
		case models.RoundActive:
			s.RoundStatus = models.RoundIPOActive
			s.CurrentPrice = &expectedPrice
		case models.RoundIPOActive:
			s.RoundStatus = models.RoundActive
		default:
			return badState("round not active")
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventSessionUpdated, session)
	return session, nil
}

// SetSessionStatus is the admin-driven transition among lobby, active,
// paused and ended. Existence-checked only; the admin owns the consequences.
func (e *Engine) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	switch status {
	case models.SessionLobby, models.SessionActive, models.SessionPaused, models.SessionEnded:
	default:
		return nil, invalid("unknown session status")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	var session *models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		s.Status = status
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventSessionUpdated, session)
	return session, nil
}

// SetCurrentPrice sets the admin reference price used for buy-order
// validation and leaderboard valuation before any trade has printed.
func (e *Engine) SetCurrentPrice(ctx context.Context, sessionID string, price float64) (*models.Session, error) {
	if !finitePositive(price) {
		return nil, invalid("price must be positive")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	var session *models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		s.CurrentPrice = &price
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notify.Publish(sessionID, EventPriceUpdated, session)
	e.publishLeaderboard(ctx, sessionID)
	return session, nil
}

func (e *Engine) publishLeaderboard(ctx context.Context, sessionID string) {
	entries, err := e.Leaderboard(ctx, sessionID)
	if err != nil {
		return
	}
	e.notify.Publish(sessionID, EventLeaderboardUpdated, entries)
}

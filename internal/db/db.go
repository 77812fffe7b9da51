package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradefloor/internal/engine"
	"tradefloor/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// below works inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB implements engine.Ledger over a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	q    querier
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool, q: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// WithinSession runs fn inside one transaction holding a per-session
// advisory lock, so settlement's reads and writes cannot interleave with
// another writer on the same session. Either everything fn does commits or
// the transaction rolls back.
func (db *DB) WithinSession(ctx context.Context, sessionID string, fn func(tx engine.Ledger) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", sessionID); err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}

	if err := fn(&DB{Pool: db.Pool, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	err := db.q.QueryRow(ctx,
		"INSERT INTO users (id, display_name, role) VALUES ($1, $2, $3) RETURNING created_at",
		user.ID, user.DisplayName, user.Role).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := db.q.QueryRow(ctx,
		"SELECT id, display_name, role, created_at FROM users WHERE id = $1",
		id).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

const sessionColumns = `id, admin_id, room_code, status, starting_cash, max_shares,
	session_duration_sec, current_price, last_traded_price, current_round,
	total_rounds, round_duration_sec, round_status, round_end_time, created_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(&s.ID, &s.AdminID, &s.RoomCode, &s.Status, &s.StartingCash,
		&s.MaxShares, &s.SessionDurationSec, &s.CurrentPrice, &s.LastTradedPrice,
		&s.CurrentRound, &s.TotalRounds, &s.RoundDurationSec, &s.RoundStatus,
		&s.RoundEndTime, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return s, nil
}

func (db *DB) CreateSession(ctx context.Context, session *models.Session) error {
	err := db.q.QueryRow(ctx, `
		INSERT INTO game_sessions (id, admin_id, room_code, status, starting_cash,
			max_shares, session_duration_sec, current_price, last_traded_price,
			current_round, total_rounds, round_duration_sec, round_status, round_end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at`,
		session.ID, session.AdminID, session.RoomCode, session.Status,
		session.StartingCash, session.MaxShares, session.SessionDurationSec,
		session.CurrentPrice, session.LastTradedPrice, session.CurrentRound,
		session.TotalRounds, session.RoundDurationSec, session.RoundStatus,
		session.RoundEndTime).Scan(&session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(db.q.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM game_sessions WHERE id = $1", id))
}

func (db *DB) GetSessionByRoomCode(ctx context.Context, roomCode string) (*models.Session, error) {
	return scanSession(db.q.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM game_sessions WHERE room_code = $1", roomCode))
}

func (db *DB) UpdateSession(ctx context.Context, session *models.Session) error {
	tag, err := db.q.Exec(ctx, `
		UPDATE game_sessions
		SET status = $2, current_price = $3, last_traded_price = $4,
			current_round = $5, round_status = $6, round_end_time = $7
		WHERE id = $1`,
		session.ID, session.Status, session.CurrentPrice, session.LastTradedPrice,
		session.CurrentRound, session.RoundStatus, session.RoundEndTime)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s does not exist", session.ID)
	}
	return nil
}

func (db *DB) ListOpenRoundSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := db.q.Query(ctx,
		"SELECT "+sessionColumns+" FROM game_sessions WHERE round_status IN ('active', 'ipo_active') ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s := models.Session{}
		if err := rows.Scan(&s.ID, &s.AdminID, &s.RoomCode, &s.Status, &s.StartingCash,
			&s.MaxShares, &s.SessionDurationSec, &s.CurrentPrice, &s.LastTradedPrice,
			&s.CurrentRound, &s.TotalRounds, &s.RoundDurationSec, &s.RoundStatus,
			&s.RoundEndTime, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (db *DB) CreatePlayer(ctx context.Context, player *models.Player) error {
	err := db.q.QueryRow(ctx, `
		INSERT INTO players (session_id, user_id, cash_balance, shares_held)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		player.SessionID, player.UserID, player.CashBalance, player.SharesHeld).Scan(&player.ID)
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}
	return nil
}

func scanPlayer(row pgx.Row) (*models.Player, error) {
	p := &models.Player{}
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.CashBalance, &p.SharesHeld)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan player: %w", err)
	}
	return p, nil
}

func (db *DB) GetPlayer(ctx context.Context, sessionID, userID string) (*models.Player, error) {
	return scanPlayer(db.q.QueryRow(ctx,
		"SELECT id, session_id, user_id, cash_balance, shares_held FROM players WHERE session_id = $1 AND user_id = $2",
		sessionID, userID))
}

func (db *DB) GetPlayerByID(ctx context.Context, id int64) (*models.Player, error) {
	return scanPlayer(db.q.QueryRow(ctx,
		"SELECT id, session_id, user_id, cash_balance, shares_held FROM players WHERE id = $1", id))
}

func (db *DB) ListPlayers(ctx context.Context, sessionID string) ([]models.Player, error) {
	rows, err := db.q.Query(ctx,
		"SELECT id, session_id, user_id, cash_balance, shares_held FROM players WHERE session_id = $1 ORDER BY id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var players []models.Player
	for rows.Next() {
		p := models.Player{}
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.CashBalance, &p.SharesHeld); err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func (db *DB) UpdatePlayerBalance(ctx context.Context, playerID int64, cashDelta float64, sharesDelta int) error {
	tag, err := db.q.Exec(ctx,
		"UPDATE players SET cash_balance = cash_balance + $2, shares_held = shares_held + $3 WHERE id = $1",
		playerID, cashDelta, sharesDelta)
	if err != nil {
		return fmt.Errorf("failed to update player balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %d does not exist", playerID)
	}
	return nil
}

const orderColumns = "id, session_id, player_id, type, price, quantity, status, round_number, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.SessionID, &o.PlayerID, &o.Type, &o.Price,
		&o.Quantity, &o.Status, &o.RoundNumber, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return o, nil
}

func (db *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	err := db.q.QueryRow(ctx, `
		INSERT INTO orders (session_id, player_id, type, price, quantity, status, round_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		order.SessionID, order.PlayerID, order.Type, order.Price, order.Quantity,
		order.Status, order.RoundNumber).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return scanOrder(db.q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o := models.Order{}
		if err := rows.Scan(&o.ID, &o.SessionID, &o.PlayerID, &o.Type, &o.Price,
			&o.Quantity, &o.Status, &o.RoundNumber, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (db *DB) ListOrders(ctx context.Context, sessionID string) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE session_id = $1 ORDER BY id", sessionID)
}

func (db *DB) ListOrdersForPlayer(ctx context.Context, sessionID string, playerID int64) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE session_id = $1 AND player_id = $2 ORDER BY id",
		sessionID, playerID)
}

func (db *DB) FindOpenOrders(ctx context.Context, sessionID string, roundNumber int) ([]models.Order, error) {
	if roundNumber < 0 {
		return db.queryOrders(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE session_id = $1 AND status = 'open' ORDER BY created_at, id",
			sessionID)
	}
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE session_id = $1 AND status = 'open' AND round_number = $2 ORDER BY created_at, id",
		sessionID, roundNumber)
}

func (db *DB) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	tag, err := db.q.Exec(ctx, "UPDATE orders SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d does not exist", id)
	}
	return nil
}

func (db *DB) UpdateOrderQuantity(ctx context.Context, id int64, quantity int) error {
	tag, err := db.q.Exec(ctx, "UPDATE orders SET quantity = $2 WHERE id = $1", id, quantity)
	if err != nil {
		return fmt.Errorf("failed to update order quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d does not exist", id)
	}
	return nil
}

func (db *DB) CreateTrade(ctx context.Context, trade *models.Trade) error {
	err := db.q.QueryRow(ctx, `
		INSERT INTO trades (session_id, buy_order_id, sell_order_id, price, quantity, round_number)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		trade.SessionID, trade.BuyOrderID, trade.SellOrderID, trade.Price,
		trade.Quantity, trade.RoundNumber).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (db *DB) ListTrades(ctx context.Context, sessionID string) ([]models.Trade, error) {
	rows, err := db.q.Query(ctx,
		"SELECT id, session_id, buy_order_id, sell_order_id, price, quantity, round_number, created_at FROM trades WHERE session_id = $1 ORDER BY id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t := models.Trade{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.BuyOrderID, &t.SellOrderID,
			&t.Price, &t.Quantity, &t.RoundNumber, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

package engine

import (
	"context"

	"tradefloor/internal/models"
)

// Ledger is the durable mapping of sessions, users, players, orders and
// trades. Lookups return (nil, nil) when no row matches; the engine converts
// misses to NotFoundError.
//
// WithinSession runs fn against a transactional view with exclusive write
// access to one session: either every mutation fn performs commits, or none
// does. Settlement relies on this to keep balances consistent.
type Ledger interface {
	WithinSession(ctx context.Context, sessionID string, fn func(tx Ledger) error) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByRoomCode(ctx context.Context, roomCode string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListOpenRoundSessions returns sessions whose round is currently
	// accepting orders (active or ipo_active).
	ListOpenRoundSessions(ctx context.Context) ([]models.Session, error)

	CreatePlayer(ctx context.Context, player *models.Player) error
	GetPlayer(ctx context.Context, sessionID, userID string) (*models.Player, error)
	GetPlayerByID(ctx context.Context, id int64) (*models.Player, error)
	// ListPlayers returns the session's players ordered by id ascending,
	// which is insertion order.
	ListPlayers(ctx context.Context, sessionID string) ([]models.Player, error)
	UpdatePlayerBalance(ctx context.Context, playerID int64, cashDelta float64, sharesDelta int) error

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, sessionID string) ([]models.Order, error)
	ListOrdersForPlayer(ctx context.Context, sessionID string, playerID int64) ([]models.Order, error)
	// FindOpenOrders returns open orders for the session ordered by
	// creation time then id. roundNumber < 0 means all rounds.
	FindOpenOrders(ctx context.Context, sessionID string, roundNumber int) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
	UpdateOrderQuantity(ctx context.Context, id int64, quantity int) error

	CreateTrade(ctx context.Context, trade *models.Trade) error
	ListTrades(ctx context.Context, sessionID string) ([]models.Trade, error)
}

// Notifier fans out named events to clients watching a session. Publishing
// is fire-and-forget: a slow or absent sink must never fail or block the
// operation that emitted the event.
type Notifier interface {
	Publish(sessionID, event string, payload any)
}

// Event names carried to the notification sink.
const (
	EventSessionUpdated     = "session-updated"
	EventOrderPlaced        = "order-placed"
	EventOrderCancelled     = "order-cancelled"
	EventTradeExecuted      = "trade-executed"
	EventRoundStarted       = "round-started"
	EventRoundEnded         = "round-ended"
	EventRoundExpired       = "round-expired"
	EventLeaderboardUpdated = "leaderboard-updated"
	EventPlayerUpdated      = "player-updated"
	EventPriceUpdated       = "price-updated"
)

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(sessionID, event string, payload any) {}

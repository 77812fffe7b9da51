package models

import "time"

// UserRole distinguishes the session admin from joined players.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RolePlayer UserRole = "player"
)

// SessionStatus is the coarse lifecycle of a game session.
type SessionStatus string

const (
	SessionLobby  SessionStatus = "lobby"
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// RoundStatus is the per-round lifecycle within an active session.
type RoundStatus string

const (
	RoundWaiting   RoundStatus = "waiting"
	RoundActive    RoundStatus = "active"
	RoundIPOActive RoundStatus = "ipo_active"
	RoundExecuting RoundStatus = "executing"
	RoundCompleted RoundStatus = "completed"
)

type OrderType string

const (
	OrderBuy  OrderType = "buy"
	OrderSell OrderType = "sell"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// User represents an identity created on session creation or join.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        UserRole  `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session represents one game session, addressed by a durable id and a
// short human-enterable room code.
type Session struct {
	ID                 string        `json:"id"`
	AdminID            string        `json:"adminId"`
	RoomCode           string        `json:"roomCode"`
	Status             SessionStatus `json:"status"`
	StartingCash       float64       `json:"startingCash"`
	MaxShares          int           `json:"maxShares"`
	SessionDurationSec int           `json:"sessionDurationSec"`
	CurrentPrice       *float64      `json:"currentPrice"`
	LastTradedPrice    *float64      `json:"lastTradedPrice"`
	CurrentRound       int           `json:"currentRound"`
	TotalRounds        int           `json:"totalRounds"`
	RoundDurationSec   int           `json:"roundDurationSec"`
	RoundStatus        RoundStatus   `json:"roundStatus"`
	RoundEndTime       *time.Time    `json:"roundEndTime"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Player is a user's balance state within one session. Mutated only by
// settlement.
type Player struct {
	ID          int64   `json:"id"`
	SessionID   string  `json:"sessionId"`
	UserID      string  `json:"userId"`
	CashBalance float64 `json:"cashBalance"`
	SharesHeld  int     `json:"sharesHeld"`
}

// Order is a single buy or sell intent for one round. Quantity is
// decremented on partial fills; it freezes at whatever remained once the
// order reaches a terminal status.
type Order struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"sessionId"`
	PlayerID    int64       `json:"playerId"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price"`
	Quantity    int         `json:"quantity"`
	Status      OrderStatus `json:"status"`
	RoundNumber int         `json:"roundNumber"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Trade records an executed fill. For IPO fills BuyOrderID and SellOrderID
// reference the same order, denoting a primary issuance rather than a peer
// trade. Append-only.
type Trade struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"sessionId"`
	BuyOrderID  int64     `json:"buyOrderId"`
	SellOrderID int64     `json:"sellOrderId"`
	Price       float64   `json:"price"`
	Quantity    int       `json:"quantity"`
	RoundNumber int       `json:"roundNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

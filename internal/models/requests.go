package models

// Typed request bodies, one per operation, validated at the boundary.

type CreateSessionRequest struct {
	AdminDisplayName   string  `json:"adminDisplayName"`
	StartingCash       float64 `json:"startingCash"`
	MaxShares          int     `json:"maxShares"`
	SessionDurationSec int     `json:"sessionDurationSec"`
	TotalRounds        int     `json:"totalRounds"`
	RoundDurationSec   int     `json:"roundDurationSec"`
	IPOPrice           float64 `json:"ipoPrice"`
}

type JoinSessionRequest struct {
	DisplayName string `json:"displayName"`
}

type PlaceOrderRequest struct {
	Type     OrderType `json:"type"`
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
}

type EndRoundRequest struct {
	ExecutionPrice float64 `json:"executionPrice"`
}

type StartIPORequest struct {
	ExpectedPrice float64 `json:"expectedPrice"`
}

type ExecuteIPORequest struct {
	ExecutionPrice float64 `json:"executionPrice"`
}

type ToggleIPORequest struct {
	ExpectedPrice float64 `json:"expectedPrice"`
}

type SetPriceRequest struct {
	Price float64 `json:"price"`
}

type SetStatusRequest struct {
	Status SessionStatus `json:"status"`
}

// View shapes returned by read operations.

type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

type OrderBookSnapshot struct {
	Bids []OrderBookLevel `json:"bids"`
	Asks []OrderBookLevel `json:"asks"`
}

// DetailedOrder exposes one open order with the placing player's display
// name, for administrative visibility.
type DetailedOrder struct {
	ID         int64   `json:"id"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	CreatedAt  int64   `json:"createdAt"` // epoch ms
	PlayerName string  `json:"playerName"`
}

type DetailedOrderBook struct {
	Bids []DetailedOrder `json:"bids"`
	Asks []DetailedOrder `json:"asks"`
}

type LeaderboardEntry struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	NetWorth    float64 `json:"netWorth"`
	CashBalance float64 `json:"cashBalance"`
	SharesHeld  int     `json:"sharesHeld"`
	TotalPnL    float64 `json:"totalPnL"`
}

type PlayerView struct {
	Player       Player  `json:"player"`
	OpenOrders   []Order `json:"openOrders"`
	ClosedOrders []Order `json:"closedOrders"`
}

// TradeView is a session trade enriched with counterparty display names.
type TradeView struct {
	ID          int64   `json:"id"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	RoundNumber int     `json:"roundNumber"`
	CreatedAt   int64   `json:"createdAt"` // epoch ms
	BuyerName   string  `json:"buyerName"`
	SellerName  string  `json:"sellerName"`
}

// RoundSummary is derived from the trades a settled round produced.
type RoundSummary struct {
	RoundNumber    int     `json:"roundNumber"`
	Status         string  `json:"status"`
	EndTime        int64   `json:"endTime"` // epoch ms
	ExecutionPrice float64 `json:"executionPrice"`
	Volume         int     `json:"volume"`
}

package engine

import (
	"context"
	"sort"

	"tradefloor/internal/book"
	"tradefloor/internal/models"
)

// Read-derived views. All of these recompute from ledger state on demand
// and have no side effects.

func (e *Engine) SessionState(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, notFound("session")
	}
	return s, nil
}

func (e *Engine) SessionByRoomCode(ctx context.Context, roomCode string) (*models.Session, error) {
	s, err := e.store.GetSessionByRoomCode(ctx, roomCode)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, notFound("session")
	}
	return s, nil
}

// OrderBook aggregates the session's open orders into price levels.
func (e *Engine) OrderBook(ctx context.Context, sessionID string) (*models.OrderBookSnapshot, error) {
	if _, err := e.SessionState(ctx, sessionID); err != nil {
		return nil, err
	}
	open, err := e.store.FindOpenOrders(ctx, sessionID, -1)
	if err != nil {
		return nil, err
	}
	snap := book.Snapshot(open)
	return &snap, nil
}

// DetailedOrderBook exposes each open order with the placing player's
// display name, for administrative visibility.
func (e *Engine) DetailedOrderBook(ctx context.Context, sessionID string) (*models.DetailedOrderBook, error) {
	if _, err := e.SessionState(ctx, sessionID); err != nil {
		return nil, err
	}
	open, err := e.store.FindOpenOrders(ctx, sessionID, -1)
	if err != nil {
		return nil, err
	}
	names, err := e.playerNames(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detailed := book.Detailed(open, names)
	return &detailed, nil
}

// Leaderboard ranks players by net worth: cash plus shares valued at the
// last traded price, falling back to the admin reference price, then zero.
// Ties keep insertion order.
func (e *Engine) Leaderboard(ctx context.Context, sessionID string) ([]models.LeaderboardEntry, error) {
	s, err := e.SessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	players, err := e.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	refPrice := 0.0
	if s.LastTradedPrice != nil {
		refPrice = *s.LastTradedPrice
	} else if s.CurrentPrice != nil {
		refPrice = *s.CurrentPrice
	}

	entries := make([]models.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		user, err := e.store.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		displayName := ""
		if user != nil {
			displayName = user.DisplayName
		}
		netWorth := p.CashBalance + float64(p.SharesHeld)*refPrice
		entries = append(entries, models.LeaderboardEntry{
			UserID:      p.UserID,
			DisplayName: displayName,
			NetWorth:    netWorth,
			CashBalance: p.CashBalance,
			SharesHeld:  p.SharesHeld,
			TotalPnL:    netWorth - s.StartingCash,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].NetWorth > entries[j].NetWorth
	})
	return entries, nil
}

// PlayerView returns a player's balances and order history split into open
// and closed orders.
func (e *Engine) PlayerView(ctx context.Context, sessionID, userID string) (*models.PlayerView, error) {
	player, err := e.store.GetPlayer(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, notFound("player")
	}
	orders, err := e.store.ListOrdersForPlayer(ctx, sessionID, player.ID)
	if err != nil {
		return nil, err
	}

	view := &models.PlayerView{
		Player:       *player,
		OpenOrders:   []models.Order{},
		ClosedOrders: []models.Order{},
	}
	for _, o := range orders {
		if o.Status == models.OrderOpen {
			view.OpenOrders = append(view.OpenOrders, o)
		} else {
			view.ClosedOrders = append(view.ClosedOrders, o)
		}
	}
	return view, nil
}

// SessionTrades returns the session's trade tape with buyer and seller
// display names resolved through the order and player records.
func (e *Engine) SessionTrades(ctx context.Context, sessionID string) ([]models.TradeView, error) {
	if _, err := e.SessionState(ctx, sessionID); err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrders(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	names, err := e.playerNames(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ordersByID := make(map[int64]models.Order, len(orders))
	for _, o := range orders {
		ordersByID[o.ID] = o
	}
	nameForOrder := func(orderID int64) string {
		if o, ok := ordersByID[orderID]; ok {
			return names[o.PlayerID]
		}
		return ""
	}

	views := make([]models.TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, models.TradeView{
			ID:          t.ID,
			Price:       t.Price,
			Quantity:    t.Quantity,
			RoundNumber: t.RoundNumber,
			CreatedAt:   t.CreatedAt.UnixMilli(),
			BuyerName:   nameForOrder(t.BuyOrderID),
			SellerName:  nameForOrder(t.SellOrderID),
		})
	}
	return views, nil
}

// RoundHistory derives per-round summaries from the trade tape.
func (e *Engine) RoundHistory(ctx context.Context, sessionID string) ([]models.RoundSummary, error) {
	s, err := e.SessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byRound := make(map[int][]models.Trade)
	for _, t := range trades {
		byRound[t.RoundNumber] = append(byRound[t.RoundNumber], t)
	}

	rounds := []models.RoundSummary{}
	for r := 1; r <= s.CurrentRound; r++ {
		rt := byRound[r]
		if len(rt) == 0 {
			continue
		}
		volume := 0
		for _, t := range rt {
			volume += t.Quantity
		}
		rounds = append(rounds, models.RoundSummary{
			RoundNumber:    r,
			Status:         "completed",
			EndTime:        rt[0].CreatedAt.UnixMilli(),
			ExecutionPrice: rt[0].Price,
			Volume:         volume,
		})
	}
	return rounds, nil
}

// playerNames maps player id to display name for one session.
func (e *Engine) playerNames(ctx context.Context, sessionID string) (map[int64]string, error) {
	players, err := e.store.ListPlayers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(players))
	for _, p := range players {
		user, err := e.store.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		if user != nil {
			names[p.ID] = user.DisplayName
		}
	}
	return names, nil
}

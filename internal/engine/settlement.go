package engine

import (
	"context"
	"sort"
	"time"

	"tradefloor/internal/models"
)

// EndRound settles all open orders of the current round at the admin-fixed
// execution price and advances the round state machine. An ipo_active round
// settles as a batch primary issuance; an active round settles by strict
// time priority. The round status shows executing while the settlement
// transaction runs and is restored if it fails.
func (e *Engine) EndRound(ctx context.Context, sessionID string, executionPrice float64) ([]models.Trade, error) {
	return e.settle(ctx, sessionID, executionPrice, false)
}

// ExecuteIPORound is EndRound restricted to a round that is actually in
// primary issuance.
func (e *Engine) ExecuteIPORound(ctx context.Context, sessionID string, executionPrice float64) ([]models.Trade, error) {
	return e.settle(ctx, sessionID, executionPrice, true)
}

func (e *Engine) settle(ctx context.Context, sessionID string, executionPrice float64, requireIPO bool) ([]models.Trade, error) {
	if !finitePositive(executionPrice) {
		return nil, invalid("execution price must be positive")
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	// Mark the round executing inside its own transactional scope, so the
	// precondition check serializes with any other writer on the session.
	// The snapshot taken here is what failure restores.
	var prev models.Session
	err := e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if requireIPO && s.RoundStatus != models.RoundIPOActive {
			return badState("IPO round not active")
		}
		if s.RoundStatus != models.RoundActive && s.RoundStatus != models.RoundIPOActive {
			return badState("round not active")
		}
		prev = *s
		s.RoundStatus = models.RoundExecuting
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	var session *models.Session
	var trades []models.Trade
	err = e.store.WithinSession(ctx, sessionID, func(tx Ledger) error {
		s, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("session")
		}
		if prev.RoundStatus == models.RoundIPOActive {
			trades, err = e.settleIPO(ctx, tx, s, executionPrice)
		} else {
			trades, err = e.settleRound(ctx, tx, s, executionPrice)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		// Settlement rolled back; put the session back exactly the way the
		// snapshot had it, round counter and prices included.
		restore := prev
		if restoreErr := e.store.UpdateSession(ctx, &restore); restoreErr != nil {
			return nil, restoreErr
		}
		return nil, err
	}

	for i := range trades {
		e.notify.Publish(sessionID, EventTradeExecuted, &trades[i])
	}
	e.notify.Publish(sessionID, EventRoundEnded, map[string]any{
		"session":        session,
		"executionPrice": executionPrice,
		"trades":         len(trades),
	})
	e.notify.Publish(sessionID, EventSessionUpdated, session)
	e.publishLeaderboard(ctx, sessionID)
	return trades, nil
}

// settleRound matches the round's open buys against its open sells in
// strict time priority. Price is irrelevant to matching order: the
// settlement price is externally fixed by the admin, not discovered.
func (e *Engine) settleRound(ctx context.Context, tx Ledger, s *models.Session, price float64) ([]models.Trade, error) {
	open, err := tx.FindOpenOrders(ctx, s.ID, s.CurrentRound)
	if err != nil {
		return nil, err
	}

	var buys, sells []models.Order
	for _, o := range open {
		if o.Type == models.OrderBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sortByTime(buys)
	sortByTime(sells)

	trades := []models.Trade{}
	bi, si := 0, 0
	for bi < len(buys) && si < len(sells) {
		buy := &buys[bi]
		sell := &sells[si]

		qty := buy.Quantity
		if sell.Quantity < qty {
			qty = sell.Quantity
		}
		cost := price * float64(qty)

		// One match is one atomic step: two balance updates, two order
		// updates, one trade insert, all inside the settlement transaction.
		if err := tx.UpdatePlayerBalance(ctx, buy.PlayerID, -cost, qty); err != nil {
			return nil, err
		}
		if err := tx.UpdatePlayerBalance(ctx, sell.PlayerID, cost, -qty); err != nil {
			return nil, err
		}

		trade := models.Trade{
			SessionID:   s.ID,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Price:       price,
			Quantity:    qty,
			RoundNumber: s.CurrentRound,
			CreatedAt:   time.Now(),
		}
		if err := tx.CreateTrade(ctx, &trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		buy.Quantity -= qty
		sell.Quantity -= qty
		if buy.Quantity == 0 {
			if err := tx.UpdateOrderStatus(ctx, buy.ID, models.OrderFilled); err != nil {
				return nil, err
			}
			bi++
		} else {
			if err := tx.UpdateOrderQuantity(ctx, buy.ID, buy.Quantity); err != nil {
				return nil, err
			}
		}
		if sell.Quantity == 0 {
			if err := tx.UpdateOrderStatus(ctx, sell.ID, models.OrderFilled); err != nil {
				return nil, err
			}
			si++
		} else {
			if err := tx.UpdateOrderQuantity(ctx, sell.ID, sell.Quantity); err != nil {
				return nil, err
			}
		}
	}

	// Imbalanced remainder is cancelled, not carried to the next round.
	for _, o := range append(buys[bi:], sells[si:]...) {
		if err := tx.UpdateOrderStatus(ctx, o.ID, models.OrderCancelled); err != nil {
			return nil, err
		}
	}

	if s.CurrentRound >= s.TotalRounds {
		s.RoundStatus = models.RoundCompleted
	} else {
		s.RoundStatus = models.RoundWaiting
	}
	s.LastTradedPrice = &price
	s.CurrentPrice = &price
	s.RoundEndTime = nil
	return trades, nil
}

// settleIPO fills every open buy order in full at the execution price.
// Shares are minted, not transferred: each trade references the buy order
// on both legs. Advances the round counter.
func (e *Engine) settleIPO(ctx context.Context, tx Ledger, s *models.Session, price float64) ([]models.Trade, error) {
	open, err := tx.FindOpenOrders(ctx, s.ID, -1)
	if err != nil {
		return nil, err
	}

	nextRound := s.CurrentRound + 1
	if nextRound > s.TotalRounds {
		nextRound = s.TotalRounds
	}

	trades := []models.Trade{}
	for _, o := range open {
		if o.Type != models.OrderBuy {
			// Sells are rejected at placement during issuance; anything
			// lingering from an earlier round is swept here.
			if err := tx.UpdateOrderStatus(ctx, o.ID, models.OrderCancelled); err != nil {
				return nil, err
			}
			continue
		}

		cost := price * float64(o.Quantity)
		if err := tx.UpdatePlayerBalance(ctx, o.PlayerID, -cost, o.Quantity); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrderStatus(ctx, o.ID, models.OrderFilled); err != nil {
			return nil, err
		}

		trade := models.Trade{
			SessionID:   s.ID,
			BuyOrderID:  o.ID,
			SellOrderID: o.ID,
			Price:       price,
			Quantity:    o.Quantity,
			RoundNumber: nextRound,
			CreatedAt:   time.Now(),
		}
		if err := tx.CreateTrade(ctx, &trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	s.CurrentRound = nextRound
	if nextRound >= s.TotalRounds {
		s.RoundStatus = models.RoundCompleted
	} else {
		s.RoundStatus = models.RoundWaiting
	}
	s.LastTradedPrice = &price
	s.RoundEndTime = nil
	return trades, nil
}

func sortByTime(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

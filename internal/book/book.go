// Package book derives aggregated bid/ask views from open orders. Pure
// functions of the order set passed in; callers are responsible for reading
// a consistent snapshot.
package book

import (
	"sort"

	"tradefloor/internal/models"
)

// Snapshot partitions open orders into sides and aggregates identical price
// levels. Bids sort descending by price, asks ascending, ties broken by
// earliest creation time.
func Snapshot(orders []models.Order) models.OrderBookSnapshot {
	bids, asks := split(orders)
	return models.OrderBookSnapshot{
		Bids: aggregate(bids),
		Asks: aggregate(asks),
	}
}

// Detailed exposes each individual order, not aggregated, with the placing
// player's display name. Same sort as Snapshot.
func Detailed(orders []models.Order, playerNames map[int64]string) models.DetailedOrderBook {
	bids, asks := split(orders)
	return models.DetailedOrderBook{
		Bids: enrich(bids, playerNames),
		Asks: enrich(asks, playerNames),
	}
}

func split(orders []models.Order) (bids, asks []models.Order) {
	for _, o := range orders {
		if o.Type == models.OrderBuy {
			bids = append(bids, o)
		} else {
			asks = append(asks, o)
		}
	}
	sortSide(bids, true)
	sortSide(asks, false)
	return bids, asks
}

func sortSide(orders []models.Order, descending bool) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Price == orders[j].Price {
			if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
				return orders[i].ID < orders[j].ID
			}
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		if descending {
			return orders[i].Price > orders[j].Price
		}
		return orders[i].Price < orders[j].Price
	})
}

// aggregate sums quantities of consecutive equal-price orders, preserving
// the side's sort order.
func aggregate(sorted []models.Order) []models.OrderBookLevel {
	levels := []models.OrderBookLevel{}
	for _, o := range sorted {
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Quantity += o.Quantity
			continue
		}
		levels = append(levels, models.OrderBookLevel{Price: o.Price, Quantity: o.Quantity})
	}
	return levels
}

func enrich(sorted []models.Order, playerNames map[int64]string) []models.DetailedOrder {
	out := []models.DetailedOrder{}
	for _, o := range sorted {
		out = append(out, models.DetailedOrder{
			ID:         o.ID,
			Price:      o.Price,
			Quantity:   o.Quantity,
			CreatedAt:  o.CreatedAt.UnixMilli(),
			PlayerName: playerNames[o.PlayerID],
		})
	}
	return out
}

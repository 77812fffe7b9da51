package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefloor/internal/engine"
	"tradefloor/internal/memstore"
	"tradefloor/internal/models"
)

// recorder captures published events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(sessionID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	eng     *engine.Engine
	store   *memstore.Store
	rec     *recorder
	session *models.Session
	admin   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	rec := &recorder{}
	eng := engine.New(store, rec)

	session, admin, err := eng.CreateSession(context.Background(), models.CreateSessionRequest{
		AdminDisplayName:   "host",
		StartingCash:       10000,
		MaxShares:          1000,
		SessionDurationSec: 3600,
		TotalRounds:        5,
		RoundDurationSec:   60,
	})
	require.NoError(t, err)

	session, err = eng.SetSessionStatus(context.Background(), session.ID, models.SessionActive)
	require.NoError(t, err)

	return &fixture{eng: eng, store: store, rec: rec, session: session, admin: admin}
}

func (f *fixture) join(t *testing.T, name string) (*models.User, *models.Player) {
	t.Helper()
	_, user, player, err := f.eng.JoinSession(context.Background(), f.session.RoomCode, models.JoinSessionRequest{DisplayName: name})
	require.NoError(t, err)
	return user, player
}

// skipIPO settles the opening issuance (with whatever orders are queued)
// and starts the first regular round.
func (f *fixture) skipIPO(t *testing.T, price float64) {
	t.Helper()
	_, err := f.eng.EndRound(context.Background(), f.session.ID, price)
	require.NoError(t, err)
	s, err := f.eng.StartRound(context.Background(), f.session.ID)
	require.NoError(t, err)
	f.session = s
}

func (f *fixture) player(t *testing.T, id int64) *models.Player {
	t.Helper()
	p, err := f.store.GetPlayerByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestCreateSession(t *testing.T) {
	store := memstore.New()
	eng := engine.New(store, engine.NopNotifier{})

	session, admin, err := eng.CreateSession(context.Background(), models.CreateSessionRequest{
		AdminDisplayName:   "host",
		StartingCash:       5000,
		MaxShares:          100,
		SessionDurationSec: 1800,
		TotalRounds:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, models.SessionLobby, session.Status)
	assert.Equal(t, models.RoundIPOActive, session.RoundStatus)
	assert.Equal(t, 0, session.CurrentRound)
	assert.Equal(t, 3, session.TotalRounds)
	assert.Equal(t, 60, session.RoundDurationSec) // default
	require.NotNil(t, session.CurrentPrice)
	assert.Equal(t, 100.0, *session.CurrentPrice) // default IPO price
	assert.Equal(t, admin.ID, session.AdminID)
	assert.Equal(t, models.RoleAdmin, admin.Role)

	assert.Len(t, session.RoomCode, 6)
	for _, c := range session.RoomCode {
		assert.Contains(t, "ABCDEFGHJKLMNPQRSTUVWXYZ23456789", string(c))
	}

	// Room code resolves back to the session.
	found, err := eng.SessionByRoomCode(context.Background(), session.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)
}

func TestCreateSession_Validation(t *testing.T) {
	eng := engine.New(memstore.New(), engine.NopNotifier{})

	tests := []struct {
		name string
		req  models.CreateSessionRequest
	}{
		{"MissingName", models.CreateSessionRequest{StartingCash: 100, MaxShares: 10, SessionDurationSec: 60, TotalRounds: 1}},
		{"ZeroCash", models.CreateSessionRequest{AdminDisplayName: "a", MaxShares: 10, SessionDurationSec: 60, TotalRounds: 1}},
		{"ZeroShares", models.CreateSessionRequest{AdminDisplayName: "a", StartingCash: 100, SessionDurationSec: 60, TotalRounds: 1}},
		{"ZeroRounds", models.CreateSessionRequest{AdminDisplayName: "a", StartingCash: 100, MaxShares: 10, SessionDurationSec: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := eng.CreateSession(context.Background(), tt.req)
			var verr *engine.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestJoinSession(t *testing.T) {
	f := newFixture(t)

	user, player := f.join(t, "alice")
	assert.Equal(t, models.RolePlayer, user.Role)
	assert.Equal(t, 10000.0, player.CashBalance)
	assert.Equal(t, 0, player.SharesHeld)

	// Same display name joins again as a fresh identity.
	user2, player2 := f.join(t, "alice")
	assert.NotEqual(t, user.ID, user2.ID)
	assert.NotEqual(t, player.ID, player2.ID)

	_, _, _, err := f.eng.JoinSession(context.Background(), "ZZZZZZ", models.JoinSessionRequest{DisplayName: "bob"})
	var nferr *engine.NotFoundError
	assert.ErrorAs(t, err, &nferr)

	_, err = f.eng.SetSessionStatus(context.Background(), f.session.ID, models.SessionEnded)
	require.NoError(t, err)
	_, _, _, err = f.eng.JoinSession(context.Background(), f.session.RoomCode, models.JoinSessionRequest{DisplayName: "late"})
	var serr *engine.StateError
	assert.ErrorAs(t, err, &serr)
}

func TestPlaceOrder_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer, buyerPlayer := f.join(t, "buyer")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)

	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 10))
	_ = buyerPlayer

	t.Run("InsufficientCash", func(t *testing.T) {
		// 100 * 200 = 20000 > 10000 starting cash.
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
			Type: models.OrderBuy, Price: 100, Quantity: 200,
		})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "cash")

		// No order was created.
		open, err := f.store.FindOpenOrders(ctx, f.session.ID, f.session.CurrentRound)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("MaxSharesExceeded", func(t *testing.T) {
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
			Type: models.OrderBuy, Price: 1, Quantity: 1001,
		})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "share")
	})

	t.Run("InsufficientShares", func(t *testing.T) {
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{
			Type: models.OrderSell, Price: 100, Quantity: 11,
		})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("OneOrderPerRound", func(t *testing.T) {
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
			Type: models.OrderBuy, Price: 50, Quantity: 1,
		})
		require.NoError(t, err)

		_, err = f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
			Type: models.OrderBuy, Price: 50, Quantity: 1,
		})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "one order per round")
	})

	t.Run("UnknownPlayer", func(t *testing.T) {
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, "no-such-user", models.PlaceOrderRequest{
			Type: models.OrderBuy, Price: 50, Quantity: 1,
		})
		var nferr *engine.NotFoundError
		assert.ErrorAs(t, err, &nferr)
	})

	t.Run("PausedSession", func(t *testing.T) {
		_, err := f.eng.SetSessionStatus(ctx, f.session.ID, models.SessionPaused)
		require.NoError(t, err)
		_, err = f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{
			Type: models.OrderSell, Price: 100, Quantity: 1,
		})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "not active")
	})
}

func TestPlaceOrder_IPORules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, alicePlayer := f.join(t, "alice")
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, alicePlayer.ID, 0, 10))

	// Session opens in ipo_active.
	_, err := f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderSell, Quantity: 5,
	})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "IPO")

	_, err = f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 6,
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "limited to 5")

	order, err := f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, order.Status)
	assert.Equal(t, 0, order.RoundNumber)
}

// Scenario: one buy and one matching sell settle at the admin price.
func TestEndRound_MatchedSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer, buyerPlayer := f.join(t, "buyer")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 10))

	buy, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 10,
	})
	require.NoError(t, err)
	sell, err := f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{
		Type: models.OrderSell, Quantity: 10,
	})
	require.NoError(t, err)

	trades, err := f.eng.EndRound(ctx, f.session.ID, 50)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, buy.ID, trades[0].BuyOrderID)
	assert.Equal(t, sell.ID, trades[0].SellOrderID)
	assert.Equal(t, 50.0, trades[0].Price)
	assert.Equal(t, 10, trades[0].Quantity)

	b := f.player(t, buyerPlayer.ID)
	assert.Equal(t, 9500.0, b.CashBalance)
	assert.Equal(t, 10, b.SharesHeld)

	s := f.player(t, sellerPlayer.ID)
	assert.Equal(t, 10500.0, s.CashBalance)
	assert.Equal(t, 0, s.SharesHeld)

	for _, id := range []int64{buy.ID, sell.ID} {
		o, err := f.store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderFilled, o.Status)
	}

	session, err := f.eng.SessionState(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundWaiting, session.RoundStatus)
	require.NotNil(t, session.LastTradedPrice)
	assert.Equal(t, 50.0, *session.LastTradedPrice)
	require.NotNil(t, session.CurrentPrice)
	assert.Equal(t, 50.0, *session.CurrentPrice)
	assert.Nil(t, session.RoundEndTime)
}

// Scenario: buy quantity 10 vs sell quantity 6. Six units match; the
// four-unit remainder is cancelled, not carried forward.
func TestEndRound_ImbalancedRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer, buyerPlayer := f.join(t, "buyer")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 6))

	buy, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 10,
	})
	require.NoError(t, err)
	_, err = f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{
		Type: models.OrderSell, Quantity: 6,
	})
	require.NoError(t, err)

	trades, err := f.eng.EndRound(ctx, f.session.ID, 50)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 6, trades[0].Quantity)

	o, err := f.store.GetOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.Equal(t, 4, o.Quantity) // frozen at the unmatched remainder

	b := f.player(t, buyerPlayer.ID)
	assert.Equal(t, 10000.0-300, b.CashBalance)
	assert.Equal(t, 6, b.SharesHeld)

	// Nothing open leaks into the next round.
	open, err := f.store.FindOpenOrders(ctx, f.session.ID, -1)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEndRound_TimePriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, _ := f.join(t, "first")
	second, _ := f.join(t, "second")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 5))

	// Earlier buy wins the scarce sell quantity regardless of price.
	o1, err := f.eng.PlaceOrder(ctx, f.session.ID, first.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Price: 10, Quantity: 5,
	})
	require.NoError(t, err)
	o2, err := f.eng.PlaceOrder(ctx, f.session.ID, second.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Price: 999, Quantity: 5,
	})
	require.NoError(t, err)
	_, err = f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{
		Type: models.OrderSell, Quantity: 5,
	})
	require.NoError(t, err)

	trades, err := f.eng.EndRound(ctx, f.session.ID, 20)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, o1.ID, trades[0].BuyOrderID)

	late, err := f.store.GetOrder(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, late.Status)
}

// Scenario: IPO with two buys and no sells fills both in full and mints
// shares; each trade references its buy order on both legs.
func TestExecuteIPORound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, alicePlayer := f.join(t, "alice")
	bob, bobPlayer := f.join(t, "bob")

	o1, err := f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	require.NoError(t, err)
	o2, err := f.eng.PlaceOrder(ctx, f.session.ID, bob.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 3,
	})
	require.NoError(t, err)

	trades, err := f.eng.ExecuteIPORound(ctx, f.session.ID, 100)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, tr.BuyOrderID, tr.SellOrderID)
		assert.Equal(t, 100.0, tr.Price)
		assert.Equal(t, 1, tr.RoundNumber)
	}
	assert.Equal(t, o1.ID, trades[0].BuyOrderID)
	assert.Equal(t, o2.ID, trades[1].BuyOrderID)

	a := f.player(t, alicePlayer.ID)
	assert.Equal(t, 9500.0, a.CashBalance)
	assert.Equal(t, 5, a.SharesHeld)
	b := f.player(t, bobPlayer.ID)
	assert.Equal(t, 9700.0, b.CashBalance)
	assert.Equal(t, 3, b.SharesHeld)

	session, err := f.eng.SessionState(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.CurrentRound)
	assert.Equal(t, models.RoundWaiting, session.RoundStatus)
	require.NotNil(t, session.LastTradedPrice)
	assert.Equal(t, 100.0, *session.LastTradedPrice)
}

func TestExecuteIPORound_RequiresIPO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.skipIPO(t, 100) // now in a regular active round

	_, err := f.eng.ExecuteIPORound(ctx, f.session.ID, 100)
	var serr *engine.StateError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "IPO")
}

// Cash is conserved across a regular settlement: every buyer debit is a
// seller credit. Shares are conserved outside IPO issuance.
func TestSettlementConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var users []*models.User
	var playerIDs []int64
	for i := 0; i < 4; i++ {
		u, p := f.join(t, fmt.Sprintf("player%d", i))
		users = append(users, u)
		playerIDs = append(playerIDs, p.ID)
	}
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, playerIDs[2], 0, 7))
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, playerIDs[3], 0, 4))

	totalCash := func() float64 {
		var sum float64
		for _, id := range playerIDs {
			sum += f.player(t, id).CashBalance
		}
		return sum
	}
	totalShares := func() int {
		var sum int
		for _, id := range playerIDs {
			sum += f.player(t, id).SharesHeld
		}
		return sum
	}

	cashBefore, sharesBefore := totalCash(), totalShares()

	for i, req := range []models.PlaceOrderRequest{
		{Type: models.OrderBuy, Quantity: 6},
		{Type: models.OrderBuy, Quantity: 3},
		{Type: models.OrderSell, Quantity: 7},
		{Type: models.OrderSell, Quantity: 4},
	} {
		_, err := f.eng.PlaceOrder(ctx, f.session.ID, users[i].ID, req)
		require.NoError(t, err)
	}

	trades, err := f.eng.EndRound(ctx, f.session.ID, 42)
	require.NoError(t, err)
	assert.NotEmpty(t, trades)

	assert.InDelta(t, cashBefore, totalCash(), 1e-9)
	assert.Equal(t, sharesBefore, totalShares())
}

func TestStartRound_Guards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.skipIPO(t, 100)

	// skipIPO already started round 1; starting again from active fails.
	_, err := f.eng.StartRound(ctx, f.session.ID)
	var serr *engine.StateError
	require.ErrorAs(t, err, &serr)

	session, err := f.eng.SessionState(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundActive, session.RoundStatus)
	require.NotNil(t, session.RoundEndTime)

	// Burn through the remaining rounds.
	round := session.CurrentRound
	for {
		_, err = f.eng.EndRound(ctx, f.session.ID, 10)
		require.NoError(t, err)
		session, err = f.eng.SessionState(ctx, f.session.ID)
		require.NoError(t, err)
		if session.RoundStatus == models.RoundCompleted {
			break
		}
		session, err = f.eng.StartRound(ctx, f.session.ID)
		require.NoError(t, err)
		assert.Equal(t, round+1, session.CurrentRound)
		round = session.CurrentRound
	}
	assert.Equal(t, session.TotalRounds, session.CurrentRound)

	_, err = f.eng.StartRound(ctx, f.session.ID)
	require.ErrorAs(t, err, &serr)
}

func TestToggleRoundToIPO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.skipIPO(t, 100)

	session, err := f.eng.ToggleRoundToIPO(ctx, f.session.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, models.RoundIPOActive, session.RoundStatus)
	require.NotNil(t, session.CurrentPrice)
	assert.Equal(t, 80.0, *session.CurrentPrice)
	round := session.CurrentRound

	session, err = f.eng.ToggleRoundToIPO(ctx, f.session.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, models.RoundActive, session.RoundStatus)
	assert.Equal(t, round, session.CurrentRound) // counter untouched

	// Settle and try toggling from waiting.
	_, err = f.eng.EndRound(ctx, f.session.ID, 90)
	require.NoError(t, err)
	_, err = f.eng.ToggleRoundToIPO(ctx, f.session.ID, 80)
	var serr *engine.StateError
	assert.ErrorAs(t, err, &serr)
}

func TestStartIPORound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.skipIPO(t, 100)

	// Only a waiting round can reopen issuance.
	_, err := f.eng.StartIPORound(ctx, f.session.ID, 120)
	var serr *engine.StateError
	require.ErrorAs(t, err, &serr)

	_, err = f.eng.EndRound(ctx, f.session.ID, 100)
	require.NoError(t, err)

	session, err := f.eng.StartIPORound(ctx, f.session.ID, 120)
	require.NoError(t, err)
	assert.Equal(t, models.RoundIPOActive, session.RoundStatus)
	require.NotNil(t, session.CurrentPrice)
	assert.Equal(t, 120.0, *session.CurrentPrice)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, _ := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	order, err := f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	require.NoError(t, err)

	_, err = f.eng.CancelOrder(ctx, f.session.ID, bob.ID, order.ID)
	var aerr *engine.AuthorizationError
	require.ErrorAs(t, err, &aerr)

	cancelled, err := f.eng.CancelOrder(ctx, f.session.ID, alice.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)

	_, err = f.eng.CancelOrder(ctx, f.session.ID, alice.ID, order.ID)
	var serr *engine.StateError
	require.ErrorAs(t, err, &serr)

	_, err = f.eng.CancelOrder(ctx, f.session.ID, alice.ID, 9999)
	var nferr *engine.NotFoundError
	require.ErrorAs(t, err, &nferr)

	// Cancelling freed the one-order-per-round slot.
	_, err = f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	assert.NoError(t, err)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, alicePlayer := f.join(t, "alice")
	_, bobPlayer := f.join(t, "bob")
	_ = alice

	// No trades yet: valuation falls back to the admin reference price.
	entries, err := f.eng.Leaderboard(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 10000.0, entries[0].NetWorth)
	assert.Equal(t, 0.0, entries[0].TotalPnL)

	// Give alice shares; at reference price 100 she leads.
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, alicePlayer.ID, 0, 10))
	entries, err = f.eng.Leaderboard(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", entries[0].DisplayName)
	assert.Equal(t, 11000.0, entries[0].NetWorth)
	assert.Equal(t, 1000.0, entries[0].TotalPnL)
	assert.Equal(t, "bob", entries[1].DisplayName)

	// Equal net worth ties keep insertion order.
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, bobPlayer.ID, 1000, 0))
	entries, err = f.eng.Leaderboard(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", entries[0].DisplayName)
	assert.Equal(t, "bob", entries[1].DisplayName)

	// Reads are idempotent.
	again, err := f.eng.Leaderboard(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestPlayerView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, _ := f.join(t, "alice")

	order, err := f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	require.NoError(t, err)

	view, err := f.eng.PlayerView(ctx, f.session.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, view.OpenOrders, 1)
	assert.Equal(t, order.ID, view.OpenOrders[0].ID)
	assert.Empty(t, view.ClosedOrders)

	_, err = f.eng.ExecuteIPORound(ctx, f.session.ID, 100)
	require.NoError(t, err)

	view, err = f.eng.PlayerView(ctx, f.session.ID, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, view.OpenOrders)
	require.Len(t, view.ClosedOrders, 1)
	assert.Equal(t, models.OrderFilled, view.ClosedOrders[0].Status)
}

func TestSessionTradesAndRoundHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer, _ := f.join(t, "buyer")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 10))

	_, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{Type: models.OrderBuy, Quantity: 10})
	require.NoError(t, err)
	_, err = f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{Type: models.OrderSell, Quantity: 10})
	require.NoError(t, err)
	_, err = f.eng.EndRound(ctx, f.session.ID, 55)
	require.NoError(t, err)

	trades, err := f.eng.SessionTrades(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "buyer", trades[0].BuyerName)
	assert.Equal(t, "seller", trades[0].SellerName)
	assert.Equal(t, 55.0, trades[0].Price)

	rounds, err := f.eng.RoundHistory(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 55.0, rounds[0].ExecutionPrice)
	assert.Equal(t, 10, rounds[0].Volume)
}

// Events from one settlement arrive in causal order.
func TestEndRound_EventOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer, _ := f.join(t, "buyer")
	seller, sellerPlayer := f.join(t, "seller")
	f.skipIPO(t, 100)
	require.NoError(t, f.store.UpdatePlayerBalance(ctx, sellerPlayer.ID, 0, 5))

	_, err := f.eng.PlaceOrder(ctx, f.session.ID, buyer.ID, models.PlaceOrderRequest{Type: models.OrderBuy, Quantity: 5})
	require.NoError(t, err)
	_, err = f.eng.PlaceOrder(ctx, f.session.ID, seller.ID, models.PlaceOrderRequest{Type: models.OrderSell, Quantity: 5})
	require.NoError(t, err)

	f.rec.reset()
	_, err = f.eng.EndRound(ctx, f.session.ID, 50)
	require.NoError(t, err)

	events := f.rec.names()
	joined := strings.Join(events, ",")
	tradeIdx := strings.Index(joined, engine.EventTradeExecuted)
	endedIdx := strings.Index(joined, engine.EventRoundEnded)
	updatedIdx := strings.Index(joined, engine.EventSessionUpdated)
	require.GreaterOrEqual(t, tradeIdx, 0)
	assert.Less(t, tradeIdx, endedIdx)
	assert.Less(t, endedIdx, updatedIdx)
}

var errTxWrite = errors.New("session write failed")

// failingLedger wraps a Ledger and, once armed, fails the in-transaction
// session write that commits a settlement result. The executing flag write
// and all out-of-transaction writes pass through.
type failingLedger struct {
	engine.Ledger
	inTx bool
	arm  *bool
}

func (f *failingLedger) WithinSession(ctx context.Context, sessionID string, fn func(tx engine.Ledger) error) error {
	return f.Ledger.WithinSession(ctx, sessionID, func(tx engine.Ledger) error {
		return fn(&failingLedger{Ledger: tx, inTx: true, arm: f.arm})
	})
}

func (f *failingLedger) UpdateSession(ctx context.Context, s *models.Session) error {
	if *f.arm && f.inTx && s.RoundStatus != models.RoundExecuting {
		return errTxWrite
	}
	return f.Ledger.UpdateSession(ctx, s)
}

// A settlement whose transaction fails must leave no durable residue: no
// trades, no balance changes, and a session identical to the one before the
// attempt. A retry then settles exactly once.
func TestEndRound_FailureLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	arm := false
	eng := engine.New(&failingLedger{Ledger: store, arm: &arm}, engine.NopNotifier{})

	session, _, err := eng.CreateSession(ctx, models.CreateSessionRequest{
		AdminDisplayName:   "host",
		StartingCash:       10000,
		MaxShares:          1000,
		SessionDurationSec: 3600,
		TotalRounds:        5,
	})
	require.NoError(t, err)
	_, err = eng.SetSessionStatus(ctx, session.ID, models.SessionActive)
	require.NoError(t, err)
	_, user, player, err := eng.JoinSession(ctx, session.RoomCode, models.JoinSessionRequest{DisplayName: "alice"})
	require.NoError(t, err)
	order, err := eng.PlaceOrder(ctx, session.ID, user.ID, models.PlaceOrderRequest{
		Type: models.OrderBuy, Quantity: 5,
	})
	require.NoError(t, err)

	arm = true
	_, err = eng.EndRound(ctx, session.ID, 100)
	require.ErrorIs(t, err, errTxWrite)

	// Session state is exactly pre-attempt: round counter not advanced, no
	// price printed, round still accepting orders.
	s, err := eng.SessionState(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentRound)
	assert.Equal(t, models.RoundIPOActive, s.RoundStatus)
	assert.Nil(t, s.LastTradedPrice)

	p, err := store.GetPlayerByID(ctx, player.ID)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, p.CashBalance)
	assert.Equal(t, 0, p.SharesHeld)

	o, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, o.Status)

	trades, err := store.ListTrades(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, trades)

	// Retrying settles the round once, not twice.
	arm = false
	trades, err = eng.ExecuteIPORound(ctx, session.ID, 100)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	s, err = eng.SessionState(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentRound)
	assert.Equal(t, models.RoundWaiting, s.RoundStatus)

	p, err = store.GetPlayerByID(ctx, player.ID)
	require.NoError(t, err)
	assert.Equal(t, 9500.0, p.CashBalance)
	assert.Equal(t, 5, p.SharesHeld)
}

// A round already mid-settlement cannot be settled again.
func TestEndRound_AlreadyExecuting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	s.RoundStatus = models.RoundExecuting
	require.NoError(t, f.store.UpdateSession(ctx, s))

	_, err = f.eng.EndRound(ctx, f.session.ID, 100)
	var serr *engine.StateError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, err.Error(), "round not active")
}

// Concurrent placements by the same player admit exactly one order.
func TestConcurrentPlacement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice, _ := f.join(t, "alice")

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.PlaceOrder(ctx, f.session.ID, alice.ID, models.PlaceOrderRequest{
				Type: models.OrderBuy, Quantity: 1,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	open, err := f.store.FindOpenOrders(ctx, f.session.ID, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

package main

import (
	"context"
	"fmt"
	"log"

	"tradefloor/internal/config"
	"tradefloor/internal/db"
	"tradefloor/internal/engine"
	"tradefloor/internal/models"
)

// Seed the database with a demo session: one admin, two players, and an
// opening order pair, ready for an admin to run the first settlement.
func main() {
	ctx := context.Background()
	cfg := config.Load()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	eng := engine.New(database, engine.NopNotifier{})

	session, admin, err := eng.CreateSession(ctx, models.CreateSessionRequest{
		AdminDisplayName:   "demo-admin",
		StartingCash:       10000,
		MaxShares:          1000,
		SessionDurationSec: 3600,
		TotalRounds:        5,
		RoundDurationSec:   60,
		IPOPrice:           100,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	if _, err := eng.SetSessionStatus(ctx, session.ID, models.SessionActive); err != nil {
		log.Fatalf("Failed to activate session: %v", err)
	}

	for _, name := range []string{"alice", "bob"} {
		_, user, _, err := eng.JoinSession(ctx, session.RoomCode, models.JoinSessionRequest{DisplayName: name})
		if err != nil {
			log.Fatalf("Failed to join %s: %v", name, err)
		}

		// The session opens in ipo_active, so both players queue IPO buys.
		order, err := eng.PlaceOrder(ctx, session.ID, user.ID, models.PlaceOrderRequest{
			Type:     models.OrderBuy,
			Quantity: 5,
		})
		if err != nil {
			log.Fatalf("Failed to place order for %s: %v", name, err)
		}
		fmt.Printf("%s joined and placed order %d\n", name, order.ID)
	}

	fmt.Printf("Seeded session %s\n", session.ID)
	fmt.Printf("Room code: %s (admin %s)\n", session.RoomCode, admin.DisplayName)
}

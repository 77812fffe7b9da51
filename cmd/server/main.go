package main

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"tradefloor/internal/api"
	"tradefloor/internal/auth"
	"tradefloor/internal/config"
	"tradefloor/internal/db"
	"tradefloor/internal/engine"
	"tradefloor/internal/memstore"
	"tradefloor/internal/watch"
	"tradefloor/internal/ws"
)

// Main entry point: wires the ledger store, settlement engine, websocket
// hub and HTTP server.
func main() {
	ctx := context.Background()
	cfg := config.Load()

	var store engine.Ledger
	switch cfg.Store {
	case "memory":
		log.Println("Using in-memory store (state is lost on restart)")
		store = memstore.New()
	default:
		database, err := db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		store = database
	}

	authService := auth.NewService(cfg.JWTSecret)
	hub := ws.NewHub(authService)
	eng := engine.New(store, hub)
	handler := api.NewHandler(eng, authService)

	watcher := watch.New(store, hub)
	if err := watcher.Start(); err != nil {
		log.Fatalf("Failed to start round watcher: %v", err)
	}
	defer watcher.Stop()

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint; clients attach with their issued token.
	r.Get("/ws", hub.ServeHTTP)

	// Database health, only meaningful with the Postgres store.
	r.Get("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if pg, ok := store.(*db.DB); ok {
			if err := pg.Pool.Ping(r.Context()); err != nil {
				http.Error(w, `{"error": "database unreachable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})

	r.Mount("/", handler.Routes())

	log.Printf("Starting server on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

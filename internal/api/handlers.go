package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradefloor/internal/auth"
	"tradefloor/internal/engine"
	"tradefloor/internal/models"
)

type contextKey string

const claimsKey contextKey = "claims"

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Auth   *auth.Service
}

func NewHandler(eng *engine.Engine, authService *auth.Service) *Handler {
	return &Handler{Engine: eng, Auth: authService}
}

// Routes mounts the full API surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)

	// Public: create and discover sessions.
	r.Post("/api/sessions", h.CreateSession)
	r.Get("/api/rooms/{roomCode}/info", h.RoomInfo)
	r.Post("/api/rooms/{roomCode}/join", h.JoinRoom)

	// Session-scoped, token required.
	r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(h.SessionScopeMiddleware)

		r.Get("/state", h.SessionState)
		r.Get("/orderbook", h.OrderBook)
		r.Get("/leaderboard", h.Leaderboard)
		r.Get("/trades", h.Trades)
		r.Get("/rounds", h.RoundHistory)
		r.Get("/me", h.PlayerView)
		r.Post("/orders", h.PlaceOrder)
		r.Post("/orders/{orderID}/cancel", h.CancelOrder)

		// Admin-only controls.
		r.Group(func(r chi.Router) {
			r.Use(h.AdminMiddleware)
			r.Get("/orderbook/detailed", h.DetailedOrderBook)
			r.Post("/rounds/start", h.StartRound)
			r.Post("/rounds/end", h.EndRound)
			r.Post("/ipo/start", h.StartIPO)
			r.Post("/ipo/execute", h.ExecuteIPO)
			r.Post("/ipo/toggle", h.ToggleIPO)
			r.Post("/price", h.SetPrice)
			r.Post("/status", h.SetStatus)
		})
	})

	return r
}

// AuthMiddleware verifies the bearer token and stores its claims.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeJSONError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		claims, err := h.Auth.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionScopeMiddleware rejects tokens issued for a different session than
// the one addressed by the URL.
func (h *Handler) SessionScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
		if !ok || claims.SessionID != chi.URLParam(r, "sessionID") {
			writeJSONError(w, http.StatusForbidden, "Token not valid for this session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminMiddleware restricts a route to the session admin.
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
		if !ok || claims.Role != models.RoleAdmin {
			writeJSONError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, admin, err := h.Engine.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.Auth.IssueToken(admin.ID, session.ID, admin.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session":   session,
		"adminUser": admin,
		"token":     token,
	})
}

func (h *Handler) RoomInfo(w http.ResponseWriter, r *http.Request) {
	session, err := h.Engine.SessionByRoomCode(r.Context(), chi.URLParam(r, "roomCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req models.JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, user, player, err := h.Engine.JoinSession(r.Context(), chi.URLParam(r, "roomCode"), req)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.Auth.IssueToken(user.ID, session.ID, user.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session": session,
		"user":    user,
		"player":  player,
		"token":   token,
	})
}

func (h *Handler) SessionState(w http.ResponseWriter, r *http.Request) {
	session, err := h.Engine.SessionState(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) OrderBook(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Engine.OrderBook(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) DetailedOrderBook(w http.ResponseWriter, r *http.Request) {
	detailed, err := h.Engine.DetailedOrderBook(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detailed)
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Leaderboard(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Engine.SessionTrades(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) RoundHistory(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.Engine.RoundHistory(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *Handler) PlayerView(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey).(*auth.Claims)
	view, err := h.Engine.PlayerView(r.Context(), chi.URLParam(r, "sessionID"), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey).(*auth.Claims)

	var req models.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.Engine.PlaceOrder(r.Context(), chi.URLParam(r, "sessionID"), claims.UserID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey).(*auth.Claims)

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Engine.CancelOrder(r.Context(), chi.URLParam(r, "sessionID"), claims.UserID, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (h *Handler) StartRound(w http.ResponseWriter, r *http.Request) {
	session, err := h.Engine.StartRound(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) EndRound(w http.ResponseWriter, r *http.Request) {
	var req models.EndRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trades, err := h.Engine.EndRound(r.Context(), chi.URLParam(r, "sessionID"), req.ExecutionPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (h *Handler) StartIPO(w http.ResponseWriter, r *http.Request) {
	var req models.StartIPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Engine.StartIPORound(r.Context(), chi.URLParam(r, "sessionID"), req.ExpectedPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) ExecuteIPO(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteIPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trades, err := h.Engine.ExecuteIPORound(r.Context(), chi.URLParam(r, "sessionID"), req.ExecutionPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (h *Handler) ToggleIPO(w http.ResponseWriter, r *http.Request) {
	var req models.ToggleIPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Engine.ToggleRoundToIPO(r.Context(), chi.URLParam(r, "sessionID"), req.ExpectedPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req models.SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Engine.SetCurrentPrice(r.Context(), chi.URLParam(r, "sessionID"), req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req models.SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Engine.SetSessionStatus(r.Context(), chi.URLParam(r, "sessionID"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps the engine's error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var notFound *engine.NotFoundError
	var validation *engine.ValidationError
	var state *engine.StateError
	var authz *engine.AuthorizationError

	switch {
	case errors.As(err, &notFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &authz):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &state):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

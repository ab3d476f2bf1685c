package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quest-ledger/internal/auth"
	"github.com/quest-ledger/internal/domain"
	"github.com/quest-ledger/internal/websocket"
)

// QuestService is the coordinator surface behind the authenticated routes
type QuestService interface {
	CompleteQuest(ctx context.Context, accountID, questID string) (*domain.CompletionResult, error)
	RedeemCode(ctx context.Context, accountID, questID, code string) (*domain.RedemptionResult, error)
	StartQuest(ctx context.Context, accountID, questID string) error
	RecordProgress(ctx context.Context, accountID, questID string, progress int) error
	AccountProfile(ctx context.Context, accountID string) (*domain.AccountProfile, error)
}

// LeaderboardReader serves the public leaderboard routes
type LeaderboardReader interface {
	Top(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	Around(ctx context.Context, accountID string, count int) ([]domain.LeaderboardEntry, error)
	Entry(ctx context.Context, accountID string) (*domain.LeaderboardEntry, error)
	Count(ctx context.Context) (int64, error)
}

// Handler provides HTTP handlers for the quest ledger API
type Handler struct {
	service  QuestService
	board    LeaderboardReader
	hub      *websocket.Hub
	verifier auth.Verifier
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	service QuestService,
	board LeaderboardReader,
	hub *websocket.Hub,
	verifier auth.Verifier,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service:  service,
		board:    board,
		hub:      hub,
		verifier: verifier,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Quest and account operations require a verified identity
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.verifier, h.logger))

			r.Route("/quests", func(r chi.Router) {
				r.Post("/start", h.StartQuest)
				r.Post("/progress", h.RecordProgress)
				r.Post("/complete", h.CompleteQuest)
				r.Post("/redeem-code", h.RedeemCode)
			})

			r.Get("/accounts/me", h.GetAccount)
		})

		// Leaderboard reads are public
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/top", h.GetTop)
			r.Get("/stats", h.GetBoardStats)
			r.Get("/around/{accountID}", h.GetAroundAccount)
			r.Get("/account/{accountID}", h.GetAccountEntry)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps a domain error to a status code. conflictStatus
// differs per path: re-completing a quest is a 409, re-redeeming a code
// reports 400.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, conflictStatus int) {
	switch {
	case domain.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflict(err):
		h.writeError(w, conflictStatus, err)
	case domain.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrUnauthorized):
		h.writeError(w, http.StatusUnauthorized, err)
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// identity returns the verified identity or writes a 401
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
		return nil, false
	}
	return id, true
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

type startQuestRequest struct {
	QuestID string `json:"questId"`
}

// StartQuest creates the caller's completion record for a quest
func (h *Handler) StartQuest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req startQuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.service.StartQuest(r.Context(), id.AccountID, req.QuestID); err != nil {
		h.writeDomainError(w, err, http.StatusConflict)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "started"})
}

type progressRequest struct {
	QuestID  string `json:"questId"`
	Progress int    `json:"progress"`
}

// RecordProgress advances the caller's progress on a quest
func (h *Handler) RecordProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.service.RecordProgress(r.Context(), id.AccountID, req.QuestID, req.Progress); err != nil {
		h.writeDomainError(w, err, http.StatusConflict)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "recorded"})
}

type completeQuestRequest struct {
	QuestID string `json:"questId"`
}

// CompleteQuest handles the quest-progress completion path
func (h *Handler) CompleteQuest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req completeQuestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.service.CompleteQuest(r.Context(), id.AccountID, req.QuestID)
	if err != nil {
		h.writeDomainError(w, err, http.StatusConflict)
		return
	}

	h.writeSuccess(w, result)
}

type redeemCodeRequest struct {
	QuestID       string `json:"questId"`
	UserInputCode string `json:"userInputCode"`
	UserID        string `json:"userId,omitempty"`
}

// redeemCodeResponse is flat rather than wrapped in the data envelope:
// message, xpAwarded and questTitle sit next to the success flag.
type redeemCodeResponse struct {
	Success bool `json:"success"`
	domain.RedemptionResult
}

// RedeemCode handles the verification-code completion path. The account is
// always the verified caller; a userId in the body is ignored.
func (h *Handler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req redeemCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.UserID != "" && req.UserID != id.AccountID {
		h.logger.Warn("redeem request userId differs from token subject",
			"account_id", id.AccountID,
			"body_user_id", req.UserID,
		)
	}

	result, err := h.service.RedeemCode(r.Context(), id.AccountID, req.QuestID, req.UserInputCode)
	if err != nil {
		// A consumed code reads as a bad request, not a conflict.
		h.writeDomainError(w, err, http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, redeemCodeResponse{
		Success:          true,
		RedemptionResult: *result,
	})
}

// GetAccount returns the caller's account profile with achievements
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	profile, err := h.service.AccountProfile(r.Context(), id.AccountID)
	if err != nil {
		h.writeDomainError(w, err, http.StatusConflict)
		return
	}

	h.writeSuccess(w, profile)
}

// GetTop returns the top N accounts on the leaderboard
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.board.Top(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to get top entries", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}

	h.writeSuccess(w, entries)
}

// GetBoardStats returns projection statistics
func (h *Handler) GetBoardStats(w http.ResponseWriter, r *http.Request) {
	count, err := h.board.Count(r.Context())
	if err != nil {
		h.logger.Error("failed to get board count", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"total_accounts": count,
	})
}

// GetAroundAccount returns entries around a specific account's position
func (h *Handler) GetAroundAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	count := 0
	if rangeStr := r.URL.Query().Get("range"); rangeStr != "" {
		if c, err := strconv.Atoi(rangeStr); err == nil && c > 0 {
			count = c
		}
	}

	entries, err := h.board.Around(r.Context(), accountID, count)
	if err != nil {
		if domain.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get around account", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetAccountEntry returns one account's leaderboard entry
func (h *Handler) GetAccountEntry(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if accountID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.board.Entry(r.Context(), accountID)
	if err != nil {
		if domain.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get account entry", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}

package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/token-distributor/internal/circuitbreaker"
	"github.com/emperorhan/token-distributor/internal/domain/model"
	"github.com/emperorhan/token-distributor/internal/metrics"
	"github.com/emperorhan/token-distributor/internal/pipeline"
	"github.com/emperorhan/token-distributor/internal/store"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// BatchReader is the read side of the batch store used by the admin API.
type BatchReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	ListByState(ctx context.Context, state model.BatchState, limit int) ([]model.Batch, error)
	CountByState(ctx context.Context) (map[model.BatchState]int, error)
}

// WalletLister lists registered signing wallets.
type WalletLister interface {
	GetAll(ctx context.Context) ([]model.Wallet, error)
}

// TaskController exposes task health and early triggering. In production
// this is satisfied by *pipeline.Pipeline.
type TaskController interface {
	Trigger(task pipeline.Task) error
	Health() []pipeline.HealthSnapshot
	Healthy() bool
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	batches BatchReader
	wallets WalletLister
	tasks   TaskController
	logger  *slog.Logger
}

func NewServer(batches BatchReader, wallets WalletLister, tasks TaskController, logger *slog.Logger) *Server {
	return &Server{
		batches: batches,
		wallets: wallets,
		tasks:   tasks,
		logger:  logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /admin/v1/batches", instrument("batches", s.handleListBatches))
	mux.Handle("GET /admin/v1/batches/{id}", instrument("batch", s.handleGetBatch))
	mux.Handle("GET /admin/v1/wallets", instrument("wallets", s.handleListWallets))
	mux.Handle("GET /admin/v1/health", instrument("health", s.handleHealth))
	mux.Handle("POST /admin/v1/tasks/{task}/trigger", instrument("trigger", s.handleTriggerTask))
	return mux
}

// instrument counts requests per route and status code.
func instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h(sw, r)
		metrics.AdminRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.statusCode)).Inc()
	})
}

// statusWriter remembers the first status code written through it.
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.statusCode = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type batchResponse struct {
	ID            string               `json:"id"`
	State         string               `json:"state"`
	Distributions []model.Distribution `json:"distributions"`
	CreatedAt     time.Time            `json:"created_at"`
	WalletName    *string              `json:"wallet_name,omitempty"`
	Tx            *model.BatchTx       `json:"tx,omitempty"`
	Message       *string              `json:"message,omitempty"`
	ProcessedAt   *time.Time           `json:"processed_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Version       int64                `json:"version"`
}

func toBatchResponse(b model.Batch) batchResponse {
	return batchResponse{
		ID:            b.ID.String(),
		State:         b.State.String(),
		Distributions: b.Distributions,
		CreatedAt:     b.CreatedAt,
		WalletName:    b.WalletName,
		Tx:            b.Tx,
		Message:       b.Message,
		ProcessedAt:   b.ProcessedAt,
		CompletedAt:   b.CompletedAt,
		Version:       b.Version,
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrDataCorruption) {
		s.logger.Error("admin read hit corrupted record", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "data corruption")
		return
	}
	s.logger.Error("admin store read failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	state := model.BatchState(r.URL.Query().Get("state"))
	if !state.IsValid() {
		writeError(w, http.StatusBadRequest, "state query param must be one of Initialized, Processing, Success, Failed")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	batches, err := s.batches.ListByState(r.Context(), state, limit)
	if err != nil {
		s.storeError(w, "list batches", err)
		return
	}

	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"count":   len(out),
		"batches": out,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}

	b, err := s.batches.GetByID(r.Context(), id)
	if err != nil {
		s.storeError(w, "get batch", err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(*b))
}

type walletResponse struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.wallets.GetAll(r.Context())
	if err != nil {
		s.storeError(w, "list wallets", err)
		return
	}

	// Secrets never leave the process, not even encrypted.
	out := make([]walletResponse, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, walletResponse{
			Name:      wl.Name,
			Address:   wl.Address.String(),
			CreatedAt: wl.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": out})
}

type healthResponse struct {
	Status  string                    `json:"status"`
	Tasks   []pipeline.HealthSnapshot `json:"tasks"`
	Batches map[string]int            `json:"batches,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Tasks: s.tasks.Health()}
	status := http.StatusOK
	if !s.tasks.Healthy() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	counts, err := s.batches.CountByState(r.Context())
	if err != nil {
		s.logger.Warn("count batches for health failed", "error", err)
	} else {
		resp.Batches = make(map[string]int, len(counts))
		for state, n := range counts {
			resp.Batches[state.String()] = n
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	task, err := pipeline.ParseTask(r.PathValue("task"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.tasks.Trigger(task); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("task triggered", "task", task)
	writeJSON(w, http.StatusAccepted, map[string]string{"task": string(task), "status": "triggered"})
}

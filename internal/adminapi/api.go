// Package adminapi provides the REST API for inspecting and controlling transfers.
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/goceleris/transferd/internal/engine"
	"github.com/goceleris/transferd/internal/orchestrator"
	"github.com/goceleris/transferd/internal/store"
	"github.com/goceleris/transferd/internal/transfer"
)

// Transfers is the part of the orchestrator the API drives.
type Transfers interface {
	StartTransfer(rawURL string) (*transfer.Job, error)
	Transfer(id uuid.UUID) (*transfer.Job, bool)
	Active() []transfer.JobStatus
	Abort(id uuid.UUID) error
}

// Config holds API dependencies.
type Config struct {
	Store     *store.Store
	Transfers Transfers
	// Stats reports daemon counters for GET /api/stats.
	Stats  func() any
	APIKey string // If empty, auth is disabled
	H2C    bool
	Logger *slog.Logger
}

// Handler is the main API handler.
type Handler struct {
	config Config
	log    *slog.Logger
	router chi.Router
}

// New creates the API handler.
func New(config Config) *Handler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	h := &Handler{
		config: config,
		log:    config.Logger.With("component", "adminapi"),
		router: chi.NewRouter(),
	}

	if config.APIKey == "" {
		h.log.Warn("API key not set, API authentication disabled")
	}

	h.router.Use(middleware.Recoverer)
	h.router.Use(cors)
	h.router.Get("/health", h.handleHealth)

	h.router.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Get("/stats", h.handleStats)
		r.Get("/transfers", h.handleListTransfers)
		r.Post("/transfers", h.handleStartTransfer)
		r.Get("/transfers/{id}", h.handleGetTransfer)
		r.Delete("/transfers/{id}", h.handleDeleteTransfer)
	})

	return h
}

// Handler returns the API as an http.Handler, accepting cleartext HTTP/2 when
// configured.
func (h *Handler) Handler() http.Handler {
	if h.config.H2C {
		return h2c.NewHandler(h.router, &http2.Server{})
	}
	return h.router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks for a valid API key.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.APIKey != "" && r.Header.Get("X-API-Key") != h.config.APIKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.config.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.config.Stats())
}

// handleListTransfers returns running jobs and the finished history. The history
// accepts ?result=<name> and ?limit=<n>.
func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter *engine.Result
	if name := q.Get("result"); name != "" {
		var res engine.Result
		if err := res.UnmarshalText([]byte(name)); err != nil {
			http.Error(w, "Invalid result", http.StatusBadRequest)
			return
		}
		filter = &res
	}

	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	finished, err := h.config.Store.List(filter, limit)
	if err != nil {
		h.log.Error("failed to list transfers", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if finished == nil {
		finished = []*store.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":   h.config.Transfers.Active(),
		"finished": finished,
	})
}

func (h *Handler) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || u.Host == "" {
		http.Error(w, "Missing or invalid url", http.StatusBadRequest)
		return
	}

	job, err := h.config.Transfers.StartTransfer(rawURL)
	if errors.Is(err, orchestrator.ErrShutdown) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.log.Error("failed to start transfer", "url", rawURL, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     job.ID(),
		"status": "running",
	})
}

// handleGetTransfer serves a running job's snapshot, falling back to the history.
func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if job, ok := h.config.Transfers.Transfer(id); ok {
		writeJSON(w, http.StatusOK, job.Snapshot())
		return
	}

	rec, err := h.config.Store.Get(id.String())
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Transfer not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteTransfer aborts a running job, or forgets a finished one.
func (h *Handler) handleDeleteTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if job, ok := h.config.Transfers.Transfer(id); ok {
		err := h.config.Transfers.Abort(id)
		if err != nil && !errors.Is(err, orchestrator.ErrUnknownTransfer) {
			h.log.Error("failed to abort transfer", "id", id, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.log.Info("transfer aborted", "id", id)
		writeJSON(w, http.StatusOK, job.Snapshot())
		return
	}

	if _, err := h.config.Store.Get(id.String()); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Transfer not found", http.StatusNotFound)
		return
	}
	if err := h.config.Store.Delete(id.String()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid transfer ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server wraps the handler in an http.Server with the daemon's timeouts.
func (h *Handler) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

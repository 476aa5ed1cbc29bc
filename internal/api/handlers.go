package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/price-watch/internal/blocking"
	"github.com/maltedev/price-watch/internal/credential"
	"github.com/maltedev/price-watch/internal/database"
	"github.com/maltedev/price-watch/internal/errclass"
	"github.com/maltedev/price-watch/internal/monitor"
)

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type OutboxCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StateView exposes the blocking state. *blocking.Machine implements it.
type StateView interface {
	Snapshot() blocking.State
	CheckInterval() time.Duration
	Refusing() bool
	ResetCooldown()
}

type CredentialManager interface {
	Current(ctx context.Context) (credential.Credential, bool)
	Inject(ctx context.Context, token string) (credential.Credential, error)
}

type WatchChecker interface {
	CheckWatchByID(ctx context.Context, id int64) (monitor.WatchReport, error)
}

type Handlers struct {
	db          Pinger
	outbox      OutboxCounter
	state       StateView
	credentials CredentialManager
	checker     WatchChecker
	mode        string
	logger      *slog.Logger
}

func NewHandlers(db Pinger, outbox OutboxCounter, state StateView, credentials CredentialManager, checker WatchChecker, mode string, logger *slog.Logger) *Handlers {
	return &Handlers{
		db:          db,
		outbox:      outbox,
		state:       state,
		credentials: credentials,
		checker:     checker,
		mode:        mode,
		logger:      logger.With("component", "api"),
	}
}

// Health reports database reachability and the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("health check: database unreachable", "error", err)
		health["status"] = "error"
		health["database"] = "unreachable"
		h.respondJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	health["database"] = "ok"

	counts, err := h.outbox.CountByStatus(r.Context())
	if err != nil {
		h.logger.Warn("health check: outbox count failed", "error", err)
	}
	pending := counts[database.OutboxStatusPending] + counts[database.OutboxStatusFailed]
	deadLetter := counts[database.OutboxStatusDeadLetter]
	health["outbox"] = map[string]any{
		"pending":     pending,
		"dead_letter": deadLetter,
	}

	if pending > pendingWarnThreshold {
		health["status"] = "warning"
		health["message"] = "High number of pending outbox events"
	}
	if deadLetter > deadLetterErrorThreshold {
		health["status"] = "error"
		health["message"] = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

type CredentialView struct {
	Token      string            `json:"token"`
	Source     credential.Source `json:"source"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

func viewOf(c credential.Credential) *CredentialView {
	return &CredentialView{
		Token:      c.Redacted(),
		Source:     c.Source,
		AcquiredAt: c.AcquiredAt,
		ExpiresAt:  c.ExpiresAt,
	}
}

type StatusResponse struct {
	Mode        string          `json:"mode"`
	Blocking    blocking.State  `json:"blocking"`
	Refusing    bool            `json:"refusing"`
	NextCheckIn string          `json:"next_check_in"`
	Credential  *CredentialView `json:"credential,omitempty"`
}

// Status reports the blocking state and the cached credential.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Mode:        h.mode,
		Blocking:    h.state.Snapshot(),
		Refusing:    h.state.Refusing(),
		NextCheckIn: h.state.CheckInterval().String(),
	}
	if c, ok := h.credentials.Current(r.Context()); ok {
		resp.Credential = viewOf(c)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

type InjectRequest struct {
	Token string `json:"token"`
}

// InjectCredential stores an operator-supplied token and lifts any running
// cooldown so the next query uses it straight away.
func (h *Handlers) InjectCredential(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		h.respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	cred, err := h.credentials.Inject(r.Context(), req.Token)
	if err != nil {
		h.logger.Error("failed to inject credential", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}
	h.state.ResetCooldown()

	h.respondJSON(w, http.StatusCreated, viewOf(cred))
}

type CheckResponse struct {
	monitor.WatchReport
	Error string `json:"error,omitempty"`
	Kind  string `json:"error_kind,omitempty"`
}

// CheckWatch runs one check of a watch outside the monitor cycle.
func (h *Handlers) CheckWatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "watchID"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid watch id")
		return
	}

	report, err := h.checker.CheckWatchByID(r.Context(), id)
	resp := CheckResponse{WatchReport: report}
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, resp)
	case errors.Is(err, database.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "watch not found")
	default:
		kind := errclass.KindOf(err)
		resp.Error = err.Error()
		resp.Kind = kind.String()
		status := http.StatusBadGateway
		if kind.Blocking() || kind == errclass.KindRateLimited {
			status = http.StatusServiceUnavailable
		}
		h.respondJSON(w, status, resp)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

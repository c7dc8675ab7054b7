package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/controlpanel"
	"github.com/dbehnke/osdp-nexus/pkg/database"
	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"golang.org/x/time/rate"
)

const backendTimeout = 2 * time.Second

// Backend is the part of the control panel the API drives. Runner
// implements it.
type Backend interface {
	Status(ctx context.Context) ([]controlpanel.PDStatus, error)
	SendCommand(ctx context.Context, index int, cmd protocol.Command) error
	ClearQueue(ctx context.Context, index int) (int, error)
}

// EventStore serves journal queries
type EventStore interface {
	GetRecentPaginated(filter database.EventFilter, page, perPage int) ([]database.EventRecord, int64, error)
}

// API handles REST API endpoints
type API struct {
	backend Backend
	events  EventStore
	limiter *rate.Limiter
	logger  *logger.Logger
	started time.Time
}

// NewAPI creates a new API instance. events may be nil when the journal is
// disabled. A nil limiter accepts every command.
func NewAPI(backend Backend, events EventStore, limiter *rate.Limiter, log *logger.Logger) *API {
	if log == nil {
		log = logger.Nop()
	}
	return &API{
		backend: backend,
		events:  events,
		limiter: limiter,
		logger:  log,
		started: time.Now(),
	}
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	pds, err := a.backend.Status(ctx)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	online := 0
	for _, p := range pds {
		if p.State == pd.StateOnline.String() {
			online++
		}
	}

	version, commit, buildTime := GetVersionInfo()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "running",
		"service":    "osdp-nexus",
		"version":    version,
		"commit":     commit,
		"build_time": buildTime,
		"uptime":     time.Since(a.started).Round(time.Second).String(),
		"pds":        len(pds),
		"online":     online,
	})
}

// HandlePDs handles the /api/pds endpoint
func (a *API) HandlePDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	pds, err := a.backend.Status(ctx)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, pds)
}

// HandlePD handles /api/pds/{index}
func (a *API) HandlePD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid pd index"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	pds, err := a.backend.Status(ctx)
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	if index < 0 || index >= len(pds) {
		a.writeError(w, http.StatusNotFound, controlpanel.ErrUnknownPD)
		return
	}
	a.writeJSON(w, http.StatusOK, pds[index])
}

// HandleCommands queues a command (POST) or clears the queue (DELETE) of
// /api/pds/{index}/commands
func (a *API) HandleCommands(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, errors.New("invalid pd index"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		if a.limiter != nil && !a.limiter.Allow() {
			a.writeError(w, http.StatusTooManyRequests, errors.New("command rate exceeded"))
			return
		}
		var req CommandRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		cmd, err := req.ToCommand()
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := a.backend.SendCommand(ctx, index, cmd); err != nil {
			a.writeError(w, statusFor(err), err)
			return
		}
		a.logger.Info("Command queued",
			logger.Int("pd", index),
			logger.String("command", protocol.CommandName(cmd.Code())),
			logger.String("remote", r.RemoteAddr))
		a.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":  true,
			"pd":      index,
			"command": protocol.CommandName(cmd.Code()),
		})

	case http.MethodDelete:
		n, err := a.backend.ClearQueue(ctx, index)
		if err != nil {
			a.writeError(w, statusFor(err), err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]interface{}{"pd": index, "cleared": n})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleEvents handles the /api/events endpoint
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.events == nil {
		a.writeError(w, http.StatusServiceUnavailable, errors.New("event journal disabled"))
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	perPage := queryInt(q.Get("per_page"), 50)
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	filter := database.EventFilter{Kind: q.Get("kind")}
	if s := q.Get("address"); s != "" {
		addr, err := strconv.Atoi(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, errors.New("invalid address"))
			return
		}
		filter.Address = &addr
	}

	events, total, err := a.events.GetRecentPaginated(filter, page, perPage)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []database.EventRecord{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":   events,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps control panel errors to HTTP status codes
func statusFor(err error) int {
	var encErr *protocol.EncodingError
	switch {
	case errors.Is(err, controlpanel.ErrUnknownPD):
		return http.StatusNotFound
	case errors.As(err, &encErr), errors.Is(err, protocol.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, pd.ErrPDOffline), errors.Is(err, pd.ErrSecureChannelRequired):
		return http.StatusConflict
	case errors.Is(err, pd.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, controlpanel.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

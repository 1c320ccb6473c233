// Package api is the reference REST+event adapter around ketch.Engine:
// a chi-routed daemon surface that lets a CLI or any other out-of-process
// caller drive downloads over HTTP. It is explicitly out of the core
// engine's scope (every spec invariant lives in the internal packages
// ketch.Engine wires together) and talks to the engine only through its
// public ketch.Engine/ketch.DownloadTask surface, the same boundary a
// third-party caller of this module would be limited to.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/linroid/ketch/internal/model"

	"github.com/linroid/ketch"
)

// Server is the control daemon, grounded on the teacher's
// ControlServer (internal/api/server.go): a chi.Mux plus a thin
// request/response layer over the engine, generalized from the
// teacher's single-engine-method-per-route shape to ketch.Engine's
// fuller download lifecycle (create, list, inspect, pause/resume/
// cancel/remove, retune, and a streaming event feed).
type Server struct {
	engine *ketch.Engine
	logger *slog.Logger
	router *chi.Mux
	limit  *clientRateLimiter
}

// New builds a Server bound to engine.
func New(engine *ketch.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		logger: logger,
		router: chi.NewRouter(),
		limit:  newClientRateLimiter(rate.Limit(50), 100),
	}
	s.routes()
	return s
}

// clientRateLimiter throttles requests per remote address with
// golang.org/x/time/rate, one bucket per client so a single noisy
// caller (e.g. a watch loop polling /events too aggressively) can't
// starve others on the same daemon.
type clientRateLimiter struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientRateLimiter(r rate.Limit, burst int) *clientRateLimiter {
	return &clientRateLimiter{rate: r, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (c *clientRateLimiter) allow(clientKey string) bool {
	c.mu.Lock()
	lim, ok := c.limiters[clientKey]
	if !ok {
		lim = rate.NewLimiter(c.rate, c.burst)
		c.limiters[clientKey] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

func (c *clientRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !c.allow(host) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the underlying chi.Mux, e.g. for httptest.NewServer.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe binds addr (host:port, loopback-only addresses are the
// caller's responsibility to choose) and serves until the listener
// errors or the process exits.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("control server listening", "addr", addr)
	return http.Serve(ln, s.router)
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.limit.middleware)

	s.router.Route("/v1/downloads", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/events", s.handleEvents)
		r.Post("/{id}/control", s.handleControl)
		r.Patch("/{id}", s.handleUpdate)
	})
	s.router.Get("/v1/config", s.handleGetConfig)
	s.router.Put("/v1/config", s.handlePutConfig)
}

// createRequest mirrors the teacher's EnqueueRequest, extended with the
// fields ketch.Request carries that the teacher's single-connection
// engine never needed (connections, speed limit, schedule).
type createRequest struct {
	URL             string   `json:"url"`
	DestinationDir  string   `json:"destinationDir"`
	FileName        string   `json:"fileName"`
	Connections     int      `json:"connections"`
	Priority        int      `json:"priority"`
	SpeedLimitBps   int64    `json:"speedLimitBytesPerSecond"`
	ScheduleAt      string   `json:"scheduleAt,omitempty"` // RFC3339; empty = immediate
	ScheduleDelayMs int64    `json:"scheduleDelayMs,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
}

type createResponse struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	request := ketch.Request{
		URL:            req.URL,
		DestinationDir: req.DestinationDir,
		FileName:       req.FileName,
		Connections:    req.Connections,
		Headers:        req.Headers,
		Priority:       ketch.Priority(req.Priority),
		SpeedLimit:     model.SpeedLimit{BytesPerSecond: req.SpeedLimitBps},
		Schedule:       ketch.Immediate(),
	}
	switch {
	case req.ScheduleAt != "":
		at, err := time.Parse(time.RFC3339, req.ScheduleAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("scheduleAt: %w", err))
			return
		}
		request.Schedule = ketch.AtTime(at)
	case req.ScheduleDelayMs > 0:
		request.Schedule = ketch.AfterDelay(time.Duration(req.ScheduleDelayMs) * time.Millisecond)
	}

	dt, err := s.engine.Download(request)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{TaskID: dt.ID().String()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.Tasks()
	out := make([]taskView, 0, len(tasks))
	for _, dt := range tasks {
		out = append(out, viewOf(dt))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	dt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(dt))
}

// handleEvents streams newline-delimited JSON state snapshots as the
// task's observable State cell changes, per spec §6.5's coalescing
// subscribe contract: a slow client only ever sees the latest state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	dt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ch := dt.State.Subscribe(r.Context().Done())
	enc := json.NewEncoder(w)
	for state := range ch {
		if err := enc.Encode(stateView(state)); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

type controlRequest struct {
	Action             string `json:"action"` // pause | resume | cancel | remove
	DestinationOverride string `json:"destinationOverride,omitempty"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	dt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Action {
	case "pause":
		dt.Pause()
	case "resume":
		dt.Resume(req.DestinationOverride)
	case "cancel":
		dt.Cancel()
	case "remove":
		dt.Remove()
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateRequest struct {
	Priority          *int   `json:"priority,omitempty"`
	Connections       *int   `json:"connections,omitempty"`
	SpeedLimitBps     *int64 `json:"speedLimitBytesPerSecond,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	dt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Priority != nil {
		dt.SetPriority(ketch.Priority(*req.Priority))
	}
	if req.Connections != nil {
		dt.SetConnections(*req.Connections)
	}
	if req.SpeedLimitBps != nil {
		dt.SetSpeedLimit(model.SpeedLimit{BytesPerSecond: *req.SpeedLimitBps})
	}
	writeJSON(w, http.StatusOK, viewOf(dt))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentConfig())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg ketch.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.UpdateConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*ketch.DownloadTask, bool) {
	idParam := chi.URLParam(r, "id")
	id, err := model.ParseTaskId(idParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	dt, ok := s.engine.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", idParam))
		return nil, false
	}
	return dt, true
}

// taskView is the wire shape for a task: the raw TaskRecord plus the
// live DownloadState, since a caller over HTTP has no way to read the
// observable cells directly.
type taskView struct {
	ID     string           `json:"id"`
	State  stateViewPayload `json:"state"`
	Record model.TaskRecord `json:"record"`
}

func viewOf(dt *ketch.DownloadTask) taskView {
	return taskView{
		ID:     dt.ID().String(),
		State:  stateView(dt.State.Get()),
		Record: dt.Record(),
	}
}

type stateViewPayload struct {
	Kind string `json:"kind"`
}

var stateKindNames = map[model.DownloadStateKind]string{
	model.KindIdle:        "idle",
	model.KindScheduled:   "scheduled",
	model.KindQueued:      "queued",
	model.KindPending:     "pending",
	model.KindDownloading: "downloading",
	model.KindPaused:      "paused",
	model.KindCompleted:   "completed",
	model.KindFailed:      "failed",
	model.KindCanceled:    "canceled",
}

func stateView(s model.DownloadState) stateViewPayload {
	name, ok := stateKindNames[s.Kind]
	if !ok {
		name = "unknown"
	}
	return stateViewPayload{Kind: name}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	var ke *model.KetchError
	if errors.As(err, &ke) {
		log.Printf("api error: %v", ke)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

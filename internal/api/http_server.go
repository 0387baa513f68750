package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"leadsync/internal/config"
	"leadsync/internal/database"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/models"
	"leadsync/internal/repository"
	"leadsync/internal/service"
	"leadsync/internal/vendors"
	"leadsync/internal/worker"
)

const (
	defaultMaxWebhookBytes = 1 << 20
	defaultDeadLetterLimit = 50
	// deadLetterScan bounds how many shared entries are read before
	// filtering by workspace.
	deadLetterScan = 1000
)

// PassRunner runs one engine pass.
type PassRunner interface {
	RunPass(ctx context.Context) (*models.PassResult, error)
}

// Coordination is the shared engine state: dead letters and whether the
// lock store has fallen back to memory.
type Coordination interface {
	DeadLetters(ctx context.Context, limit int) ([]repository.DeadLetter, error)
	Degraded() bool
}

// Services are the dependencies of the HTTP API.
type Services struct {
	DB            *database.DB
	Webhooks      *service.WebhookService
	Subscriptions *service.SubscriptionService
	Health        *service.HealthService
	Conflicts     *service.ConflictService
	Sync          *service.BulkSyncService
	Engine        PassRunner
	Coordination  Coordination
}

// HTTPServer exposes webhook ingress and the admin API.
type HTTPServer struct {
	cfg          config.APIConfig
	svc          Services
	auth         *HTTPAuth
	server       *http.Server
	logger       *zerolog.Logger
	pollInterval time.Duration
}

func NewHTTPServer(cfg config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:          cfg,
		svc:          svc,
		auth:         NewHTTPAuth(cfg),
		logger:       logging.Component(logger, "http"),
		pollInterval: time.Second,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler returns the routed handler with logging applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	a := s.auth

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /integrations/{vendor}/webhooks/{workspace}", s.handleWebhook)

	mux.HandleFunc("POST /api/v1/integrations/{vendor}/subscriptions", a.Require(permManageSubscriptions, s.handleRegisterSubscription))
	mux.HandleFunc("GET /api/v1/integrations/{vendor}/subscriptions", a.Require(permManageSubscriptions, s.handleListSubscriptions))
	mux.HandleFunc("DELETE /api/v1/integrations/{vendor}/subscriptions", a.Require(permManageSubscriptions, s.handleDeleteSubscription))
	mux.HandleFunc("GET /api/v1/integrations/{vendor}/health", a.Require(permReadEvents, s.handleWebhookHealth))

	mux.HandleFunc("POST /api/v1/events/process", a.Require(permWriteEvents, s.handleProcessEvents))
	mux.HandleFunc("PUT /api/v1/events/retry", a.Require(permWriteEvents, s.handleRetryEvents))
	mux.HandleFunc("GET /api/v1/events", a.Require(permReadEvents, s.handleListEvents))
	mux.HandleFunc("GET /api/v1/events/dead-letters", a.Require(permReadEvents, s.handleDeadLetters))
	mux.HandleFunc("GET /api/v1/events/{id}", a.Require(permReadEvents, s.handleGetEvent))
	mux.HandleFunc("GET /api/v1/leads/{id}/activities", a.Require(permReadEvents, s.handleLeadActivities))
	mux.HandleFunc("GET /api/v1/stats", a.Require(permReadEvents, s.handleStats))

	mux.HandleFunc("GET /api/v1/conflicts", a.Require(permReadConflicts, s.handleListConflicts))
	mux.HandleFunc("GET /api/v1/conflicts/export", a.Require(permReadConflicts, s.handleExportConflicts))
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", a.Require(permWriteConflicts, s.handleResolveConflict))

	mux.HandleFunc("POST /api/v1/sync/jobs", a.Require(permRunSync, s.handleStartSync))
	mux.HandleFunc("GET /api/v1/sync/jobs/{id}", a.Require(permRunSync, s.handleGetSync))
	mux.HandleFunc("GET /api/v1/sync/jobs/{id}/stream", a.Require(permRunSync, s.handleStreamSync))
	mux.HandleFunc("DELETE /api/v1/sync/jobs/{id}", a.Require(permRunSync, s.handleCancelSync))

	return s.loggingMiddleware(mux)
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealthz fails only when the store is down. A degraded coordinator
// still serves passes from memory, so it is reported but stays 200.
func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health != nil {
		if err := s.svc.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	body := map[string]string{"status": "ok"}
	if s.svc.Coordination != nil {
		body["coordinator"] = "ok"
		if s.svc.Coordination.Degraded() {
			body["coordinator"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vendor := r.PathValue("vendor")
	workspace := r.PathValue("workspace")

	limit := s.cfg.HTTP.MaxWebhookBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := s.svc.Webhooks.Ingest(r.Context(), vendor, workspace, r.Header, body)
	switch {
	case errors.Is(err, service.ErrUnknownVendor), errors.Is(err, service.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, service.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case errors.Is(err, vendors.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("vendor", vendor).Str("workspace_id", workspace).Msg("Webhook ingest failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if res.Ignored {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event_id": res.EventID})
}

func (s *HTTPServer) handleRegisterSubscription(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	var body struct {
		EventFilters []string `json:"event_filters"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	vendor := r.PathValue("vendor")
	sub, secret, err := s.svc.Subscriptions.Register(r.Context(), ws, vendor, body.EventFilters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription": sub,
		"secret":       secret,
		"webhook_url":  s.svc.Subscriptions.WebhookURL(vendor, ws),
	})
}

func (s *HTTPServer) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	subs, err := s.svc.Subscriptions.List(r.Context(), ws, r.PathValue("vendor"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *HTTPServer) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	if err := s.svc.Subscriptions.Delete(r.Context(), ws, r.PathValue("vendor")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	h, err := s.svc.Health.WebhookHealth(r.Context(), ws, r.PathValue("vendor"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *HTTPServer) handleProcessEvents(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Engine.RunPass(r.Context())
	if errors.Is(err, worker.ErrPassInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRetryEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	vendor := r.URL.Query().Get("vendor")
	if vendor != "" && !models.IsVendor(vendor) {
		writeError(w, http.StatusBadRequest, "unknown vendor")
		return
	}
	n, err := s.svc.DB.ResetFailedEvents(r.Context(), ws, vendor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info().Str("workspace_id", ws).Int64("reset", n).Msg("Failed events reset")
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "", models.EventPending, models.EventProcessing, models.EventCompleted, models.EventFailed, models.EventSkipped:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	events, err := s.svc.DB.ListEvents(r.Context(), database.EventFilter{
		WorkspaceID: ws,
		Vendor:      q.Get("vendor"),
		Status:      status,
		Limit:       limit,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	event, err := s.svc.DB.GetEvent(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if event.WorkspaceID != ws {
		writeError(w, http.StatusNotFound, database.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleDeadLetters lists frozen events of the caller's workspace, newest first.
func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	if s.svc.Coordination == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letters are not available")
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit == 0 || limit > deadLetterScan {
		limit = defaultDeadLetterLimit
	}

	entries, err := s.svc.Coordination.DeadLetters(r.Context(), deadLetterScan)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]repository.DeadLetter, 0, limit)
	for _, entry := range entries {
		if entry.Event == nil || entry.Event.WorkspaceID != ws {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "degraded": s.svc.Coordination.Degraded()})
}

func (s *HTTPServer) handleLeadActivities(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}
	lead, err := s.svc.DB.GetLead(r.Context(), ws, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	activities, err := s.svc.DB.ListActivities(r.Context(), ws, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if activities == nil {
		activities = []*models.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead": lead, "activities": activities})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	stats, err := s.svc.Health.Stats(r.Context(), ws)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	conflicts, err := s.svc.Conflicts.List(r.Context(), ws, r.URL.Query().Get("open") == "true", limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *HTTPServer) handleExportConflicts(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conflicts_%s.xlsx"`, time.Now().UTC().Format("2006-01-02")))
	if err := s.svc.Conflicts.Export(r.Context(), ws, r.URL.Query().Get("open") == "true", w); err != nil {
		s.logger.Error().Err(err).Str("workspace_id", ws).Msg("Conflict export failed")
	}
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conflict, err := s.svc.Conflicts.Resolve(r.Context(), ws, id, body.Resolution)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *HTTPServer) handleStartSync(w http.ResponseWriter, r *http.Request) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return
	}
	var body struct {
		Vendor   string                `json:"vendor"`
		Entities []json.RawMessage     `json:"entities"`
		Options  models.SyncJobOptions `json:"options"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.svc.Sync.Start(r.Context(), service.StartSyncRequest{
		WorkspaceID: ws,
		Vendor:      body.Vendor,
		Entities:    body.Entities,
		Options:     body.Options,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *HTTPServer) handleGetSync(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Sync.Cancel(r.Context(), job.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleStreamSync sends job progress as server-sent events, read from the
// store, until the job finishes or the client leaves.
func (s *HTTPServer) handleStreamSync(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastProcessed := -1
	for {
		if job.Processed != lastProcessed || job.IsTerminal() {
			name := "progress"
			if job.IsTerminal() {
				name = "done"
			}
			if err := writeEvent(w, name, job); err != nil {
				return
			}
			flusher.Flush()
			lastProcessed = job.Processed
		}
		if job.IsTerminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		next, err := s.svc.Sync.Get(r.Context(), job.ID)
		if err != nil {
			_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}
		job = next
	}
}

func (s *HTTPServer) loadJob(w http.ResponseWriter, r *http.Request) (*models.SyncJob, bool) {
	ws, ok := requireWorkspace(w, r)
	if !ok {
		return nil, false
	}
	job, err := s.svc.Sync.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	if job.WorkspaceID != ws {
		writeError(w, http.StatusNotFound, service.ErrSyncJobNotFound.Error())
		return nil, false
	}
	return job, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownVendor),
		errors.Is(err, service.ErrInvalidFilter),
		errors.Is(err, service.ErrInvalidResolution),
		errors.Is(err, service.ErrInvalidSyncJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSubscriptionNotFound),
		errors.Is(err, service.ErrConflictNotFound),
		errors.Is(err, service.ErrSyncJobNotFound),
		errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflictResolved),
		errors.Is(err, service.ErrConflictsPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.IncHTTP(pattern)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func requireWorkspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws, err := workspaceFor(r)
	switch {
	case errors.Is(err, errWorkspaceMismatch):
		writeError(w, http.StatusForbidden, err.Error())
		return "", false
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return ws, true
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"reminder-engine/internal/config"
	"reminder-engine/internal/models"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/ratelimit"
	"reminder-engine/internal/reminders"
	"reminder-engine/internal/scheduler"
	"reminder-engine/internal/telemetry"
	"reminder-engine/internal/telephony"
)

const (
	maxBodyBytes   = 1 << 20
	failedPeekSize = 20
)

// Server wires HTTP handlers for the reminder API, the provider webhook and the
// admin endpoints.
type Server struct {
	cfg       config.Config
	svc       *reminders.Service
	sched     *scheduler.Scheduler
	queue     *queue.RedisQueue
	limiter   *ratelimit.TokenBucket
	validator *telephony.SignatureValidator
	log       *logrus.Entry
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, svc *reminders.Service, sched *scheduler.Scheduler, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, log *logrus.Entry) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		sched:   sched,
		queue:   q,
		limiter: limiter,
		log:     log,
	}
	if cfg.Twilio.ValidateSignature && cfg.Twilio.AuthToken != "" {
		s.validator = telephony.NewSignatureValidator(cfg.Twilio.AuthToken)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/reminders", func(r chi.Router) {
		r.With(s.throttle).Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.With(s.throttle).Post("/batch", s.handleBatch)
		r.With(s.throttle).Post("/send-immediate", s.handleSendImmediate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleCancel)
		r.Post("/{id}/retry", s.handleForceRetry)
	})

	r.Post("/webhooks/twilio/status", s.handleStatusCallback)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Get("/scheduler", s.handleSchedulerStatus)
		r.Post("/scheduler/process", s.handleProcessNow)
		r.Post("/cleanup", s.handleCleanup)
	})

	if dir := s.cfg.Scripts.Dir; dir != "" && s.cfg.Scripts.S3Bucket == "" {
		r.Handle("/scripts/*", http.StripPrefix("/scripts/", http.FileServer(http.Dir(dir))))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := s.svc.Ping(ctx); err != nil {
		body["status"] = "unhealthy"
		body["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		body["store"] = "ok"
	}
	if err := s.queue.Ping(ctx); err != nil {
		if code == http.StatusOK {
			body["status"] = "degraded"
		}
		body["queue"] = err.Error()
	} else {
		body["queue"] = "ok"
		body["locks"] = s.locks(ctx)
	}
	writeJSON(w, code, body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req reminders.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	rem, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req reminders.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	created, err := s.svc.CreateBatch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"count": len(created), "reminders": created})
}

func (s *Server) handleSendImmediate(w http.ResponseWriter, r *http.Request) {
	var req reminders.ImmediateRequest
	if !decode(w, r, &req) {
		return
	}
	rem, err := s.svc.SendImmediate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rem)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := reminders.ListRequest{
		Status: models.Status(q.Get("status")),
		Type:   models.ReminderType(q.Get("type")),
	}
	if req.Type == "" {
		req.Type = models.ReminderType(q.Get("reminder_type"))
	}
	var err error
	if req.PatientID, err = int64Param(q.Get("patient_id"), "patient_id"); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := int64Param(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := int64Param(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Limit, req.Offset = int(limit), int(offset)

	items, err := s.svc.List(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Reminder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items), "offset": req.Offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rem, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p reminders.Patch
	if !decode(w, r, &p) {
		return
	}
	rem, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusCancelled)})
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	rem, err := s.svc.ForceRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

// handleStatusCallback ingests provider delivery reports. Unknown statuses are
// acknowledged so the provider does not redeliver them.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, models.NewValidationError("body", "invalid form encoding"))
		return
	}
	if s.validator != nil {
		if !s.validator.Valid(s.callbackURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature")) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid signature"})
			return
		}
	}
	cb, err := telephony.ParseCallback(r.PostForm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rem, err := s.svc.HandleDeliveryCallback(r.Context(), cb.SID, cb.Status, cb.ErrorCode, cb.ErrorMessage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": rem.ID, "status": string(rem.Status)})
}

// callbackURL is the URL the provider signed: the configured callback URL, or
// the URL this request arrived on.
func (s *Server) callbackURL(r *http.Request) string {
	if u := s.cfg.Twilio.StatusCallbackURL; u != "" {
		return u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sizes, err := s.queue.Sizes(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.queue.MetricsSummary(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	failed, err := s.queue.PeekFailed(ctx, failedPeekSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sizes":   sizes,
		"locks":   s.locks(ctx),
		"metrics": summary,
		"failed":  failed,
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status(r.Context()))
}

func (s *Server) handleProcessNow(w http.ResponseWriter, r *http.Request) {
	report, err := s.sched.RunCycle(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.sched.RunCleanup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) locks(ctx context.Context) map[string]*queue.LockInfo {
	out := make(map[string]*queue.LockInfo)
	for _, name := range []string{scheduler.LockScheduler, scheduler.LockMetrics, scheduler.LockCleanup} {
		info, err := s.queue.LockInfo(ctx, name)
		if err != nil {
			continue
		}
		out[name] = info
	}
	return out
}

// throttle applies the per-client token bucket. A limiter outage lets the
// request through.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.log.WithError(err).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func int64Param(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, models.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

type errorBody struct {
	Error  string        `json:"error"`
	Field  string        `json:"field,omitempty"`
	Status models.Status `json:"status,omitempty"`
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		invalid    *models.InvalidStateError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: validation.Field})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Status: invalid.Status})
	case errors.Is(err, models.ErrUnknownProviderStatus):
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "ignored", "reason": err.Error()})
	case errors.Is(err, models.ErrBackendUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrStatusConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package reminders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reminder-engine/internal/config"
	"reminder-engine/internal/events"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/store"
	"reminder-engine/internal/telemetry"
)

// Queue is the part of the queue service reminders are written to.
type Queue interface {
	EnqueueScheduled(ctx context.Context, e queue.Entry, dueAt time.Time) error
	EnqueueImmediate(ctx context.Context, e queue.Entry) error
	EnqueueRetry(ctx context.Context, e queue.Entry, delay time.Duration) error
	PushFailed(ctx context.Context, e queue.Entry, reason string) error
	Remove(ctx context.Context, id string) error
}

// Service owns the reminder lifecycle: creation and edits from API callers,
// dispatch outcomes from the scheduler, and provider status callbacks.
type Service struct {
	store    store.Repository
	queue    Queue
	patients patients.Directory
	events   events.Publisher
	retry    RetryPolicy
	cfg      config.RemindersConfig
	log      *logrus.Entry
	now      func() time.Time
}

func NewService(st store.Repository, q Queue, dir patients.Directory, pub events.Publisher, retry RetryPolicy, cfg config.RemindersConfig, log *logrus.Entry) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.DefaultRetryInterval < minRetryInterval {
		cfg.DefaultRetryInterval = 300
	}
	return &Service{
		store:    st,
		queue:    q,
		patients: dir,
		events:   pub,
		retry:    retry,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// Create validates, persists and enqueues a reminder. When the queue is down the
// reminder stays PENDING and is picked up by the store sweep.
func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Reminder, error) {
	now := s.clock()
	r, err := s.build(req, now)
	if err != nil {
		return models.Reminder{}, err
	}
	if err := validateFuture(r.ScheduledTime, now); err != nil {
		return models.Reminder{}, err
	}
	if err := s.checkPatient(ctx, r.PatientID); err != nil {
		return models.Reminder{}, err
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return models.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	s.created(ctx, r)
	return s.enqueue(ctx, r, queue.Scheduled), nil
}

// CreateBatch creates one reminder per patient. The batch is validated as a
// whole: one unknown patient rejects every reminder.
func (s *Service) CreateBatch(ctx context.Context, req BatchRequest) ([]models.Reminder, error) {
	if len(req.PatientIDs) == 0 || len(req.PatientIDs) > s.cfg.MaxBatchSize {
		return nil, models.NewValidationError("patient_ids", fmt.Sprintf("must contain between 1 and %d ids", s.cfg.MaxBatchSize))
	}
	now := s.clock()
	if err := validateFuture(req.ScheduledTime, now); err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(req.PatientIDs))
	rs := make([]models.Reminder, 0, len(req.PatientIDs))
	for _, pid := range req.PatientIDs {
		if seen[pid] {
			return nil, models.NewValidationError("patient_ids", fmt.Sprintf("duplicate patient %d", pid))
		}
		seen[pid] = true

		one := req.CreateRequest
		one.PatientID = pid
		one.Metadata = cloneMetadata(req.Metadata)
		r, err := s.build(one, now)
		if err != nil {
			return nil, err
		}
		if err := s.checkPatient(ctx, pid); err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	if err := s.store.Insert(ctx, rs...); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	for i := range rs {
		s.created(ctx, rs[i])
		rs[i] = s.enqueue(ctx, rs[i], queue.Scheduled)
	}
	s.log.WithField("count", len(rs)).Info("batch created")
	return rs, nil
}

// SendImmediate creates a reminder due now (immediate queue) or after DelaySeconds.
func (s *Service) SendImmediate(ctx context.Context, req ImmediateRequest) (models.Reminder, error) {
	if req.DelaySeconds < 0 || req.DelaySeconds > maxImmediateWait {
		return models.Reminder{}, models.NewValidationError("delay_seconds", fmt.Sprintf("must be between 0 and %d", maxImmediateWait))
	}
	if req.Priority == "" {
		req.Priority = models.PriorityHigh
	}
	now := s.clock()
	r, err := s.build(CreateRequest{
		PatientID:      req.PatientID,
		Type:           req.Type,
		DeliveryMethod: req.DeliveryMethod,
		ScheduledTime:  now.Add(time.Duration(req.DelaySeconds) * time.Second),
		Priority:       req.Priority,
		CustomMessage:  req.CustomMessage,
		Metadata:       req.Metadata,
	}, now)
	if err != nil {
		return models.Reminder{}, err
	}
	if err := s.checkPatient(ctx, r.PatientID); err != nil {
		return models.Reminder{}, err
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return models.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	s.created(ctx, r)
	target := queue.Scheduled
	if req.DelaySeconds == 0 {
		target = queue.Immediate
	}
	return s.enqueue(ctx, r, target), nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Reminder, error) {
	return s.store.Get(ctx, id)
}

// List pages through reminders, newest scheduled first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]models.Reminder, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown status %q", req.Status))
	}
	if req.Type != "" && !req.Type.Valid() {
		return nil, models.NewValidationError("reminder_type", fmt.Sprintf("unknown type %q", req.Type))
	}
	if req.Offset < 0 {
		return nil, models.NewValidationError("offset", "must not be negative")
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		limit = s.cfg.MaxPageSize
	}
	return s.store.List(ctx, store.Filter{
		PatientID: req.PatientID,
		Status:    req.Status,
		Type:      req.Type,
		Limit:     limit,
		Offset:    req.Offset,
	})
}

// Update applies p to a reminder that has not been claimed yet. A new
// scheduled_time re-enqueues the reminder.
func (s *Service) Update(ctx context.Context, id string, p Patch) (models.Reminder, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Reminder{}, err
	}
	if !r.Status.PreDispatch() {
		return models.Reminder{}, models.NewInvalidState(id, r.Status, "update")
	}

	now := s.clock()
	next := r
	rescheduled := false
	if p.ScheduledTime != nil {
		if err := validateFuture(*p.ScheduledTime, now); err != nil {
			return models.Reminder{}, err
		}
		next.ScheduledTime = p.ScheduledTime.UTC()
		rescheduled = !next.ScheduledTime.Equal(r.ScheduledTime)
	}
	if p.DeliveryMethod != nil {
		next.DeliveryMethod = *p.DeliveryMethod
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.CustomMessage != nil {
		if strings.TrimSpace(*p.CustomMessage) == "" {
			next.CustomMessage = nil
		} else {
			msg := *p.CustomMessage
			next.CustomMessage = &msg
		}
	}
	if len(p.Metadata) > 0 {
		next.Metadata = cloneMetadata(r.Metadata)
		for k, v := range p.Metadata {
			next.Metadata[k] = v
		}
	}
	if p.MaxRetries != nil {
		next.MaxRetries = *p.MaxRetries
	}
	if p.RetryInterval != nil {
		next.RetryInterval = *p.RetryInterval
	}
	if err := validateFields(next); err != nil {
		return models.Reminder{}, err
	}
	next.UpdatedAt = now

	if err := s.store.Update(ctx, next, r.Status); err != nil {
		return models.Reminder{}, s.conflict(ctx, id, "update", err)
	}
	if rescheduled {
		next = s.enqueue(ctx, next, queue.Scheduled)
	}
	return next, nil
}

// Cancel stops a reminder that has not been claimed by a worker.
func (s *Service) Cancel(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !r.Status.PreDispatch() {
		return models.NewInvalidState(id, r.Status, "cancel")
	}
	next := r
	next.Status = models.StatusCancelled
	next.UpdatedAt = s.clock()
	if err := s.store.Update(ctx, next, r.Status); err != nil {
		return s.conflict(ctx, id, "cancel", err)
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		logging.WithReminder(s.log, id).WithError(err).Warn("remove cancelled reminder from queue")
	}
	s.publish(ctx, next, r.Status)
	logging.WithReminder(s.log, id).Info("reminder cancelled")
	return nil
}

// ForceRetry re-sends a FAILED reminder as a new reminder due immediately. The
// original stays FAILED; the copy records it in metadata.retry_of.
func (s *Service) ForceRetry(ctx context.Context, id string) (models.Reminder, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Reminder{}, err
	}
	if orig.Status != models.StatusFailed {
		return models.Reminder{}, models.NewInvalidState(id, orig.Status, "retry")
	}
	now := s.clock()
	r := orig
	r.ID = uuid.NewString()
	r.Status = models.StatusPending
	r.ScheduledTime = now
	r.RetryCount = 0
	r.ExternalMessageID = nil
	r.ErrorMessage = nil
	r.SentAt = nil
	r.DeliveredAt = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Metadata = cloneMetadata(orig.Metadata)
	r.Metadata["retry_of"] = orig.ID

	if err := s.store.Insert(ctx, r); err != nil {
		return models.Reminder{}, fmt.Errorf("force retry %s: %w", id, err)
	}
	s.created(ctx, r)
	s.log.WithFields(logrus.Fields{logging.ReminderField: r.ID, "retry_of": id}).Info("failed reminder resubmitted")
	return s.enqueue(ctx, r, queue.Immediate), nil
}

// Stats returns counts per status, the delivery rate in percent of
// delivered/(sent+delivered), and the mean sent-to-delivered time in seconds.
func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	delivered := st.ByStatus[models.StatusDelivered]
	if sent := st.ByStatus[models.StatusSent] + delivered; sent > 0 {
		st.DeliveryRate = math.Round(float64(delivered)/float64(sent)*10000) / 100
	}
	return st, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) build(req CreateRequest, now time.Time) (models.Reminder, error) {
	r := models.Reminder{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		Type:           req.Type,
		DeliveryMethod: req.DeliveryMethod,
		Status:         models.StatusPending,
		ScheduledTime:  req.ScheduledTime.UTC(),
		Priority:       req.Priority,
		Metadata:       cloneMetadata(req.Metadata),
		MaxRetries:     s.cfg.DefaultMaxRetries,
		RetryInterval:  s.cfg.DefaultRetryInterval,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.CustomMessage != nil && strings.TrimSpace(*req.CustomMessage) != "" {
		msg := *req.CustomMessage
		r.CustomMessage = &msg
	}
	if r.DeliveryMethod == "" {
		r.DeliveryMethod = models.MethodSMS
	}
	if r.Priority == "" {
		r.Priority = models.PriorityNormal
	}
	if req.MaxRetries != nil {
		r.MaxRetries = *req.MaxRetries
	}
	if req.RetryInterval != nil {
		r.RetryInterval = *req.RetryInterval
	}
	return r, validateFields(r)
}

func (s *Service) checkPatient(ctx context.Context, id int64) error {
	if _, err := s.patients.Patient(ctx, id); err != nil {
		if models.IsNotFound(err) {
			return models.NewValidationError("patient_id", fmt.Sprintf("patient %d not found", id))
		}
		return fmt.Errorf("look up patient %d: %w", id, err)
	}
	return nil
}

// enqueue places r on target and marks it SCHEDULED. Queue failures are logged
// and leave the reminder to the store sweep.
func (s *Service) enqueue(ctx context.Context, r models.Reminder, target string) models.Reminder {
	entry := queue.EntryFor(r)
	var err error
	if target == queue.Immediate {
		err = s.queue.EnqueueImmediate(ctx, entry)
	} else {
		err = s.queue.EnqueueScheduled(ctx, entry, r.ScheduledTime)
	}
	if err != nil {
		telemetry.EnqueueFailures.Inc()
		logging.WithReminder(s.log, r.ID).WithError(err).Warn("enqueue failed, reminder left for the store sweep")
		return r
	}
	telemetry.RemindersEnqueued.WithLabelValues(target).Inc()
	if r.Status == models.StatusScheduled {
		return r
	}

	next := r
	next.Status = models.StatusScheduled
	next.UpdatedAt = s.clock()
	if err := s.store.Update(ctx, next, r.Status); err != nil {
		// Already claimed by a worker, or gone.
		logging.WithReminder(s.log, r.ID).WithError(err).Debug("mark scheduled skipped")
		return r
	}
	s.publish(ctx, next, r.Status)
	return next
}

func (s *Service) created(ctx context.Context, r models.Reminder) {
	telemetry.RemindersCreated.WithLabelValues(string(r.Type)).Inc()
	s.publish(ctx, r, "")
	s.log.WithFields(logrus.Fields{
		logging.ReminderField: r.ID,
		"patient_id":          r.PatientID,
		"type":                r.Type,
		"due":                 r.ScheduledTime.Format(time.RFC3339),
	}).Info("reminder created")
}

// conflict turns a lost compare-and-set into an InvalidStateError carrying the new status.
func (s *Service) conflict(ctx context.Context, id, op string, err error) error {
	if !errors.Is(err, models.ErrStatusConflict) {
		return err
	}
	cur, getErr := s.store.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return models.NewInvalidState(id, cur.Status, op)
}

func (s *Service) publish(ctx context.Context, r models.Reminder, from models.Status) {
	if err := s.events.Publish(ctx, events.NewEvent(r, from, s.clock())); err != nil {
		logging.WithReminder(s.log, r.ID).WithError(err).Warn("publish lifecycle event")
	}
}

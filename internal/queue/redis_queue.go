package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reminder-engine/internal/config"
	"reminder-engine/internal/models"
	"reminder-engine/internal/telemetry"
)

// Queue names as reported by Sizes and stamped on popped entries.
const (
	Scheduled = "scheduled"
	Retry     = "retry"
	Immediate = "immediate"
	Failed    = "failed"
)

const (
	keyPrefix    = "reminders:"
	failedMaxLen = 10000
)

// Entry is the queue projection of a reminder. The store remains authoritative for status.
type Entry struct {
	ID            string                `json:"id"`
	PatientID     int64                 `json:"patient_id"`
	Type          models.ReminderType   `json:"reminder_type"`
	Method        models.DeliveryMethod `json:"delivery_method"`
	Priority      models.Priority       `json:"priority"`
	CustomMessage *string               `json:"custom_message,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	DueAt         time.Time             `json:"due_at"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
	Reason        string                `json:"reason,omitempty"`

	// Queue is the queue the entry was popped from. Not serialised.
	Queue string `json:"-"`
	// DecodeErr is set when the stored payload could not be decoded; only ID
	// and Queue are reliable then.
	DecodeErr error `json:"-"`
}

// EntryFor projects a reminder into a queue entry.
func EntryFor(r models.Reminder) Entry {
	return Entry{
		ID:            r.ID,
		PatientID:     r.PatientID,
		Type:          r.Type,
		Method:        r.DeliveryMethod,
		Priority:      r.Priority,
		CustomMessage: r.CustomMessage,
		Metadata:      r.Metadata,
		DueAt:         r.ScheduledTime,
	}
}

// RedisQueue keeps the scheduled, retry, immediate and failed reminder queues in Redis.
type RedisQueue struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisClient builds a client from config. The client is shared by the queue,
// the rate limiter and the patient cache.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

// WithClock overrides the wall clock used for enqueue stamps. Tests only.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) Client() redis.UniversalClient {
	return q.client
}

func queueKey(name string) string   { return keyPrefix + name }
func entriesKey(name string) string { return keyPrefix + name + ":entries" }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrBackendUnavailable, err)
}

// Ping checks the backend is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// EnqueueScheduled places the entry in the scheduled set due at dueAt, replacing any
// previous position of the same reminder.
func (q *RedisQueue) EnqueueScheduled(ctx context.Context, e Entry, dueAt time.Time) error {
	return q.enqueueSorted(ctx, Scheduled, e, dueAt)
}

// EnqueueRetry places the entry in the retry set due after delay.
func (q *RedisQueue) EnqueueRetry(ctx context.Context, e Entry, delay time.Duration) error {
	return q.enqueueSorted(ctx, Retry, e, q.now().Add(delay))
}

func (q *RedisQueue) enqueueSorted(ctx context.Context, name string, e Entry, dueAt time.Time) error {
	e.DueAt = dueAt
	e.EnqueuedAt = q.now()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	pipe := q.client.TxPipeline()
	removeFrom(ctx, pipe, e.ID)
	pipe.HSet(ctx, entriesKey(name), e.ID, payload)
	pipe.ZAdd(ctx, queueKey(name), redis.Z{Score: float64(dueAt.UnixMilli()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("enqueue "+name, err)
	}
	return nil
}

// EnqueueImmediate appends the entry to the FIFO immediate queue.
func (q *RedisQueue) EnqueueImmediate(ctx context.Context, e Entry) error {
	now := q.now()
	e.DueAt = now
	e.EnqueuedAt = now
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	pipe := q.client.TxPipeline()
	removeFrom(ctx, pipe, e.ID)
	pipe.HSet(ctx, entriesKey(Immediate), e.ID, payload)
	pipe.LPush(ctx, queueKey(Immediate), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("enqueue immediate", err)
	}
	return nil
}

// PopDue atomically removes and returns up to limit entries of a sorted queue
// whose due time is at or before now.
func (q *RedisQueue) PopDue(ctx context.Context, name string, now time.Time, limit int) ([]Entry, error) {
	if name != Scheduled && name != Retry {
		return nil, fmt.Errorf("pop due: %q is not a sorted queue", name)
	}
	if limit <= 0 {
		return nil, nil
	}
	res, err := popDueScript.Run(ctx, q.client,
		[]string{queueKey(name), entriesKey(name)},
		now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("pop due "+name, err)
	}
	return decodePairs(name, res), nil
}

// PopImmediate removes up to limit entries from the immediate queue, oldest first.
func (q *RedisQueue) PopImmediate(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	res, err := popImmediateScript.Run(ctx, q.client,
		[]string{queueKey(Immediate), entriesKey(Immediate)}, limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("pop immediate", err)
	}
	return decodePairs(Immediate, res), nil
}

// decodePairs turns the [id, payload, id, payload...] script reply into entries.
// An entry whose payload went missing or is corrupt still carries its id;
// callers load the reminder from the store anyway. Corrupt payloads are counted
// and reported through Entry.DecodeErr.
func decodePairs(name string, res []string) []Entry {
	out := make([]Entry, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		var e Entry
		if res[i+1] != "" {
			if err := json.Unmarshal([]byte(res[i+1]), &e); err != nil {
				telemetry.QueueDecodeErrors.WithLabelValues(name).Inc()
				e = Entry{DecodeErr: fmt.Errorf("decode %s entry %s: %w", name, res[i], err)}
			}
		}
		e.ID = res[i]
		e.Queue = name
		out = append(out, e)
	}
	return out
}

// PushFailed parks an entry in the failed list for operator inspection.
func (q *RedisQueue) PushFailed(ctx context.Context, e Entry, reason string) error {
	e.Reason = reason
	e.EnqueuedAt = q.now()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, queueKey(Failed), payload)
	pipe.LTrim(ctx, queueKey(Failed), 0, failedMaxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("push failed", err)
	}
	return nil
}

// PeekFailed returns the most recently parked entries.
func (q *RedisQueue) PeekFailed(ctx context.Context, count int64) ([]Entry, error) {
	raw, err := q.client.LRange(ctx, queueKey(Failed), 0, count-1).Result()
	if err != nil {
		return nil, unavailable("peek failed", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			telemetry.QueueDecodeErrors.WithLabelValues(Failed).Inc()
			continue
		}
		e.Queue = Failed
		out = append(out, e)
	}
	return out, nil
}

// Remove deletes a reminder from every pending queue.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	removeFrom(ctx, pipe, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

func removeFrom(ctx context.Context, pipe redis.Pipeliner, id string) {
	for _, name := range []string{Scheduled, Retry} {
		pipe.ZRem(ctx, queueKey(name), id)
		pipe.HDel(ctx, entriesKey(name), id)
	}
	pipe.LRem(ctx, queueKey(Immediate), 0, id)
	pipe.HDel(ctx, entriesKey(Immediate), id)
}

// Sizes reports the number of entries per queue.
func (q *RedisQueue) Sizes(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, queueKey(Scheduled))
	retry := pipe.ZCard(ctx, queueKey(Retry))
	immediate := pipe.LLen(ctx, queueKey(Immediate))
	failed := pipe.LLen(ctx, queueKey(Failed))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("sizes", err)
	}
	return map[string]int64{
		Scheduled: scheduled.Val(),
		Retry:     retry.Val(),
		Immediate: immediate.Val(),
		Failed:    failed.Val(),
	}, nil
}

// CleanupStale removes entries that have waited in a pending queue since before cutoff
// and returns them so the caller can expire the matching reminders.
func (q *RedisQueue) CleanupStale(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	var stale []Entry
	for _, name := range []string{Scheduled, Retry} {
		res, err := popDueScript.Run(ctx, q.client,
			[]string{queueKey(name), entriesKey(name)},
			cutoff.UnixMilli(), -1).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return stale, unavailable("cleanup "+name, err)
		}
		stale = append(stale, decodePairs(name, res)...)
	}

	raw, err := q.client.HGetAll(ctx, entriesKey(Immediate)).Result()
	if err != nil {
		return stale, unavailable("cleanup immediate", err)
	}
	for id, payload := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil || !e.EnqueuedAt.Before(cutoff) {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, queueKey(Immediate), 0, id)
		pipe.HDel(ctx, entriesKey(Immediate), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return stale, unavailable("cleanup immediate", err)
		}
		e.ID = id
		e.Queue = Immediate
		stale = append(stale, e)
	}
	return stale, nil
}

// popDueScript: KEYS[1] sorted set, KEYS[2] payload hash, ARGV[1] max score, ARGV[2] limit (-1 = all).
var popDueScript = redis.NewScript(`
local ids
if tonumber(ARGV[2]) < 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
end
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  table.insert(out, id)
  table.insert(out, payload or '')
end
return out
`)

var popImmediateScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  local payload = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  table.insert(out, id)
  table.insert(out, payload or '')
end
return out
`)

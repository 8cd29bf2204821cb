package queue

import (
	"context"
	"sort"
	"strconv"
	"time"
)

const (
	timerWindow = 1000
	timerExpiry = time.Hour
)

var (
	countersKey = keyPrefix + "metrics:counters"
	gaugesKey   = keyPrefix + "metrics:gauges"
	timersKey   = keyPrefix + "metrics:timers"
)

func timerKey(name string) string { return keyPrefix + "metrics:timer:" + name }

// TimerSummary aggregates the rolling window of a timer, in milliseconds.
type TimerSummary struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P95   float64 `json:"p95_ms"`
}

// Summary is a snapshot of the Redis-side operational metrics. These values are
// informational and never drive scheduling decisions.
type Summary struct {
	Counters map[string]int64        `json:"counters"`
	Gauges   map[string]float64      `json:"gauges"`
	Timers   map[string]TimerSummary `json:"timers"`
}

func (q *RedisQueue) IncrCounter(ctx context.Context, name string, by int64) error {
	if err := q.client.HIncrBy(ctx, countersKey, name, by).Err(); err != nil {
		return unavailable("incr "+name, err)
	}
	return nil
}

func (q *RedisQueue) SetGauge(ctx context.Context, name string, value float64) error {
	if err := q.client.HSet(ctx, gaugesKey, name, value).Err(); err != nil {
		return unavailable("gauge "+name, err)
	}
	return nil
}

// RecordTimer appends a sample, keeping the newest 1000 for an hour.
func (q *RedisQueue) RecordTimer(ctx context.Context, name string, d time.Duration) error {
	ms := float64(d.Microseconds()) / 1000
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, timersKey, name)
	pipe.LPush(ctx, timerKey(name), ms)
	pipe.LTrim(ctx, timerKey(name), 0, timerWindow-1)
	pipe.Expire(ctx, timerKey(name), timerExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("timer "+name, err)
	}
	return nil
}

func (q *RedisQueue) MetricsSummary(ctx context.Context) (Summary, error) {
	out := Summary{
		Counters: map[string]int64{},
		Gauges:   map[string]float64{},
		Timers:   map[string]TimerSummary{},
	}

	counters, err := q.client.HGetAll(ctx, countersKey).Result()
	if err != nil {
		return out, unavailable("metrics summary", err)
	}
	for k, v := range counters {
		n, _ := strconv.ParseInt(v, 10, 64)
		out.Counters[k] = n
	}

	gauges, err := q.client.HGetAll(ctx, gaugesKey).Result()
	if err != nil {
		return out, unavailable("metrics summary", err)
	}
	for k, v := range gauges {
		f, _ := strconv.ParseFloat(v, 64)
		out.Gauges[k] = f
	}

	names, err := q.client.SMembers(ctx, timersKey).Result()
	if err != nil {
		return out, unavailable("metrics summary", err)
	}
	for _, name := range names {
		raw, err := q.client.LRange(ctx, timerKey(name), 0, -1).Result()
		if err != nil {
			return out, unavailable("metrics summary", err)
		}
		if len(raw) == 0 {
			continue
		}
		out.Timers[name] = summarise(raw)
	}
	return out, nil
}

func summarise(raw []string) TimerSummary {
	samples := make([]float64, 0, len(raw))
	for _, r := range raw {
		if f, err := strconv.ParseFloat(r, 64); err == nil {
			samples = append(samples, f)
		}
	}
	if len(samples) == 0 {
		return TimerSummary{}
	}
	sort.Float64s(samples)
	var sum float64
	for _, s := range samples {
		sum += s
	}
	idx := int(float64(len(samples))*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return TimerSummary{
		Count: int64(len(samples)),
		Avg:   sum / float64(len(samples)),
		Min:   samples[0],
		Max:   samples[len(samples)-1],
		P95:   samples[idx],
	}
}

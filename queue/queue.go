package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"chatpay/observability"
)

// Key layout in the KV store.
const (
	tierKeyPrefix  = "tx_queue:"
	retryKeyPrefix = "tx_queue:retry:"
	dlqKeyPrefix   = "tx_dlq:"
)

// DLQRetention is how long dead-lettered payloads are kept for inspection.
const DLQRetention = 7 * 24 * time.Hour

// Stats snapshots queue depths for the admin surface.
type Stats struct {
	Tiers      map[Tier]int64   `json:"tiers"`
	RetryKeys  map[string]int64 `json:"retry_queues"`
	DeadLetter int64            `json:"dlq"`
}

// Queue is the durable retry queue over a Store.
type Queue struct {
	store      Store
	maxRetries int
	now        func() time.Time
	metrics    *queueMetrics
}

// QueueOption customises a Queue.
type QueueOption func(*Queue)

// WithMaxRetries overrides the retry budget applied to payloads that do not
// carry their own.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs a queue over the given store.
func New(store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		metrics:    sharedMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func tierKey(tier Tier) string { return tierKeyPrefix + string(tier) }

func retryKey(delay time.Duration) string {
	return fmt.Sprintf("%s%d", retryKeyPrefix, int64(delay.Seconds()))
}

// Enqueue appends a payload to its priority tier.
func (q *Queue) Enqueue(ctx context.Context, tier Tier, p Payload) error {
	if p.Priority == "" {
		p.Priority = tier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = q.maxRetries
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = q.now()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if err := q.store.Push(ctx, tierKey(tier), p.encode()); err != nil {
		return err
	}
	q.metrics.recordEnqueued(string(tier))
	observability.Payments().ObserveQueued(string(tier))
	return nil
}

// Dequeue pops the next payload from the tier. With wait > 0 it blocks up to
// that long; otherwise it returns immediately. A nil payload means empty.
func (q *Queue) Dequeue(ctx context.Context, tier Tier, wait time.Duration) (*Payload, error) {
	var raw []byte
	var err error
	if wait > 0 {
		_, raw, err = q.store.BPop(ctx, []string{tierKey(tier)}, wait)
	} else {
		raw, err = q.store.Pop(ctx, tierKey(tier))
	}
	if err != nil || raw == nil {
		return nil, err
	}
	p, err := decodePayload(raw)
	if err != nil {
		q.metrics.recordDropped("decode")
		return nil, err
	}
	return &p, nil
}

// DequeueAny pops from the tiers in priority order, blocking up to wait.
func (q *Queue) DequeueAny(ctx context.Context, wait time.Duration) (*Payload, error) {
	keys := make([]string, 0, len(Tiers))
	for _, tier := range Tiers {
		keys = append(keys, tierKey(tier))
	}
	_, raw, err := q.store.BPop(ctx, keys, wait)
	if err != nil || raw == nil {
		return nil, err
	}
	p, err := decodePayload(raw)
	if err != nil {
		q.metrics.recordDropped("decode")
		return nil, err
	}
	return &p, nil
}

// Reschedule records a failed attempt. Within budget the payload lands in the
// delayed-retry bucket for its backoff; past budget it moves to the
// dead-letter tier, retained for DLQRetention.
func (q *Queue) Reschedule(ctx context.Context, p Payload, cause error) error {
	p.RetryCount++
	p.LastRetryAt = q.now()
	if cause != nil {
		p.LastError = cause.Error()
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = q.maxRetries
	}
	if p.RetryCount >= p.MaxRetries {
		return q.DeadLetter(ctx, p)
	}
	delay := RetryDelay(p.RetryCount)
	p.Status = StatusRetrying
	p.NextAttemptAt = q.now().Add(delay)
	if err := q.store.Push(ctx, retryKey(delay), p.encode()); err != nil {
		return err
	}
	q.metrics.recordRetried(string(p.Priority))
	return nil
}

// DeadLetter moves a payload to the terminal tier.
func (q *Queue) DeadLetter(ctx context.Context, p Payload) error {
	p.Status = StatusFailedPermanently
	key := fmt.Sprintf("%s%s:%d", dlqKeyPrefix, p.Sender, q.now().Unix())
	if err := q.store.Set(ctx, key, p.encode(), DLQRetention); err != nil {
		return err
	}
	q.metrics.recordDropped("dead_letter")
	return nil
}

// PromoteDue moves payloads whose backoff has elapsed from the retry buckets
// back into their priority tier. Entries within one bucket share a delay, so
// the first not-yet-due payload ends the scan for that bucket.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	keys, err := q.store.Keys(ctx, retryKeyPrefix)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, key := range keys {
		for {
			raw, err := q.store.Pop(ctx, key)
			if err != nil {
				return promoted, err
			}
			if raw == nil {
				break
			}
			p, err := decodePayload(raw)
			if err != nil {
				q.metrics.recordDropped("decode")
				continue
			}
			if p.NextAttemptAt.After(now) {
				// Not due yet: put it back at the head so repeated sweeps
				// never rotate the bucket.
				if err := q.store.PushFront(ctx, key, raw); err != nil {
					return promoted, err
				}
				break
			}
			tier := p.Priority
			if tier == "" {
				tier = TierNormal
			}
			if err := q.store.Push(ctx, tierKey(tier), p.encode()); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

// Stats reports current depths across tiers, retry buckets, and the DLQ.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Tiers: make(map[Tier]int64), RetryKeys: make(map[string]int64)}
	for _, tier := range Tiers {
		n, err := q.store.Len(ctx, tierKey(tier))
		if err != nil {
			return stats, err
		}
		stats.Tiers[tier] = n
	}
	retryKeys, err := q.store.Keys(ctx, retryKeyPrefix)
	if err != nil {
		return stats, err
	}
	for _, key := range retryKeys {
		n, err := q.store.Len(ctx, key)
		if err != nil {
			return stats, err
		}
		stats.RetryKeys[key] = n
	}
	dlqKeys, err := q.store.Keys(ctx, dlqKeyPrefix)
	if err != nil {
		return stats, err
	}
	stats.DeadLetter = int64(len(dlqKeys))
	return stats, nil
}

var (
	metricsOnce   sync.Once
	sharedQueueMx *queueMetrics
)

type queueMetrics struct {
	enqueued metric.Int64Counter
	retried  metric.Int64Counter
	dropped  metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("chatpay/queue")
		m := &queueMetrics{}
		var err error
		if m.enqueued, err = meter.Int64Counter("chatpay.queue.enqueued"); err != nil {
			fallback := noop.NewMeterProvider().Meter("chatpay/queue")
			m.enqueued, _ = fallback.Int64Counter("chatpay.queue.enqueued")
		}
		if m.retried, err = meter.Int64Counter("chatpay.queue.retried"); err != nil {
			fallback := noop.NewMeterProvider().Meter("chatpay/queue")
			m.retried, _ = fallback.Int64Counter("chatpay.queue.retried")
		}
		if m.dropped, err = meter.Int64Counter("chatpay.queue.dropped"); err != nil {
			fallback := noop.NewMeterProvider().Meter("chatpay/queue")
			m.dropped, _ = fallback.Int64Counter("chatpay.queue.dropped")
		}
		sharedQueueMx = m
	})
	return sharedQueueMx
}

func (m *queueMetrics) recordEnqueued(tier string) {
	if m == nil || m.enqueued == nil {
		return
	}
	m.enqueued.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *queueMetrics) recordRetried(tier string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *queueMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

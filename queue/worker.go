package queue

import (
	"context"
	"log/slog"
	"time"

	"chatpay/errs"
)

// PaymentSender is the slice of the payment service the worker invokes.
type PaymentSender interface {
	SendQueued(ctx context.Context, sender, receiver string, amount float64, note string) (string, error)
}

// Worker drains the priority tiers and executes payment intents,
// rescheduling retryable failures and dead-lettering the rest.
type Worker struct {
	queue    *Queue
	payments PaymentSender
	log      *slog.Logger
	poll     time.Duration
	promote  time.Duration
}

// WorkerOption customises a Worker.
type WorkerOption func(*Worker)

// WithPollTimeout sets how long a single blocking dequeue waits.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithPromoteInterval sets how often due retry payloads are promoted.
func WithPromoteInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.promote = d
		}
	}
}

// NewWorker constructs a queue worker.
func NewWorker(q *Queue, payments PaymentSender, log *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    q,
		payments: payments,
		log:      log,
		poll:     2 * time.Second,
		promote:  5 * time.Second,
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes payloads until the context is cancelled. A promotion ticker
// moves due retries back into their tiers alongside consumption.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.promote)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, time.Now()); err != nil {
				w.log.Error("queue promotion failed", "error", err)
			}
		default:
		}
		payload, err := w.queue.DequeueAny(ctx, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue dequeue failed", "error", err)
			continue
		}
		if payload == nil {
			continue
		}
		w.process(ctx, *payload)
	}
}

// ProcessOne drains and executes a single payload without blocking.
// Primarily used by tests and the admin drain endpoint.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	payload, err := w.queue.DequeueAny(ctx, 0)
	if err != nil || payload == nil {
		return false, err
	}
	w.process(ctx, *payload)
	return true, nil
}

func (w *Worker) process(ctx context.Context, p Payload) {
	txID, err := w.payments.SendQueued(ctx, p.Sender, p.Receiver, p.Amount, p.Note)
	if err == nil {
		w.log.Info("queued payment confirmed", "tx_id", txID, "tier", p.Priority)
		return
	}
	if errs.Retryable(err) {
		w.log.Warn("queued payment failed, rescheduling",
			"retry_count", p.RetryCount+1, "max_retries", p.MaxRetries, "error", err)
		if rErr := w.queue.Reschedule(ctx, p, err); rErr != nil {
			w.log.Error("reschedule failed", "error", rErr)
		}
		return
	}
	w.log.Error("queued payment failed terminally", "kind", string(errs.KindOf(err)), "error", err)
	if dErr := w.queue.DeadLetter(ctx, p); dErr != nil {
		w.log.Error("dead-letter failed", "error", dErr)
	}
}

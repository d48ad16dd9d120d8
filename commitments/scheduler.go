package commitments

import (
	"context"
	"log/slog"
	"time"

	"chatpay/errs"
	"chatpay/storage/models"
)

// Scheduler drives deadline settlement: past-deadline active commitments are
// released, and those with an empty escrow are expired instead.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler constructs a scheduler polling at the given interval.
func NewScheduler(engine *Engine, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{engine: engine, interval: interval, log: log}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Error("deadline sweep failed", "error", err)
			}
		}
	}
}

// Tick settles every active commitment whose deadline has passed and returns
// how many were closed. Individual failures are logged and do not stop the
// sweep.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	var due []models.PaymentCommitment
	err := s.engine.db.WithContext(ctx).
		Where("status = ? AND deadline <= ?", models.CommitmentActive, s.engine.nowFn()).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, commitment := range due {
		if _, err := s.engine.Release(ctx, commitment.ID); err != nil {
			if errs.KindOf(err) == errs.KindState {
				// Nothing in escrow: the pool expires instead.
				if _, xerr := s.engine.MarkExpired(ctx, commitment.ID); xerr != nil {
					s.log.Error("expire failed", "commitment", commitment.ID, "error", xerr)
					continue
				}
				settled++
				continue
			}
			s.log.Error("release failed", "commitment", commitment.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

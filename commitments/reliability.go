package commitments

import (
	"context"
	"errors"
	"math"

	"gorm.io/gorm"

	"chatpay/errs"
	"chatpay/storage/models"
)

// Reliability actions applied at commitment state transitions.
const (
	actionLocked   = "locked"
	actionReleased = "released"
	actionMissed   = "missed"
)

// Reliability returns the phone's score row, creating a zeroed one on first
// request.
func (e *Engine) Reliability(ctx context.Context, phone string) (*models.ReliabilityScore, error) {
	var score models.ReliabilityScore
	err := e.db.WithContext(ctx).
		Where(models.ReliabilityScore{Phone: phone}).
		FirstOrCreate(&score).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: reliability", err)
	}
	return &score, nil
}

// applyReliability mutates the phone's counters inside the caller's
// transaction. Locking counts toward the total; releasing marks an on-time
// fulfilment; missing counts both a miss and a commitment.
func (e *Engine) applyReliability(txdb *gorm.DB, phone, action string) error {
	var score models.ReliabilityScore
	err := txdb.Where("phone = ?", phone).First(&score).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		score = models.ReliabilityScore{Phone: phone}
		if err := txdb.Create(&score).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	switch action {
	case actionLocked:
		score.TotalCommitments++
	case actionReleased:
		score.FulfilledOnTime++
	case actionMissed:
		score.Missed++
		score.TotalCommitments++
	}
	score.Score = computeScore(score.FulfilledOnTime, score.TotalCommitments)
	score.UpdatedAt = e.nowFn()
	return txdb.Save(&score).Error
}

func computeScore(fulfilled, total int) int {
	if total < 1 {
		total = 1
	}
	return int(math.Round(float64(fulfilled) / float64(total) * 100))
}

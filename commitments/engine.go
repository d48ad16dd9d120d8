// Package commitments implements the escrow engine: deadline-bound group
// payment pools backed by a dedicated custodial ledger account per
// commitment. Participants lock funds into the escrow; at the deadline the
// pool releases to the organizer, absentees are marked missed, and
// reliability counters update.
package commitments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatpay/cryptoutil"
	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/notify"
	"chatpay/observability/logging"
	"chatpay/payments"
	"chatpay/retry"
	"chatpay/storage/models"
	"chatpay/wallet"
)

// Ledger is the adapter subset the engine needs.
type Ledger interface {
	DeriveAccount() (ledger.Account, error)
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
}

// Engine orchestrates the commitment and participant state machines. All
// transitions for one commitment run under a row lock on the commitment row,
// so lock, release, and cancel serialize against each other.
type Engine struct {
	db       *gorm.DB
	wallets  *wallet.Service
	chain    Ledger
	enc      *cryptoutil.Encryptor
	notifier notify.Dispatcher
	retry    retry.Config
	log      *slog.Logger
	nowFn    func() time.Time
}

// Option customises the engine.
type Option func(*Engine)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// New constructs the escrow engine.
func New(db *gorm.DB, wallets *wallet.Service, chain Ledger, enc *cryptoutil.Encryptor, notifier notify.Dispatcher, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		db:       db,
		wallets:  wallets,
		chain:    chain,
		enc:      enc,
		notifier: notifier,
		retry:    retry.DefaultConfig(),
		log:      log,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create opens a commitment pool and derives its dedicated escrow account.
// The escrow secret is encrypted onto the commitment row and used for no
// other purpose.
func (e *Engine) Create(ctx context.Context, organizerPhone, title, description string, amountPerPerson float64, totalParticipants int, deadline time.Time) (*models.PaymentCommitment, error) {
	if err := payments.ValidateAmount(amountPerPerson); err != nil {
		return nil, err
	}
	if totalParticipants < 1 {
		return nil, errs.New(errs.KindValidation, "a commitment needs at least one participant")
	}
	if title == "" {
		return nil, errs.New(errs.KindValidation, "commitment title must not be empty")
	}
	now := e.nowFn()
	if !deadline.After(now) {
		return nil, errs.New(errs.KindValidation, "deadline must be in the future")
	}
	if _, err := e.wallets.Get(ctx, organizerPhone); err != nil {
		return nil, err
	}

	var escrow ledger.Account
	if err := retry.Do(ctx, e.retry, func() error {
		var derr error
		escrow, derr = e.chain.DeriveAccount()
		return derr
	}); err != nil {
		return nil, err
	}
	blob, err := e.enc.Encrypt(escrow.Secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: encrypt escrow key", err)
	}

	commitment := &models.PaymentCommitment{
		OrganizerPhone:     organizerPhone,
		Title:              title,
		Description:        description,
		AmountPerPerson:    amountPerPerson,
		TotalParticipants:  totalParticipants,
		Deadline:           deadline,
		EscrowAddress:      escrow.Address,
		EncryptedEscrowKey: blob,
		Status:             models.CommitmentActive,
		CreatedAt:          now,
	}
	if err := e.db.WithContext(ctx).Create(commitment).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: create", err)
	}
	e.log.Info("commitment created",
		"commitment", commitment.ID, "organizer", organizerPhone, "escrow", logging.MaskAddress(escrow.Address))
	return commitment, nil
}

// AddParticipant invites a phone into the pool, creating their wallet if
// needed. Adding the same phone twice returns the existing row.
func (e *Engine) AddParticipant(ctx context.Context, commitmentID uint, phone string) (*models.CommitmentParticipant, error) {
	commitment, err := e.Get(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if commitment.Status != models.CommitmentActive {
		return nil, errs.Newf(errs.KindState, "commitment %d is %s", commitmentID, commitment.Status)
	}
	if !e.nowFn().Before(commitment.Deadline) {
		return nil, errs.Newf(errs.KindState, "commitment %d passed its deadline", commitmentID)
	}

	var existing models.CommitmentParticipant
	err = e.db.WithContext(ctx).
		Where("commitment_id = ? AND phone = ?", commitmentID, phone).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Wrap(errs.KindInternal, "commitments: lookup participant", err)
	}

	user, err := e.wallets.GetOrCreate(ctx, phone)
	if err != nil {
		return nil, err
	}
	participant := &models.CommitmentParticipant{
		CommitmentID:  commitmentID,
		Phone:         phone,
		WalletAddress: user.WalletAddress,
		Amount:        commitment.AmountPerPerson,
		Status:        models.ParticipantInvited,
		CreatedAt:     e.nowFn(),
	}
	if err := e.db.WithContext(ctx).Create(participant).Error; err != nil {
		// Two concurrent adds race on the unique (commitment, phone) index.
		if lerr := e.db.WithContext(ctx).
			Where("commitment_id = ? AND phone = ?", commitmentID, phone).
			First(&existing).Error; lerr == nil {
			return &existing, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "commitments: add participant", err)
	}
	return participant, nil
}

// LockFunds moves the participant's share on-ledger into the escrow account
// and transitions them INVITED to LOCKED. The whole operation runs under the
// commitment row lock.
func (e *Engine) LockFunds(ctx context.Context, commitmentID uint, phone string) (*models.CommitmentParticipant, error) {
	if _, err := e.AddParticipant(ctx, commitmentID, phone); err != nil {
		return nil, err
	}
	user, err := e.wallets.Get(ctx, phone)
	if err != nil {
		return nil, err
	}
	secret, err := e.wallets.Secret(user)
	if err != nil {
		return nil, err
	}

	var locked models.CommitmentParticipant
	err = e.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		var commitment models.PaymentCommitment
		if err := txdb.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&commitment, commitmentID).Error; err != nil {
			return err
		}
		now := e.nowFn()
		if commitment.Status != models.CommitmentActive {
			return errs.Newf(errs.KindState, "commitment %d is %s", commitmentID, commitment.Status)
		}
		if !now.Before(commitment.Deadline) {
			return errs.Newf(errs.KindState, "commitment %d passed its deadline", commitmentID)
		}
		var participant models.CommitmentParticipant
		if err := txdb.Where("commitment_id = ? AND phone = ?", commitmentID, phone).
			First(&participant).Error; err != nil {
			return err
		}
		if participant.Status == models.ParticipantLocked {
			return errs.Newf(errs.KindState, "you already locked funds for commitment %d", commitmentID)
		}
		if participant.Status != models.ParticipantInvited {
			return errs.Newf(errs.KindState, "participant is %s", participant.Status)
		}

		balance, err := e.chain.Balance(ctx, user.WalletAddress)
		if err != nil {
			return err
		}
		if balance < participant.Amount+ledger.Fee {
			return errs.Newf(errs.KindInsufficientBalance,
				"balance %.6f is below the %.6f needed (%.6f commitment plus the %.3f fee)",
				balance, participant.Amount+ledger.Fee, participant.Amount, ledger.Fee)
		}

		var txID string
		note := fmt.Sprintf("commitment %d: %s", commitment.ID, commitment.Title)
		if err := retry.Do(ctx, e.retry, func() error {
			var serr error
			txID, serr = e.chain.SendPayment(ctx, secret, commitment.EscrowAddress, participant.Amount, note)
			return serr
		}); err != nil {
			return err
		}

		if err := txdb.Model(&participant).Updates(map[string]any{
			"status":     models.ParticipantLocked,
			"lock_tx_id": txID,
			"locked_at":  now,
		}).Error; err != nil {
			return err
		}
		if err := txdb.Model(&models.PaymentCommitment{}).
			Where("id = ? AND status = ?", commitmentID, models.CommitmentActive).
			Updates(map[string]any{
				"participants_locked": gorm.Expr("participants_locked + 1"),
				"total_locked":        gorm.Expr("total_locked + ?", participant.Amount),
			}).Error; err != nil {
			return err
		}
		record := models.Transaction{
			TxID:            &txID,
			SenderPhone:     phone,
			SenderAddress:   user.WalletAddress,
			ReceiverAddress: commitment.EscrowAddress,
			Amount:          participant.Amount,
			Type:            models.TxTypeSend,
			Status:          models.TxStatusConfirmed,
			Note:            note,
			PaymentRef:      fmt.Sprintf("commitment:%d", commitment.ID),
			Timestamp:       now,
			ConfirmedAt:     &now,
		}
		if err := txdb.Create(&record).Error; err != nil {
			return err
		}
		if err := e.applyReliability(txdb, phone, actionLocked); err != nil {
			return err
		}
		participant.Status = models.ParticipantLocked
		participant.LockTxID = &txID
		participant.LockedAt = &now
		locked = participant
		return nil
	})
	if err != nil {
		return nil, wrapInternal("commitments: lock funds", err)
	}

	commitment, err := e.Get(ctx, commitmentID)
	if err == nil {
		text := fmt.Sprintf("%s locked %.2f for %q (%d of %d in).",
			phone, locked.Amount, commitment.Title, commitment.ParticipantsLocked, commitment.TotalParticipants)
		if err := e.notifier.Send(ctx, commitment.OrganizerPhone, text); err != nil {
			e.log.Error("commitment notification failed", "commitment", commitmentID, "error", err)
		}
	}
	return &locked, nil
}

// Release settles an active commitment at its deadline: the escrow balance
// minus the network fee goes to the organizer in a single transfer, locked
// participants become RELEASED, invited ones MISSED. A second call is a
// state error.
func (e *Engine) Release(ctx context.Context, commitmentID uint) (*models.PaymentCommitment, error) {
	var (
		released []string
		missed   []string
		title    string
	)
	err := e.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		var commitment models.PaymentCommitment
		if err := txdb.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&commitment, commitmentID).Error; err != nil {
			return err
		}
		if commitment.Status != models.CommitmentActive {
			return errs.Newf(errs.KindState, "commitment %d is already %s", commitmentID, commitment.Status)
		}
		title = commitment.Title

		escrowSecret, err := e.enc.Decrypt(commitment.EncryptedEscrowKey)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "commitments: decrypt escrow key", err)
		}
		escrowBalance, err := e.chain.Balance(ctx, commitment.EscrowAddress)
		if err != nil {
			return err
		}
		releaseAmount := escrowBalance - ledger.Fee
		if releaseAmount <= 0 {
			return errs.Newf(errs.KindState, "commitment %d has no funds to release", commitmentID)
		}
		organizer, err := e.wallets.Get(ctx, commitment.OrganizerPhone)
		if err != nil {
			return err
		}

		var txID string
		note := fmt.Sprintf("commitment %d release: %s", commitment.ID, commitment.Title)
		if err := retry.Do(ctx, e.retry, func() error {
			var serr error
			txID, serr = e.chain.SendPayment(ctx, escrowSecret, organizer.WalletAddress, releaseAmount, note)
			return serr
		}); err != nil {
			return err
		}

		now := e.nowFn()
		var participants []models.CommitmentParticipant
		if err := txdb.Where("commitment_id = ?", commitmentID).Find(&participants).Error; err != nil {
			return err
		}
		for i := range participants {
			p := &participants[i]
			switch p.Status {
			case models.ParticipantLocked:
				if err := txdb.Model(p).Updates(map[string]any{
					"status":        models.ParticipantReleased,
					"release_tx_id": txID,
				}).Error; err != nil {
					return err
				}
				if err := e.applyReliability(txdb, p.Phone, actionReleased); err != nil {
					return err
				}
				released = append(released, p.Phone)
			case models.ParticipantInvited:
				if err := txdb.Model(p).Update("status", models.ParticipantMissed).Error; err != nil {
					return err
				}
				if err := e.applyReliability(txdb, p.Phone, actionMissed); err != nil {
					return err
				}
				missed = append(missed, p.Phone)
			}
		}
		if err := txdb.Model(&commitment).Updates(map[string]any{
			"status":              models.CommitmentCompleted,
			"released_at":         now,
			"released_tx_id":      txID,
			"total_locked":        0,
			"participants_locked": 0,
		}).Error; err != nil {
			return err
		}
		record := models.Transaction{
			TxID:            &txID,
			SenderAddress:   commitment.EscrowAddress,
			ReceiverPhone:   commitment.OrganizerPhone,
			ReceiverAddress: organizer.WalletAddress,
			Amount:          releaseAmount,
			Type:            models.TxTypeReceive,
			Status:          models.TxStatusConfirmed,
			Note:            note,
			PaymentRef:      fmt.Sprintf("commitment:%d", commitment.ID),
			Timestamp:       now,
			ConfirmedAt:     &now,
		}
		return txdb.Create(&record).Error
	})
	if err != nil {
		return nil, wrapInternal("commitments: release", err)
	}

	for _, phone := range released {
		text := fmt.Sprintf("Commitment %q settled. Your locked funds went to the organizer.", title)
		if err := e.notifier.Send(ctx, phone, text); err != nil {
			e.log.Error("commitment notification failed", "commitment", commitmentID, "error", err)
		}
	}
	for _, phone := range missed {
		text := fmt.Sprintf("Commitment %q settled without you. This counts against your reliability.", title)
		if err := e.notifier.Send(ctx, phone, text); err != nil {
			e.log.Error("commitment notification failed", "commitment", commitmentID, "error", err)
		}
	}
	e.log.Info("commitment released", "commitment", commitmentID, "released", len(released), "missed", len(missed))
	return e.Get(ctx, commitmentID)
}

// Cancel refunds every locked participant from escrow and closes the pool.
// Only the organizer may cancel. Refund failures are recorded per participant
// and do not abort the rest of the batch; such participants keep their
// LOCKED status and stay counted in the totals.
func (e *Engine) Cancel(ctx context.Context, commitmentID uint, organizerPhone string) (*models.PaymentCommitment, error) {
	var refunded []string
	err := e.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		var commitment models.PaymentCommitment
		if err := txdb.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&commitment, commitmentID).Error; err != nil {
			return err
		}
		if commitment.OrganizerPhone != organizerPhone {
			return errs.New(errs.KindValidation, "only the organizer can cancel a commitment")
		}
		if commitment.Status != models.CommitmentActive {
			return errs.Newf(errs.KindState, "commitment %d is already %s", commitmentID, commitment.Status)
		}
		escrowSecret, err := e.enc.Decrypt(commitment.EncryptedEscrowKey)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "commitments: decrypt escrow key", err)
		}

		var participants []models.CommitmentParticipant
		if err := txdb.Where("commitment_id = ? AND status = ?", commitmentID, models.ParticipantLocked).
			Find(&participants).Error; err != nil {
			return err
		}
		now := e.nowFn()
		for i := range participants {
			p := &participants[i]
			var txID string
			note := fmt.Sprintf("commitment %d refund: %s", commitment.ID, commitment.Title)
			rerr := retry.Do(ctx, e.retry, func() error {
				var serr error
				txID, serr = e.chain.SendPayment(ctx, escrowSecret, p.WalletAddress, p.Amount, note)
				return serr
			})
			if rerr != nil {
				e.log.Error("commitment refund failed",
					"commitment", commitmentID, "participant", p.Phone, "error", rerr)
				if err := txdb.Model(p).Update("last_error", rerr.Error()).Error; err != nil {
					return err
				}
				continue
			}
			if err := txdb.Model(p).Updates(map[string]any{
				"status":        models.ParticipantRefunded,
				"release_tx_id": txID,
				"last_error":    "",
			}).Error; err != nil {
				return err
			}
			if err := txdb.Model(&models.PaymentCommitment{}).
				Where("id = ?", commitmentID).
				Updates(map[string]any{
					"participants_locked": gorm.Expr("participants_locked - 1"),
					"total_locked":        gorm.Expr("total_locked - ?", p.Amount),
				}).Error; err != nil {
				return err
			}
			record := models.Transaction{
				TxID:            &txID,
				SenderAddress:   commitment.EscrowAddress,
				ReceiverPhone:   p.Phone,
				ReceiverAddress: p.WalletAddress,
				Amount:          p.Amount,
				Type:            models.TxTypeReceive,
				Status:          models.TxStatusConfirmed,
				Note:            note,
				PaymentRef:      fmt.Sprintf("commitment:%d", commitment.ID),
				Timestamp:       now,
				ConfirmedAt:     &now,
			}
			if err := txdb.Create(&record).Error; err != nil {
				return err
			}
			refunded = append(refunded, p.Phone)
		}
		return txdb.Model(&commitment).Update("status", models.CommitmentCanceled).Error
	})
	if err != nil {
		return nil, wrapInternal("commitments: cancel", err)
	}

	for _, phone := range refunded {
		if err := e.notifier.Send(ctx, phone,
			"The organizer canceled the commitment. Your locked funds were refunded."); err != nil {
			e.log.Error("commitment notification failed", "commitment", commitmentID, "error", err)
		}
	}
	return e.Get(ctx, commitmentID)
}

// MarkExpired closes a past-deadline commitment that has nothing to release.
// Invited participants are marked MISSED.
func (e *Engine) MarkExpired(ctx context.Context, commitmentID uint) (*models.PaymentCommitment, error) {
	err := e.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		var commitment models.PaymentCommitment
		if err := txdb.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&commitment, commitmentID).Error; err != nil {
			return err
		}
		if commitment.Status != models.CommitmentActive {
			return errs.Newf(errs.KindState, "commitment %d is already %s", commitmentID, commitment.Status)
		}
		if e.nowFn().Before(commitment.Deadline) {
			return errs.Newf(errs.KindState, "commitment %d has not reached its deadline", commitmentID)
		}
		var invited []models.CommitmentParticipant
		if err := txdb.Where("commitment_id = ? AND status = ?", commitmentID, models.ParticipantInvited).
			Find(&invited).Error; err != nil {
			return err
		}
		for i := range invited {
			if err := txdb.Model(&invited[i]).Update("status", models.ParticipantMissed).Error; err != nil {
				return err
			}
			if err := e.applyReliability(txdb, invited[i].Phone, actionMissed); err != nil {
				return err
			}
		}
		return txdb.Model(&commitment).Update("status", models.CommitmentExpired).Error
	})
	if err != nil {
		return nil, wrapInternal("commitments: expire", err)
	}
	return e.Get(ctx, commitmentID)
}

// Get loads a commitment with its participants.
func (e *Engine) Get(ctx context.Context, commitmentID uint) (*models.PaymentCommitment, error) {
	var commitment models.PaymentCommitment
	err := e.db.WithContext(ctx).Preload("Participants").First(&commitment, commitmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "commitment %d does not exist", commitmentID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: load", err)
	}
	return &commitment, nil
}

// StatusReport aggregates a commitment with derived presentation fields.
type StatusReport struct {
	Commitment           *models.PaymentCommitment
	CompletionPercentage float64
	DaysUntilDeadline    int
	Locked               []string
	Pending              []string
}

// Status builds the read-only aggregate view.
func (e *Engine) Status(ctx context.Context, commitmentID uint) (*StatusReport, error) {
	commitment, err := e.Get(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Commitment: commitment}
	if commitment.TotalParticipants > 0 {
		report.CompletionPercentage = math.Round(
			float64(commitment.ParticipantsLocked) / float64(commitment.TotalParticipants) * 100)
	}
	if remaining := commitment.Deadline.Sub(e.nowFn()); remaining > 0 {
		report.DaysUntilDeadline = int(remaining.Hours() / 24)
	}
	for _, p := range commitment.Participants {
		switch p.Status {
		case models.ParticipantLocked:
			report.Locked = append(report.Locked, p.Phone)
		case models.ParticipantInvited:
			report.Pending = append(report.Pending, p.Phone)
		}
	}
	return report, nil
}

// ForUser lists commitments the phone organizes or participates in.
func (e *Engine) ForUser(ctx context.Context, phone string) ([]models.PaymentCommitment, error) {
	var ids []uint
	if err := e.db.WithContext(ctx).Model(&models.CommitmentParticipant{}).
		Where("phone = ?", phone).
		Pluck("commitment_id", &ids).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: list for user", err)
	}
	var commitments []models.PaymentCommitment
	query := e.db.WithContext(ctx).Preload("Participants").Order("created_at DESC")
	if len(ids) > 0 {
		query = query.Where("organizer_phone = ? OR id IN ?", phone, ids)
	} else {
		query = query.Where("organizer_phone = ?", phone)
	}
	if err := query.Find(&commitments).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "commitments: list for user", err)
	}
	return commitments, nil
}

func wrapInternal(msg string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	return errs.Wrap(errs.KindInternal, msg, err)
}

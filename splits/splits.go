// Package splits divides a bill equally across participants and settles each
// share with an on-ledger transfer to the initiator.
package splits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/notify"
	"chatpay/payments"
	"chatpay/retry"
	"chatpay/storage/models"
	"chatpay/wallet"
)

// Ledger is the adapter subset splits need.
type Ledger interface {
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
}

// Service implements bill splitting.
type Service struct {
	db       *gorm.DB
	wallets  *wallet.Service
	chain    Ledger
	notifier notify.Dispatcher
	retry    retry.Config
	log      *slog.Logger
	nowFn    func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// New constructs the split service.
func New(db *gorm.DB, wallets *wallet.Service, chain Ledger, notifier notify.Dispatcher, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		db:       db,
		wallets:  wallets,
		chain:    chain,
		notifier: notifier,
		retry:    retry.DefaultConfig(),
		log:      log,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a split bill. The initiator always gets a row; duplicate
// participants collapse; the per-person share is total over the distinct
// participant count.
func (s *Service) Create(ctx context.Context, initiatorPhone string, total float64, participantPhones []string, description string) (*models.SplitBill, error) {
	if err := payments.ValidateAmount(total); err != nil {
		return nil, err
	}
	if _, err := s.wallets.Get(ctx, initiatorPhone); err != nil {
		return nil, err
	}

	distinct := []string{initiatorPhone}
	seen := map[string]bool{initiatorPhone: true}
	for _, p := range participantPhones {
		if !seen[p] {
			seen[p] = true
			distinct = append(distinct, p)
		}
	}
	if len(distinct) < 2 {
		return nil, errs.New(errs.KindValidation, "a split needs at least one other participant")
	}
	perPerson := total / float64(len(distinct))

	bill := &models.SplitBill{
		InitiatorPhone:  initiatorPhone,
		TotalAmount:     total,
		AmountPerPerson: perPerson,
		Description:     description,
		Status:          models.SplitStatusPending,
		CreatedAt:       s.nowFn(),
	}
	err := s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		if err := txdb.Create(bill).Error; err != nil {
			return err
		}
		for _, phone := range distinct {
			row := models.SplitPayment{
				SplitBillID:      bill.ID,
				ParticipantPhone: phone,
				Amount:           perPerson,
				CreatedAt:        s.nowFn(),
			}
			if err := txdb.Create(&row).Error; err != nil {
				return err
			}
			bill.Payments = append(bill.Payments, row)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "splits: create bill", err)
	}

	for _, phone := range distinct[1:] {
		text := fmt.Sprintf("%s split a %.2f bill (%s). Your share is %.2f. Reply 'pay split %d' to settle.",
			initiatorPhone, total, description, perPerson, bill.ID)
		if err := s.notifier.Send(ctx, phone, text); err != nil {
			s.log.Error("split notification failed", "split", bill.ID, "participant", phone, "error", err)
		}
	}
	return bill, nil
}

// PayShare settles the caller's share on-ledger and marks the row paid. When
// every non-initiator row is paid the bill completes.
func (s *Service) PayShare(ctx context.Context, splitID uint, participantPhone string) (*models.SplitBill, error) {
	bill, err := s.Get(ctx, splitID)
	if err != nil {
		return nil, err
	}
	if bill.Status != models.SplitStatusPending {
		return nil, errs.Newf(errs.KindState, "split %d is %s", splitID, bill.Status)
	}
	var share *models.SplitPayment
	for i := range bill.Payments {
		if bill.Payments[i].ParticipantPhone == participantPhone {
			share = &bill.Payments[i]
			break
		}
	}
	if share == nil {
		return nil, errs.Newf(errs.KindNotFound, "you are not part of split %d", splitID)
	}
	if share.IsPaid {
		return nil, errs.Newf(errs.KindState, "your share of split %d is already paid", splitID)
	}

	participant, err := s.wallets.Get(ctx, participantPhone)
	if err != nil {
		return nil, err
	}
	initiator, err := s.wallets.Get(ctx, bill.InitiatorPhone)
	if err != nil {
		return nil, err
	}
	balance, err := s.chain.Balance(ctx, participant.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance < share.Amount+ledger.Fee {
		return nil, errs.Newf(errs.KindInsufficientBalance,
			"balance %.6f is below your %.6f share plus the fee", balance, share.Amount)
	}
	secret, err := s.wallets.Secret(participant)
	if err != nil {
		return nil, err
	}

	var txID string
	note := fmt.Sprintf("split %d: %s", bill.ID, bill.Description)
	err = retry.Do(ctx, s.retry, func() error {
		var serr error
		txID, serr = s.chain.SendPayment(ctx, secret, initiator.WalletAddress, share.Amount, note)
		return serr
	})
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	completed := false
	err = s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		if err := txdb.Model(share).Updates(map[string]any{
			"is_paid": true,
			"tx_id":   txID,
			"paid_at": now,
		}).Error; err != nil {
			return err
		}
		record := models.Transaction{
			TxID:            &txID,
			SenderPhone:     participantPhone,
			SenderAddress:   participant.WalletAddress,
			ReceiverPhone:   bill.InitiatorPhone,
			ReceiverAddress: initiator.WalletAddress,
			Amount:          share.Amount,
			Type:            models.TxTypeSplit,
			Status:          models.TxStatusConfirmed,
			Note:            note,
			SplitID:         &bill.ID,
			Timestamp:       now,
			ConfirmedAt:     &now,
		}
		if err := txdb.Create(&record).Error; err != nil {
			return err
		}

		// Fully paid means every non-initiator row is settled; the
		// initiator never transfers to themself.
		var unpaid int64
		if err := txdb.Model(&models.SplitPayment{}).
			Where("split_bill_id = ? AND participant_phone <> ? AND is_paid = ?",
				bill.ID, bill.InitiatorPhone, false).
			Count(&unpaid).Error; err != nil {
			return err
		}
		if unpaid == 0 {
			completed = true
			if err := txdb.Model(&models.SplitBill{}).
				Where("id = ?", bill.ID).
				Updates(map[string]any{
					"status":       models.SplitStatusCompleted,
					"completed_at": now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "splits: record payment", err)
	}

	text := fmt.Sprintf("%s paid their %.2f share of split %d.", participantPhone, share.Amount, bill.ID)
	if completed {
		text += " The bill is fully settled."
	}
	if err := s.notifier.Send(ctx, bill.InitiatorPhone, text); err != nil {
		s.log.Error("split notification failed", "split", bill.ID, "error", err)
	}
	return s.Get(ctx, splitID)
}

// Get loads a split with its payment rows.
func (s *Service) Get(ctx context.Context, splitID uint) (*models.SplitBill, error) {
	var bill models.SplitBill
	err := s.db.WithContext(ctx).Preload("Payments").First(&bill, splitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "split %d does not exist", splitID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "splits: load bill", err)
	}
	return &bill, nil
}

// ForUser lists splits where the phone participates, newest first.
func (s *Service) ForUser(ctx context.Context, phone string) ([]models.SplitBill, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.SplitPayment{}).
		Where("participant_phone = ?", phone).
		Pluck("split_bill_id", &ids).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "splits: list for user", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var bills []models.SplitBill
	err = s.db.WithContext(ctx).Preload("Payments").
		Where("id IN ?", ids).
		Order("created_at DESC").
		Find(&bills).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "splits: list for user", err)
	}
	return bills, nil
}

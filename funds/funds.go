// Package funds runs fundraising campaigns. Contributions settle on-ledger
// straight into the creator's account; the campaign row only aggregates.
package funds

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

// DefaultDurationHours is one week, the deadline applied when the creator
// gives none.
const DefaultDurationHours = 168

// Ledger is the adapter subset funds need.
type Ledger interface {
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
}

// Service implements fundraising campaigns.
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

// New constructs the fund service.
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

// Create opens a campaign with a deadline of now plus the given hours.
func (s *Service) Create(ctx context.Context, creatorPhone, title string, goal float64, hours int) (*models.Fund, error) {
	if err := payments.ValidateAmount(goal); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, errs.New(errs.KindValidation, "fund title must not be empty")
	}
	if _, err := s.wallets.Get(ctx, creatorPhone); err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = DefaultDurationHours
	}
	now := s.nowFn()
	fund := &models.Fund{
		CreatorPhone: creatorPhone,
		Title:        title,
		GoalAmount:   goal,
		IsActive:     true,
		Deadline:     now.Add(time.Duration(hours) * time.Hour),
		CreatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(fund).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "funds: create", err)
	}
	return fund, nil
}

// Contribute settles an on-ledger transfer from the contributor to the
// creator and aggregates it into the campaign.
func (s *Service) Contribute(ctx context.Context, fundID uint, contributorPhone string, amount float64) (*models.Fund, error) {
	if err := payments.ValidateAmount(amount); err != nil {
		return nil, err
	}
	fund, err := s.Get(ctx, fundID)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	if !fund.IsActive {
		return nil, errs.Newf(errs.KindState, "fund %d is closed", fundID)
	}
	if !now.Before(fund.Deadline) {
		return nil, errs.Newf(errs.KindState, "fund %d passed its deadline", fundID)
	}
	contributor, err := s.wallets.Get(ctx, contributorPhone)
	if err != nil {
		return nil, err
	}
	creator, err := s.wallets.Get(ctx, fund.CreatorPhone)
	if err != nil {
		return nil, err
	}
	balance, err := s.chain.Balance(ctx, contributor.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance < amount+ledger.Fee {
		return nil, errs.Newf(errs.KindInsufficientBalance,
			"balance %.6f is below %.6f plus the fee", balance, amount)
	}
	secret, err := s.wallets.Secret(contributor)
	if err != nil {
		return nil, err
	}

	var txID string
	note := fmt.Sprintf("fund %d: %s", fund.ID, fund.Title)
	err = retry.Do(ctx, s.retry, func() error {
		var serr error
		txID, serr = s.chain.SendPayment(ctx, secret, creator.WalletAddress, amount, note)
		return serr
	})
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		contribution := models.FundContribution{
			FundID:           fund.ID,
			ContributorPhone: contributorPhone,
			Amount:           amount,
			TxID:             txID,
			CreatedAt:        now,
		}
		if err := txdb.Create(&contribution).Error; err != nil {
			return err
		}
		record := models.Transaction{
			TxID:            &txID,
			SenderPhone:     contributorPhone,
			SenderAddress:   contributor.WalletAddress,
			ReceiverPhone:   fund.CreatorPhone,
			ReceiverAddress: creator.WalletAddress,
			Amount:          amount,
			Type:            models.TxTypeFund,
			Status:          models.TxStatusConfirmed,
			Note:            note,
			FundID:          &fund.ID,
			Timestamp:       now,
			ConfirmedAt:     &now,
		}
		if err := txdb.Create(&record).Error; err != nil {
			return err
		}
		if err := txdb.Model(&models.Fund{}).
			Where("id = ?", fund.ID).
			Update("current_amount", gorm.Expr("current_amount + ?", amount)).Error; err != nil {
			return err
		}
		// The goal latch only ever flips to true.
		return txdb.Model(&models.Fund{}).
			Where("id = ? AND current_amount >= goal_amount", fund.ID).
			Update("is_goal_met", true).Error
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "funds: record contribution", err)
	}

	fund, err = s.Get(ctx, fundID)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("%s contributed %.2f to %q (%.2f of %.2f raised).",
		contributorPhone, amount, fund.Title, fund.CurrentAmount, fund.GoalAmount)
	if fund.IsGoalMet {
		text += " Goal reached!"
	}
	if err := s.notifier.Send(ctx, fund.CreatorPhone, text); err != nil {
		s.log.Error("fund notification failed", "fund", fund.ID, "error", err)
	}
	return fund, nil
}

// Close deactivates a campaign; only the creator may do it.
func (s *Service) Close(ctx context.Context, fundID uint, callerPhone string) (*models.Fund, error) {
	fund, err := s.Get(ctx, fundID)
	if err != nil {
		return nil, err
	}
	if fund.CreatorPhone != callerPhone {
		return nil, errs.New(errs.KindValidation, "only the creator can close a fund")
	}
	if !fund.IsActive {
		return nil, errs.Newf(errs.KindState, "fund %d is already closed", fundID)
	}
	if err := s.db.WithContext(ctx).Model(fund).Update("is_active", false).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "funds: close", err)
	}
	fund.IsActive = false
	return fund, nil
}

// Get loads a campaign with its contributions.
func (s *Service) Get(ctx context.Context, fundID uint) (*models.Fund, error) {
	var fund models.Fund
	err := s.db.WithContext(ctx).Preload("Contributions").First(&fund, fundID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "fund %d does not exist", fundID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "funds: load", err)
	}
	return &fund, nil
}

// Active lists open campaigns, newest first.
func (s *Service) Active(ctx context.Context) ([]models.Fund, error) {
	var active []models.Fund
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").
		Find(&active).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "funds: list", err)
	}
	return active, nil
}

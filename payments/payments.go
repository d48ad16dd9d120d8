// Package payments executes peer transfers and records their lifecycle in
// the Transaction table: PENDING on submission, CONFIRMED or FAILED after
// the ledger settles.
package payments

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/observability"
	"chatpay/retry"
	"chatpay/storage/models"
	"chatpay/wallet"
)

// DefaultHistoryLimit bounds history queries.
const DefaultHistoryLimit = 20

// Ledger is the adapter subset payments need.
type Ledger interface {
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
}

// Service implements peer transfers.
type Service struct {
	db      *gorm.DB
	wallets *wallet.Service
	chain   Ledger
	retry   retry.Config
	log     *slog.Logger
	nowFn   func() time.Time
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

// New constructs the payment service.
func New(db *gorm.DB, wallets *wallet.Service, chain Ledger, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		db:      db,
		wallets: wallets,
		chain:   chain,
		retry:   retry.DefaultConfig(),
		log:     log,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAmount enforces the transfer bounds shared by every money-moving
// operation.
func ValidateAmount(amount float64) error {
	if amount <= 0 {
		return errs.New(errs.KindValidation, "amount must be positive")
	}
	if amount > 1_000_000 {
		return errs.New(errs.KindValidation, "amount exceeds the 1000000 limit")
	}
	return nil
}

// Send transfers base units from one phone's account to another's, creating
// the receiver's account on first contact.
func (s *Service) Send(ctx context.Context, senderPhone, receiverPhone string, amount float64, note string) (*models.Transaction, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	sender, err := s.wallets.Get(ctx, senderPhone)
	if err != nil {
		return nil, err
	}
	receiver, err := s.wallets.GetOrCreate(ctx, receiverPhone)
	if err != nil {
		return nil, err
	}
	tx := &models.Transaction{
		SenderPhone:     senderPhone,
		SenderAddress:   sender.WalletAddress,
		ReceiverPhone:   receiverPhone,
		ReceiverAddress: receiver.WalletAddress,
		Amount:          amount,
		Type:            models.TxTypeSend,
		Note:            note,
	}
	return s.execute(ctx, sender, tx)
}

// SendToAddress transfers to a raw ledger address with no receiver account
// resolution.
func (s *Service) SendToAddress(ctx context.Context, senderPhone, address string, amount float64, note string) (*models.Transaction, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !ledger.ValidAddress(address) {
		return nil, errs.Newf(errs.KindValidation, "%q is not a valid ledger address", address)
	}
	sender, err := s.wallets.Get(ctx, senderPhone)
	if err != nil {
		return nil, err
	}
	tx := &models.Transaction{
		SenderPhone:     senderPhone,
		SenderAddress:   sender.WalletAddress,
		ReceiverAddress: address,
		Amount:          amount,
		Type:            models.TxTypeSend,
		Note:            note,
	}
	return s.execute(ctx, sender, tx)
}

// SendQueued is the queue worker entry point: the receiver may be a phone or
// a raw address.
func (s *Service) SendQueued(ctx context.Context, sender, receiver string, amount float64, note string) (string, error) {
	var (
		tx  *models.Transaction
		err error
	)
	if ledger.ValidAddress(receiver) {
		tx, err = s.SendToAddress(ctx, sender, receiver, amount, note)
	} else {
		tx, err = s.Send(ctx, sender, receiver, amount, note)
	}
	if err != nil {
		return "", err
	}
	return *tx.TxID, nil
}

// execute runs the pre-checked transfer: balance gate, PENDING row, ledger
// submission, then the terminal status.
func (s *Service) execute(ctx context.Context, sender *models.User, tx *models.Transaction) (*models.Transaction, error) {
	balance, err := s.chain.Balance(ctx, sender.WalletAddress)
	if err != nil {
		return nil, err
	}
	if balance < tx.Amount+ledger.Fee {
		return nil, errs.Newf(errs.KindInsufficientBalance,
			"balance %.6f is below %.6f plus the %.3f fee", balance, tx.Amount, ledger.Fee)
	}
	secret, err := s.wallets.Secret(sender)
	if err != nil {
		return nil, err
	}

	tx.Status = models.TxStatusPending
	tx.Timestamp = s.nowFn()
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return nil, errs.Wrap(errs.KindInternal, "payments: record transaction", err)
	}

	var txID string
	err = retry.Do(ctx, s.retry, func() error {
		var serr error
		txID, serr = s.chain.SendPayment(ctx, secret, tx.ReceiverAddress, tx.Amount, tx.Note)
		return serr
	})
	if err != nil {
		if ferr := s.markFailed(ctx, tx); ferr != nil {
			s.log.Error("failed to mark transaction failed", "transaction", tx.ID, "error", ferr)
		}
		observability.Payments().ObserveSettled(tx.Type, "failed", tx.Amount)
		return nil, err
	}
	if err := s.Confirm(ctx, tx, txID); err != nil {
		return nil, err
	}
	observability.Payments().ObserveSettled(tx.Type, "confirmed", tx.Amount)
	s.log.Info("payment confirmed", "tx_id", txID, "sender", tx.SenderPhone, "amount", tx.Amount)
	return tx, nil
}

// Confirm marks a pending transaction confirmed. Idempotent: a transaction
// already out of PENDING is left untouched.
func (s *Service) Confirm(ctx context.Context, tx *models.Transaction, txID string) error {
	now := s.nowFn()
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", tx.ID, models.TxStatusPending).
		Updates(map[string]any{
			"status":       models.TxStatusConfirmed,
			"tx_id":        txID,
			"confirmed_at": now,
		})
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, "payments: confirm transaction", res.Error)
	}
	if res.RowsAffected > 0 {
		tx.Status = models.TxStatusConfirmed
		tx.TxID = &txID
		tx.ConfirmedAt = &now
	}
	return nil
}

// markFailed records the terminal status on a detached context: a payment
// that died because its caller's deadline expired must still read FAILED, not
// stay PENDING forever.
func (s *Service) markFailed(ctx context.Context, tx *models.Transaction) error {
	tx.Status = models.TxStatusFailed
	return s.db.WithContext(context.WithoutCancel(ctx)).
		Model(tx).Update("status", models.TxStatusFailed).Error
}

// History lists the most recent transactions where the phone appears as
// sender or receiver.
func (s *Service) History(ctx context.Context, phone string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("sender_phone = ? OR receiver_phone = ?", phone, phone).
		Order("timestamp DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "payments: load history", err)
	}
	return txs, nil
}

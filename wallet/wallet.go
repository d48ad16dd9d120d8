// Package wallet owns the phone-to-custodial-account mapping: account
// derivation on first contact, key encryption at rest, and balance reads.
package wallet

import (
	"context"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"chatpay/cryptoutil"
	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/observability/logging"
	"chatpay/retry"
	"chatpay/storage/models"
)

// Ledger is the adapter subset the wallet needs.
type Ledger interface {
	DeriveAccount() (ledger.Account, error)
	Balance(ctx context.Context, address string) (float64, error)
}

// Service implements custodial wallet operations.
type Service struct {
	db    *gorm.DB
	enc   *cryptoutil.Encryptor
	chain Ledger
	retry retry.Config
	log   *slog.Logger
}

// New constructs the wallet service.
func New(db *gorm.DB, enc *cryptoutil.Encryptor, chain Ledger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, enc: enc, chain: chain, retry: retry.DefaultConfig(), log: log}
}

// GetOrCreate returns the user for the phone, deriving and persisting a fresh
// custodial account when none exists yet.
func (s *Service) GetOrCreate(ctx context.Context, phone string) (*models.User, error) {
	user, err := s.Get(ctx, phone)
	if err == nil {
		return user, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	var account ledger.Account
	if err := retry.Do(ctx, s.retry, func() error {
		var derr error
		account, derr = s.chain.DeriveAccount()
		return derr
	}); err != nil {
		return nil, err
	}
	blob, err := s.enc.Encrypt(account.Secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "wallet: encrypt key", err)
	}

	user = &models.User{Phone: phone, WalletAddress: account.Address, EncryptedKey: blob}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		// A concurrent first contact may have won the unique index race.
		if existing, gerr := s.Get(ctx, phone); gerr == nil {
			return existing, nil
		}
		return nil, errs.Wrap(errs.KindInternal, "wallet: create user", err)
	}
	s.log.Info("custodial account created", "phone", phone, "address", logging.MaskAddress(account.Address))
	return user, nil
}

// Get looks up an existing user by phone.
func (s *Service) Get(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "no account for %s", phone)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "wallet: lookup user", err)
	}
	return &user, nil
}

// Secret decrypts the user's stored key material.
func (s *Service) Secret(user *models.User) ([]byte, error) {
	secret, err := s.enc.Decrypt(user.EncryptedKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "wallet: decrypt key", err)
	}
	return secret, nil
}

// Balance reads the user's on-ledger balance in base units.
func (s *Service) Balance(ctx context.Context, phone string) (float64, error) {
	user, err := s.Get(ctx, phone)
	if err != nil {
		return 0, err
	}
	var balance float64
	err = retry.Do(ctx, s.retry, func() error {
		var berr error
		balance, berr = s.chain.Balance(ctx, user.WalletAddress)
		return berr
	})
	return balance, err
}

// SetDisplayName stores a display name for the user.
func (s *Service) SetDisplayName(ctx context.Context, phone, name string) error {
	user, err := s.Get(ctx, phone)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("display_name", name).Error; err != nil {
		return errs.Wrap(errs.KindInternal, "wallet: update display name", err)
	}
	return nil
}

// SaveContact records a nickname for the owner, replacing a previous mapping.
func (s *Service) SaveContact(ctx context.Context, ownerPhone, nickname, contactPhone string) error {
	if nickname == "" {
		return errs.New(errs.KindValidation, "nickname must not be empty")
	}
	contact := models.Contact{OwnerPhone: ownerPhone, Nickname: nickname, ContactPhone: contactPhone}
	err := s.db.WithContext(ctx).
		Where("owner_phone = ? AND nickname = ?", ownerPhone, nickname).
		Assign(models.Contact{ContactPhone: contactPhone}).
		FirstOrCreate(&contact).Error
	if err != nil {
		return errs.Wrap(errs.KindInternal, "wallet: save contact", err)
	}
	return nil
}

// ResolveContact maps a nickname to the stored phone for the owner.
func (s *Service) ResolveContact(ctx context.Context, ownerPhone, nickname string) (string, error) {
	var contact models.Contact
	err := s.db.WithContext(ctx).
		Where("owner_phone = ? AND nickname = ?", ownerPhone, nickname).
		First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", errs.Newf(errs.KindNotFound, "no contact named %q", nickname)
	}
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "wallet: lookup contact", err)
	}
	return contact.ContactPhone, nil
}

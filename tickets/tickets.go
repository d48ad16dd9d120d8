// Package tickets sells NFT-backed event tickets. Each purchase mints a
// one-of-one standard asset into the buyer's account and pays the event's
// merchant; verification checks the on-ledger holding, not just the row.
package tickets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/retry"
	"chatpay/storage/models"
	"chatpay/wallet"
)

// Ledger is the adapter subset tickets need.
type Ledger interface {
	Balance(ctx context.Context, address string) (float64, error)
	SendPayment(ctx context.Context, secret []byte, to string, amount float64, note string) (string, error)
	CreateNFT(ctx context.Context, secret []byte, name, unit string, total uint64, metadataURL string) (uint64, error)
	AccountAssets(ctx context.Context, address string) ([]ledger.Holding, error)
}

// Service implements ticket issuance and verification.
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

// New constructs the ticket service.
func New(db *gorm.DB, wallets *wallet.Service, chain Ledger, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{db: db, wallets: wallets, chain: chain, retry: retry.DefaultConfig(), log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEvent registers a sellable event. Used by operator tooling and seeds.
func (s *Service) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.Name == "" {
		return errs.New(errs.KindValidation, "event name must not be empty")
	}
	if event.TicketPrice <= 0 || event.TotalCapacity <= 0 {
		return errs.New(errs.KindValidation, "event needs a positive price and capacity")
	}
	event.IsActive = true
	event.CreatedAt = s.nowFn()
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return errs.Wrap(errs.KindInternal, "tickets: create event", err)
	}
	return nil
}

// Events lists active events, soonest first.
func (s *Service) Events(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("date ASC").
		Find(&events).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "tickets: list events", err)
	}
	return events, nil
}

// FindEvent resolves an event by numeric id or case-insensitive name.
func (s *Service) FindEvent(ctx context.Context, ref string) (*models.Event, error) {
	var event models.Event
	var err error
	if id, perr := strconv.ParseUint(ref, 10, 32); perr == nil {
		err = s.db.WithContext(ctx).First(&event, uint(id)).Error
	} else {
		err = s.db.WithContext(ctx).Where("LOWER(name) = ?", strings.ToLower(ref)).First(&event).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "no event matching %q", ref)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "tickets: find event", err)
	}
	return &event, nil
}

// Purchase sells one ticket: pays the merchant, mints the NFT into the
// buyer's account, and records the Ticket row.
func (s *Service) Purchase(ctx context.Context, buyerPhone, eventRef string) (*models.Ticket, *models.Event, error) {
	event, err := s.FindEvent(ctx, eventRef)
	if err != nil {
		return nil, nil, err
	}
	if !event.IsActive {
		return nil, nil, errs.Newf(errs.KindState, "event %q is no longer on sale", event.Name)
	}
	buyer, err := s.wallets.Get(ctx, buyerPhone)
	if err != nil {
		return nil, nil, err
	}
	merchant, err := s.wallets.GetOrCreate(ctx, event.MerchantPhone)
	if err != nil {
		return nil, nil, err
	}
	balance, err := s.chain.Balance(ctx, buyer.WalletAddress)
	if err != nil {
		return nil, nil, err
	}
	if balance < event.TicketPrice+ledger.Fee {
		return nil, nil, errs.Newf(errs.KindInsufficientBalance,
			"balance %.6f is below the %.6f ticket price plus the fee", balance, event.TicketPrice)
	}

	// Reserve capacity up front with a conditional increment so concurrent
	// buyers cannot oversell. The reservation is undone if the ledger legs
	// fail.
	res := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND tickets_sold < total_capacity AND is_active = ?", event.ID, true).
		Update("tickets_sold", gorm.Expr("tickets_sold + 1"))
	if res.Error != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, "tickets: reserve capacity", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, errs.Newf(errs.KindState, "event %q is sold out", event.Name)
	}
	release := func() {
		if err := s.db.WithContext(ctx).Model(&models.Event{}).
			Where("id = ?", event.ID).
			Update("tickets_sold", gorm.Expr("tickets_sold - 1")).Error; err != nil {
			s.log.Error("capacity release failed", "event", event.ID, "error", err)
		}
	}

	secret, err := s.wallets.Secret(buyer)
	if err != nil {
		release()
		return nil, nil, err
	}

	var payTxID string
	note := fmt.Sprintf("ticket: %s", event.Name)
	err = retry.Do(ctx, s.retry, func() error {
		var serr error
		payTxID, serr = s.chain.SendPayment(ctx, secret, merchant.WalletAddress, event.TicketPrice, note)
		return serr
	})
	if err != nil {
		release()
		return nil, nil, err
	}

	var assetID uint64
	unit := strings.ToUpper(prefix3(event.Name))
	metadataURL := fmt.Sprintf("chatpay://event/%d", event.ID)
	err = retry.Do(ctx, s.retry, func() error {
		var merr error
		assetID, merr = s.chain.CreateNFT(ctx, secret, event.Name, unit, 1, metadataURL)
		return merr
	})
	if err != nil {
		release()
		return nil, nil, err
	}

	number, err := ticketNumber(event.Name)
	if err != nil {
		release()
		return nil, nil, errs.Wrap(errs.KindInternal, "tickets: number", err)
	}
	now := s.nowFn()
	ticket := &models.Ticket{
		OwnerPhone:   buyerPhone,
		EventName:    event.Name,
		AssetID:      assetID,
		TicketNumber: number,
		IsValid:      true,
		CreatedAt:    now,
	}
	merchantID := merchant.ID
	record := models.Transaction{
		TxID:            &payTxID,
		SenderPhone:     buyerPhone,
		SenderAddress:   buyer.WalletAddress,
		ReceiverPhone:   event.MerchantPhone,
		ReceiverAddress: merchant.WalletAddress,
		Amount:          event.TicketPrice,
		Type:            models.TxTypeTicket,
		Status:          models.TxStatusConfirmed,
		Note:            note,
		MerchantID:      &merchantID,
		Timestamp:       now,
		ConfirmedAt:     &now,
	}
	err = s.db.WithContext(ctx).Transaction(func(txdb *gorm.DB) error {
		if err := txdb.Create(ticket).Error; err != nil {
			return err
		}
		return txdb.Create(&record).Error
	})
	if err != nil {
		release()
		return nil, nil, errs.Wrap(errs.KindInternal, "tickets: record ticket", err)
	}

	event.TicketsSold++
	s.log.Info("ticket issued", "event", event.Name, "ticket", number, "asset_id", assetID)
	return ticket, event, nil
}

// Verify reports whether a ticket grants entry: the row must be valid and
// unused, and the owner must still hold the asset on-ledger.
func (s *Service) Verify(ctx context.Context, ticketNumber string) (bool, *models.Ticket, error) {
	ticket, err := s.Get(ctx, ticketNumber)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return false, nil, nil
		}
		return false, nil, err
	}
	if !ticket.IsValid || ticket.IsUsed {
		return false, ticket, nil
	}
	owner, err := s.wallets.Get(ctx, ticket.OwnerPhone)
	if err != nil {
		return false, ticket, err
	}
	holdings, err := s.chain.AccountAssets(ctx, owner.WalletAddress)
	if err != nil {
		return false, ticket, err
	}
	for _, h := range holdings {
		if h.AssetID == ticket.AssetID && h.Amount > 0 {
			return true, ticket, nil
		}
	}
	return false, ticket, nil
}

// MarkUsed consumes a ticket exactly once; a second call is a state error.
func (s *Service) MarkUsed(ctx context.Context, ticketNumber string) (*models.Ticket, error) {
	ticket, err := s.Get(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	res := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ? AND is_used = ?", ticket.ID, false).
		Updates(map[string]any{"is_used": true, "used_at": now})
	if res.Error != nil {
		return nil, errs.Wrap(errs.KindInternal, "tickets: mark used", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errs.Newf(errs.KindState, "ticket %s was already used", ticketNumber)
	}
	ticket.IsUsed = true
	ticket.UsedAt = &now
	return ticket, nil
}

// Get loads a ticket by number.
func (s *Service) Get(ctx context.Context, ticketNumber string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("ticket_number = ?", ticketNumber).First(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "no ticket %s", ticketNumber)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "tickets: load ticket", err)
	}
	return &ticket, nil
}

// ForUser lists the phone's tickets, newest first.
func (s *Service) ForUser(ctx context.Context, phone string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.WithContext(ctx).
		Where("owner_phone = ?", phone).
		Order("created_at DESC").
		Find(&tickets).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "tickets: list for user", err)
	}
	return tickets, nil
}

func prefix3(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, name)
	if len(cleaned) > 3 {
		cleaned = cleaned[:3]
	}
	if cleaned == "" {
		cleaned = "TKT"
	}
	return cleaned
}

// ticketNumber builds "PRE-<12 hex>" from the event name and random bytes.
func ticketNumber(eventName string) (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", strings.ToUpper(prefix3(eventName)), strings.ToUpper(hex.EncodeToString(buf[:]))), nil
}

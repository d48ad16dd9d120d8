package tickets

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"chatpay/cryptoutil"
	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/storage"
	"chatpay/storage/models"
	"chatpay/wallet"
)

type fakeChain struct {
	derived   int
	balances  map[string]float64
	holdings  map[string][]ledger.Holding
	nextAsset uint64
	sendErr   error
}

func (f *fakeChain) DeriveAccount() (ledger.Account, error) {
	f.derived++
	return ledger.Account{
		Secret:  bytes.Repeat([]byte{byte(f.derived)}, 32),
		Address: fmt.Sprintf("ADDR%054d", f.derived),
	}, nil
}

func (f *fakeChain) Balance(_ context.Context, address string) (float64, error) {
	return f.balances[address], nil
}

func (f *fakeChain) SendPayment(_ context.Context, _ []byte, to string, amount float64, _ string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.balances[to] += amount
	return fmt.Sprintf("TXPAY%05d", int(amount)), nil
}

func (f *fakeChain) CreateNFT(_ context.Context, secret []byte, _, _ string, _ uint64, _ string) (uint64, error) {
	f.nextAsset++
	addr := fmt.Sprintf("ADDR%054d", int(secret[0]))
	f.holdings[addr] = append(f.holdings[addr], ledger.Holding{AssetID: f.nextAsset, Amount: 1})
	return f.nextAsset, nil
}

func (f *fakeChain) AccountAssets(_ context.Context, address string) ([]ledger.Holding, error) {
	return f.holdings[address], nil
}

func newService(t *testing.T) (*Service, *fakeChain) {
	t.Helper()
	db, err := storage.OpenTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	enc, err := cryptoutil.NewEncryptor([]byte("unit-test-encryption-key-material"))
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	chain := &fakeChain{balances: make(map[string]float64), holdings: make(map[string][]ledger.Holding)}
	wallets := wallet.New(db, enc, chain, nil)
	return New(db, wallets, chain, nil), chain
}

func seedEvent(t *testing.T, svc *Service, capacity int) *models.Event {
	t.Helper()
	event := &models.Event{
		Name:          "Goa Beach Party",
		Category:      "music",
		Venue:         "Baga Beach",
		MerchantPhone: "+19995550001",
		Date:          time.Now().Add(72 * time.Hour),
		TicketPrice:   25,
		TotalCapacity: capacity,
	}
	if err := svc.CreateEvent(context.Background(), event); err != nil {
		t.Fatalf("create event: %v", err)
	}
	return event
}

func registerBuyer(t *testing.T, svc *Service, chain *fakeChain, phone string, balance float64) {
	t.Helper()
	user, err := svc.wallets.GetOrCreate(context.Background(), phone)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	chain.balances[user.WalletAddress] = balance
}

func TestPurchaseIssuesTicket(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	event := seedEvent(t, svc, 10)
	registerBuyer(t, svc, chain, "+14155550001", 100)

	ticket, updated, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !strings.HasPrefix(ticket.TicketNumber, "GOA-") || len(ticket.TicketNumber) != 16 {
		t.Fatalf("ticket number %q", ticket.TicketNumber)
	}
	if ticket.AssetID == 0 || !ticket.IsValid || ticket.IsUsed {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if updated.TicketsSold != 1 {
		t.Fatalf("tickets_sold = %d", updated.TicketsSold)
	}
	// Merchant got paid.
	merchant, err := svc.wallets.Get(ctx, event.MerchantPhone)
	if err != nil {
		t.Fatalf("merchant: %v", err)
	}
	if chain.balances[merchant.WalletAddress] != 25 {
		t.Fatalf("merchant balance = %v", chain.balances[merchant.WalletAddress])
	}
}

func TestPurchaseSoldOut(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	seedEvent(t, svc, 1)
	registerBuyer(t, svc, chain, "+14155550001", 100)
	registerBuyer(t, svc, chain, "+14155550002", 100)

	if _, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party"); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, _, err := svc.Purchase(ctx, "+14155550002", "Goa Beach Party")
	if errs.KindOf(err) != errs.KindState {
		t.Fatalf("want state error, got %v", err)
	}
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	seedEvent(t, svc, 5)
	registerBuyer(t, svc, chain, "+14155550001", 10)

	_, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party")
	if errs.KindOf(err) != errs.KindInsufficientBalance {
		t.Fatalf("want insufficient balance, got %v", err)
	}
}

func TestPurchaseLedgerFailureReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	seedEvent(t, svc, 1)
	registerBuyer(t, svc, chain, "+14155550001", 100)
	chain.sendErr = errs.New(errs.KindLedgerFailure, "rejected")

	if _, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party"); errs.KindOf(err) != errs.KindLedgerFailure {
		t.Fatalf("want ledger failure, got %v", err)
	}
	chain.sendErr = nil
	if _, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party"); err != nil {
		t.Fatalf("capacity not released: %v", err)
	}
}

func TestVerifyAndMarkUsed(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	seedEvent(t, svc, 5)
	registerBuyer(t, svc, chain, "+14155550001", 100)

	ticket, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	ok, _, err := svc.Verify(ctx, ticket.TicketNumber)
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v", ok, err)
	}

	used, err := svc.MarkUsed(ctx, ticket.TicketNumber)
	if err != nil || !used.IsUsed || used.UsedAt == nil {
		t.Fatalf("mark used: %+v, %v", used, err)
	}
	firstUsedAt := *used.UsedAt

	// Second use is rejected and the original used_at survives.
	if _, err := svc.MarkUsed(ctx, ticket.TicketNumber); errs.KindOf(err) != errs.KindState {
		t.Fatalf("want state error, got %v", err)
	}
	stored, err := svc.Get(ctx, ticket.TicketNumber)
	if err != nil || !stored.UsedAt.Equal(firstUsedAt) {
		t.Fatalf("used_at changed: %+v, %v", stored, err)
	}

	// A used ticket no longer verifies.
	ok, _, err = svc.Verify(ctx, ticket.TicketNumber)
	if err != nil || ok {
		t.Fatalf("used ticket verified: %v, %v", ok, err)
	}
}

func TestVerifyUnknownTicket(t *testing.T) {
	svc, _ := newService(t)
	ok, _, err := svc.Verify(context.Background(), "GOA-000000000000")
	if err != nil || ok {
		t.Fatalf("unknown ticket verified: %v %v", ok, err)
	}
}

func TestVerifyFailsWithoutHolding(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)
	seedEvent(t, svc, 5)
	registerBuyer(t, svc, chain, "+14155550001", 100)

	ticket, _, err := svc.Purchase(ctx, "+14155550001", "Goa Beach Party")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	// Simulate the owner transferring the asset away.
	owner, _ := svc.wallets.Get(ctx, "+14155550001")
	chain.holdings[owner.WalletAddress] = nil

	ok, _, err := svc.Verify(ctx, ticket.TicketNumber)
	if err != nil || ok {
		t.Fatalf("ticket without holding verified: %v %v", ok, err)
	}
}

package commitments

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"chatpay/cryptoutil"
	"chatpay/errs"
	"chatpay/ledger"
	"chatpay/notify"
	"chatpay/storage"
	"chatpay/storage/models"
	"chatpay/wallet"
)

type fakeChain struct {
	derived  int
	sends    int
	balances map[string]float64
	sendErr  error
}

func addrFor(n int) string { return fmt.Sprintf("ADDR%054d", n) }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func (f *fakeChain) DeriveAccount() (ledger.Account, error) {
	f.derived++
	return ledger.Account{
		Secret:  bytes.Repeat([]byte{byte(f.derived)}, 32),
		Address: addrFor(f.derived),
	}, nil
}

func (f *fakeChain) Balance(_ context.Context, address string) (float64, error) {
	return f.balances[address], nil
}

func (f *fakeChain) SendPayment(_ context.Context, secret []byte, to string, amount float64, _ string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends++
	from := addrFor(int(secret[0]))
	f.balances[from] -= amount + ledger.Fee
	f.balances[to] += amount
	return fmt.Sprintf("TXC%08d", f.sends), nil
}

type fixture struct {
	engine *Engine
	chain  *fakeChain
	sent   *notify.Recorder
	now    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	enc, err := cryptoutil.NewEncryptor([]byte("unit-test-encryption-key-material"))
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	chain := &fakeChain{balances: make(map[string]float64)}
	wallets := wallet.New(db, enc, chain, nil)
	recorder := &notify.Recorder{}
	now := time.Unix(1_700_000_000, 0)
	f := &fixture{chain: chain, sent: recorder, now: &now}
	f.engine = New(db, wallets, chain, enc, recorder, nil,
		WithClock(func() time.Time { return *f.now }))
	return f
}

func (f *fixture) register(t *testing.T, phone string, balance float64) string {
	t.Helper()
	user, err := f.engine.wallets.GetOrCreate(context.Background(), phone)
	if err != nil {
		t.Fatalf("register %s: %v", phone, err)
	}
	f.chain.balances[user.WalletAddress] = balance
	return user.WalletAddress
}

func (f *fixture) goaTrip(t *testing.T) *models.PaymentCommitment {
	t.Helper()
	c, err := f.engine.Create(context.Background(), "+1000", "Goa Trip", "beach week",
		500, 3, f.now.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("create commitment: %v", err)
	}
	return c
}

func assertInvariants(t *testing.T, f *fixture, id uint) {
	t.Helper()
	c, err := f.engine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load commitment: %v", err)
	}
	var sum float64
	var count int
	for _, p := range c.Participants {
		if p.Status == models.ParticipantLocked {
			sum += p.Amount
			count++
			if p.LockTxID == nil {
				t.Fatalf("locked participant without lock_tx_id: %+v", p)
			}
		}
		if (p.Status == models.ParticipantReleased || p.Status == models.ParticipantRefunded) && p.ReleaseTxID == nil {
			t.Fatalf("settled participant without release_tx_id: %+v", p)
		}
	}
	if c.TotalLocked != sum {
		t.Fatalf("total_locked %v != locked sum %v", c.TotalLocked, sum)
	}
	if c.ParticipantsLocked != count {
		t.Fatalf("participants_locked %d != locked count %d", c.ParticipantsLocked, count)
	}
	if (c.ReleasedAt != nil) != (c.Status == models.CommitmentCompleted) {
		t.Fatalf("released_at/status mismatch: %+v", c)
	}
}

func TestCreateDedicatedEscrowPerCommitment(t *testing.T) {
	f := newFixture(t)
	f.register(t, "+1000", 100)

	first := f.goaTrip(t)
	second, err := f.engine.Create(context.Background(), "+1000", "Ski Trip", "",
		200, 2, f.now.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("second commitment: %v", err)
	}
	if first.EscrowAddress == second.EscrowAddress {
		t.Fatal("commitments must not share an escrow account")
	}
	if len(first.EncryptedEscrowKey) == 0 || first.Status != models.CommitmentActive {
		t.Fatalf("unexpected commitment: %+v", first)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "+1000", 100)
	ctx := context.Background()

	if _, err := f.engine.Create(ctx, "+1000", "x", "", 0, 3, f.now.Add(time.Hour)); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := f.engine.Create(ctx, "+1000", "x", "", 10, 0, f.now.Add(time.Hour)); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("zero participants: %v", err)
	}
	if _, err := f.engine.Create(ctx, "+1000", "x", "", 10, 1, *f.now); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("past deadline: %v", err)
	}
	if _, err := f.engine.Create(ctx, "+9999999", "x", "", 10, 1, f.now.Add(time.Hour)); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("unknown organizer: %v", err)
	}
}

func TestAddParticipantIdempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	ctx := context.Background()

	first, err := f.engine.AddParticipant(ctx, c.ID, "+1001")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := f.engine.AddParticipant(ctx, c.ID, "+1001")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("idempotent add returned a new row: %d vs %d", first.ID, second.ID)
	}
	if first.Status != models.ParticipantInvited || first.Amount != 500 {
		t.Fatalf("unexpected participant: %+v", first)
	}
	if first.WalletAddress == "" {
		t.Fatal("participant wallet must be auto-created")
	}
}

func TestHappyPathRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	organizerAddr := f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	for _, p := range []string{"+1001", "+1002", "+1003"} {
		f.register(t, p, 600)
		if _, err := f.engine.LockFunds(ctx, c.ID, p); err != nil {
			t.Fatalf("lock %s: %v", p, err)
		}
		assertInvariants(t, f, c.ID)
	}

	locked, err := f.engine.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if locked.ParticipantsLocked != 3 || locked.TotalLocked != 1500 {
		t.Fatalf("after locks: %+v", locked)
	}
	if f.chain.balances[c.EscrowAddress] != 1500 {
		t.Fatalf("escrow balance = %v", f.chain.balances[c.EscrowAddress])
	}

	*f.now = f.now.Add(7*24*time.Hour + time.Minute)
	released, err := f.engine.Release(ctx, c.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.CommitmentCompleted || released.ReleasedAt == nil || released.ReleasedTxID == nil {
		t.Fatalf("not completed: %+v", released)
	}
	for _, p := range released.Participants {
		if p.Status != models.ParticipantReleased || p.ReleaseTxID == nil || *p.ReleaseTxID != *released.ReleasedTxID {
			t.Fatalf("participant not released with the pool tx: %+v", p)
		}
	}
	assertInvariants(t, f, c.ID)

	want := 100 + 1500 - ledger.Fee
	if got := f.chain.balances[organizerAddr]; !approx(got, want) {
		t.Fatalf("organizer balance = %v, want %v", got, want)
	}

	score, err := f.engine.Reliability(ctx, "+1001")
	if err != nil {
		t.Fatalf("reliability: %v", err)
	}
	if score.TotalCommitments != 1 || score.FulfilledOnTime != 1 || score.Score != 100 {
		t.Fatalf("reliability after fulfilment: %+v", score)
	}
}

func TestReleaseIsIdempotentByStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 600)
	if _, err := f.engine.LockFunds(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	if _, err := f.engine.Release(ctx, c.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.engine.Release(ctx, c.ID); errs.KindOf(err) != errs.KindState {
		t.Fatalf("second release: want state error, got %v", err)
	}
}

func TestCancelRefundsLockedParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	addr1 := f.register(t, "+1001", 600)
	addr2 := f.register(t, "+1002", 600)
	for _, p := range []string{"+1001", "+1002"} {
		if _, err := f.engine.LockFunds(ctx, c.ID, p); err != nil {
			t.Fatalf("lock %s: %v", p, err)
		}
	}
	if _, err := f.engine.AddParticipant(ctx, c.ID, "+1003"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := f.engine.Cancel(ctx, c.ID, "+1001"); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("non-organizer cancel: %v", err)
	}

	canceled, err := f.engine.Cancel(ctx, c.ID, "+1000")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != models.CommitmentCanceled {
		t.Fatalf("status = %s", canceled.Status)
	}
	for _, p := range canceled.Participants {
		switch p.Phone {
		case "+1001", "+1002":
			if p.Status != models.ParticipantRefunded || p.ReleaseTxID == nil {
				t.Fatalf("not refunded: %+v", p)
			}
		case "+1003":
			if p.Status != models.ParticipantInvited {
				t.Fatalf("invited participant mutated by cancel: %+v", p)
			}
		}
	}
	assertInvariants(t, f, c.ID)

	// Each refunded participant paid two fees (lock and nothing else is
	// theirs); the refund restores the locked principal.
	wantBack := 600 - 500 - ledger.Fee + 500
	if !approx(f.chain.balances[addr1], wantBack) || !approx(f.chain.balances[addr2], wantBack) {
		t.Fatalf("refund balances: %v / %v, want %v",
			f.chain.balances[addr1], f.chain.balances[addr2], wantBack)
	}

	// Cancel leaves reliability untouched beyond the lock increment.
	score, _ := f.engine.Reliability(ctx, "+1001")
	if score.TotalCommitments != 1 || score.FulfilledOnTime != 0 || score.Missed != 0 {
		t.Fatalf("reliability changed by cancel: %+v", score)
	}

	if _, err := f.engine.Cancel(ctx, c.ID, "+1000"); errs.KindOf(err) != errs.KindState {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestPartialReleaseMarksMissed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	organizerAddr := f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 600)
	if _, err := f.engine.LockFunds(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	for _, p := range []string{"+1002", "+1003"} {
		if _, err := f.engine.AddParticipant(ctx, c.ID, p); err != nil {
			t.Fatalf("add %s: %v", p, err)
		}
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	released, err := f.engine.Release(ctx, c.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.CommitmentCompleted {
		t.Fatalf("status = %s", released.Status)
	}
	for _, p := range released.Participants {
		switch p.Phone {
		case "+1001":
			if p.Status != models.ParticipantReleased {
				t.Fatalf("locker not released: %+v", p)
			}
		default:
			if p.Status != models.ParticipantMissed {
				t.Fatalf("absentee not missed: %+v", p)
			}
		}
	}
	if got := f.chain.balances[organizerAddr]; !approx(got, 100+500-ledger.Fee) {
		t.Fatalf("organizer balance = %v", got)
	}
	missedScore, _ := f.engine.Reliability(ctx, "+1002")
	if missedScore.Missed != 1 || missedScore.TotalCommitments != 1 || missedScore.Score != 0 {
		t.Fatalf("missed reliability: %+v", missedScore)
	}
}

func TestLockRejectedAtDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 600)
	if _, err := f.engine.AddParticipant(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("add: %v", err)
	}

	*f.now = c.Deadline
	_, err := f.engine.LockFunds(ctx, c.ID, "+1001")
	if errs.KindOf(err) != errs.KindState {
		t.Fatalf("lock at deadline: want state error, got %v", err)
	}
}

func TestDoubleLockRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 2000)

	if _, err := f.engine.LockFunds(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.engine.LockFunds(ctx, c.ID, "+1001"); errs.KindOf(err) != errs.KindState {
		t.Fatalf("double lock: want state error, got %v", err)
	}
	got, _ := f.engine.Get(ctx, c.ID)
	if got.ParticipantsLocked != 1 || got.TotalLocked != 500 {
		t.Fatalf("totals after double lock: %+v", got)
	}
}

func TestLockInsufficientBalanceRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 10)

	_, err := f.engine.LockFunds(ctx, c.ID, "+1001")
	if errs.KindOf(err) != errs.KindInsufficientBalance {
		t.Fatalf("want insufficient balance, got %v", err)
	}
	// The message states the full requirement, fee included.
	if !strings.Contains(err.Error(), "500.001000") {
		t.Fatalf("message omits the fee-inclusive total: %v", err)
	}
	got, _ := f.engine.Get(ctx, c.ID)
	if got.ParticipantsLocked != 0 || got.TotalLocked != 0 {
		t.Fatalf("totals mutated by failed lock: %+v", got)
	}
	for _, p := range got.Participants {
		if p.Status != models.ParticipantInvited {
			t.Fatalf("participant mutated by failed lock: %+v", p)
		}
	}
}

func TestReleaseWithEmptyEscrowThenExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	if _, err := f.engine.AddParticipant(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("add: %v", err)
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	if _, err := f.engine.Release(ctx, c.ID); errs.KindOf(err) != errs.KindState {
		t.Fatalf("empty release: want state error, got %v", err)
	}
	expired, err := f.engine.MarkExpired(ctx, c.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired.Status != models.CommitmentExpired {
		t.Fatalf("status = %s", expired.Status)
	}
	for _, p := range expired.Participants {
		if p.Status != models.ParticipantMissed {
			t.Fatalf("invited not missed on expiry: %+v", p)
		}
	}
}

func TestSchedulerSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)

	funded := f.goaTrip(t)
	f.register(t, "+1001", 600)
	if _, err := f.engine.LockFunds(ctx, funded.ID, "+1001"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	empty, err := f.engine.Create(ctx, "+1000", "Ghost Town", "", 100, 2, f.now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	*f.now = f.now.Add(8 * 24 * time.Hour)
	scheduler := NewScheduler(f.engine, time.Minute, nil)
	settled, err := scheduler.Tick(ctx)
	if err != nil || settled != 2 {
		t.Fatalf("tick = %d, %v", settled, err)
	}

	got, _ := f.engine.Get(ctx, funded.ID)
	if got.Status != models.CommitmentCompleted {
		t.Fatalf("funded commitment: %s", got.Status)
	}
	got, _ = f.engine.Get(ctx, empty.ID)
	if got.Status != models.CommitmentExpired {
		t.Fatalf("empty commitment: %s", got.Status)
	}

	// The sweep is idempotent.
	settled, err = scheduler.Tick(ctx)
	if err != nil || settled != 0 {
		t.Fatalf("second tick = %d, %v", settled, err)
	}
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "+1000", 100)
	c := f.goaTrip(t)
	f.register(t, "+1001", 600)
	if _, err := f.engine.LockFunds(ctx, c.ID, "+1001"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.engine.AddParticipant(ctx, c.ID, "+1002"); err != nil {
		t.Fatalf("add: %v", err)
	}

	report, err := f.engine.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.CompletionPercentage != 33 {
		t.Fatalf("completion = %v", report.CompletionPercentage)
	}
	if report.DaysUntilDeadline != 7 {
		t.Fatalf("days = %d", report.DaysUntilDeadline)
	}
	if len(report.Locked) != 1 || len(report.Pending) != 1 {
		t.Fatalf("lists: %+v", report)
	}
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatpay/retry"
)

func TestToMinor(t *testing.T) {
	cases := []struct {
		in      float64
		want    uint64
		wantErr bool
	}{
		{1, 1_000_000, false},
		{0.000001, 1, false},
		{5.5, 5_500_000, false},
		{0, 0, false},
		{-1, 0, true},
		{0.0000001, 0, true},
	}
	for _, tc := range cases {
		got, err := ToMinor(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ToMinor(%v): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ToMinor(%v): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToMinor(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDeriveAccountAddressShape(t *testing.T) {
	acct, err := DeriveAccount()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(acct.Address) != 58 {
		t.Fatalf("address length = %d, want 58", len(acct.Address))
	}
	if !ValidAddress(acct.Address) {
		t.Fatalf("derived address fails validation: %s", acct.Address)
	}
	if len(strings.Fields(acct.Mnemonic)) != 24 {
		t.Fatalf("mnemonic words = %d, want 24", len(strings.Fields(acct.Mnemonic)))
	}
	recovered, err := AddressFromSecret(acct.Secret)
	if err != nil {
		t.Fatalf("address from secret: %v", err)
	}
	if recovered != acct.Address {
		t.Fatal("address not stable across re-derivation")
	}
}

func TestValidAddressRejectsCorruption(t *testing.T) {
	acct, err := DeriveAccount()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	corrupted := []byte(acct.Address)
	if corrupted[0] == 'A' {
		corrupted[0] = 'B'
	} else {
		corrupted[0] = 'A'
	}
	if ValidAddress(string(corrupted)) {
		t.Fatal("corrupted address passed checksum")
	}
	if ValidAddress("short") {
		t.Fatal("short address accepted")
	}
}

func TestEndpointPoolFailover(t *testing.T) {
	pool := newEndpointPool(Endpoint{URL: "a"}, Endpoint{URL: "b"}, Endpoint{URL: "c"})
	if pool.Current().URL != "a" {
		t.Fatal("expected primary first")
	}
	pool.RecordFailure()
	if pool.Current().URL != "a" {
		t.Fatal("single failure must not rotate")
	}
	pool.RecordFailure()
	if pool.Current().URL != "b" {
		t.Fatalf("expected rotation to b, got %s", pool.Current().URL)
	}
	pool.RecordSuccess()
	pool.RecordFailure()
	pool.RecordFailure()
	if pool.Current().URL != "c" {
		t.Fatalf("expected rotation to c, got %s", pool.Current().URL)
	}
	// Full cycle resets back to the primary.
	pool.RecordFailure()
	pool.RecordFailure()
	pool.RecordFailure()
	pool.RecordFailure()
	if pool.Current().URL != "a" {
		t.Fatalf("expected reset to primary, got %s", pool.Current().URL)
	}
}

func TestSendPaymentConfirms(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transactions":
			var envelope signedTx
			if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
				t.Errorf("decode envelope: %v", err)
			}
			if envelope.Sig == "" || envelope.Txn.Type != "pay" {
				t.Errorf("unexpected envelope: %+v", envelope)
			}
			if envelope.Txn.Amount != 5_000_000 {
				t.Errorf("amount = %d, want 5000000", envelope.Txn.Amount)
			}
			json.NewEncoder(w).Encode(submitResponse{TxID: "TX123"})
		case strings.HasPrefix(r.URL.Path, "/v2/transactions/pending/"):
			confirmed := uint64(0)
			if polls.Add(1) >= 2 {
				confirmed = 10
			}
			json.NewEncoder(w).Encode(PendingTxInfo{TxID: "TX123", ConfirmedRound: confirmed})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Endpoint{URL: srv.URL}, Endpoint{URL: srv.URL}, WithRoundWait(time.Millisecond))
	acct, err := DeriveAccount()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	txID, err := client.SendPayment(context.Background(), acct.Secret, acct.Address, 5.0, "lunch")
	if err != nil {
		t.Fatalf("send payment: %v", err)
	}
	if txID != "TX123" {
		t.Fatalf("tx id = %s", txID)
	}
}

// Sustained endpoint failures open the breaker: calls stop reaching the
// endpoint until the recovery window elapses, then a single trial call is
// let through.
func TestClientBreakerOpensOnEndpointFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Endpoint{URL: srv.URL}, Endpoint{URL: srv.URL})
	now := time.Now()
	client.breaker.SetNowFunc(func() time.Time { return now })

	ctx := context.Background()
	for i := 0; i < breakerFailureThreshold; i++ {
		if _, err := client.Balance(ctx, "ADDR"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if got := hits.Load(); got != breakerFailureThreshold {
		t.Fatalf("endpoint hits = %d, want %d", got, breakerFailureThreshold)
	}

	if _, err := client.Balance(ctx, "ADDR"); !errors.Is(err, retry.ErrBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := hits.Load(); got != breakerFailureThreshold {
		t.Fatalf("open breaker reached the endpoint: hits = %d", got)
	}

	// After the recovery window one trial call goes through again.
	now = now.Add(breakerRecoveryTimeout)
	if _, err := client.Balance(ctx, "ADDR"); errors.Is(err, retry.ErrBreakerOpen) {
		t.Fatal("half-open breaker rejected the trial call")
	}
	if got := hits.Load(); got != breakerFailureThreshold+1 {
		t.Fatalf("trial call missing: hits = %d", got)
	}
}

// Ledger rejections are terminal, not connectivity loss: they must never
// open the circuit.
func TestClientBreakerIgnoresLedgerRejections(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad transaction", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Endpoint{URL: srv.URL}, Endpoint{URL: srv.URL})
	ctx := context.Background()
	for i := 0; i < breakerFailureThreshold+2; i++ {
		if _, err := client.Balance(ctx, "ADDR"); errors.Is(err, retry.ErrBreakerOpen) {
			t.Fatalf("call %d: breaker opened on a ledger rejection", i)
		}
	}
	if got := hits.Load(); got != breakerFailureThreshold+2 {
		t.Fatalf("endpoint hits = %d, want %d", got, breakerFailureThreshold+2)
	}
}

func TestSendPaymentPoolErrorMapsToFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(submitResponse{TxID: "TXBAD"})
		default:
			json.NewEncoder(w).Encode(PendingTxInfo{TxID: "TXBAD", PoolError: "overspend: account has 0"})
		}
	}))
	defer srv.Close()

	client := NewClient(Endpoint{URL: srv.URL}, Endpoint{URL: srv.URL}, WithRoundWait(time.Millisecond))
	acct, _ := DeriveAccount()
	_, err := client.SendPayment(context.Background(), acct.Secret, acct.Address, 5.0, "")
	if err == nil {
		t.Fatal("expected pool error")
	}
}

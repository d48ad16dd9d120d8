package command

import (
	"strings"
	"testing"

	"chatpay/errs"
)

func TestParsePay(t *testing.T) {
	cmd, err := Parse("pay 5 to +14155550002 for lunch")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindPay || cmd.Amount != 5 || cmd.Target != "+14155550002" || cmd.Note != "lunch" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.TargetIsAddress {
		t.Fatal("phone target flagged as address")
	}
}

func TestParsePayToAddress(t *testing.T) {
	addr := strings.Repeat("A", 54) + "2345"
	cmd, err := Parse("send 0.5 to " + addr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindPay || !cmd.TargetIsAddress || cmd.Target != addr {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParsePayToNickname(t *testing.T) {
	cmd, err := Parse("pay 10 to Mom")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindPay || cmd.Target != "mom" || cmd.TargetIsAddress {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseAmountBoundaries(t *testing.T) {
	cases := []string{"0", "-1", "1000001", "1.1234567", "abc"}
	for _, raw := range cases {
		if _, err := ParseAmount(raw); errs.KindOf(err) != errs.KindValidation {
			t.Errorf("ParseAmount(%q): want validation error, got %v", raw, err)
		}
	}
	if v, err := ParseAmount("1000000"); err != nil || v != 1_000_000 {
		t.Errorf("ParseAmount(1000000) = %v, %v", v, err)
	}
	if v, err := ParseAmount("0.123456"); err != nil || v != 0.123456 {
		t.Errorf("ParseAmount(0.123456) = %v, %v", v, err)
	}
}

func TestNormalizePhone(t *testing.T) {
	if got, err := NormalizePhone("14155550001"); err != nil || got != "+14155550001" {
		t.Fatalf("missing plus not normalized: %q %v", got, err)
	}
	for _, raw := range []string{"+123456789", "+1234567890123456", "+1-800-FLOWERS"} {
		if _, err := NormalizePhone(raw); errs.KindOf(err) != errs.KindValidation {
			t.Errorf("NormalizePhone(%q): want validation error, got %v", raw, err)
		}
	}
}

func TestParseSplitDeduplicatesParticipants(t *testing.T) {
	cmd, err := Parse("split 40 with +14155550002, +14155550003 and +14155550002 for dinner")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindSplit || cmd.Amount != 40 || cmd.Note != "dinner" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if len(cmd.Phones) != 2 || cmd.Phones[0] != "+14155550002" || cmd.Phones[1] != "+14155550003" {
		t.Fatalf("participants: %v", cmd.Phones)
	}
}

func TestParseCreateCommitment(t *testing.T) {
	cmd, err := Parse("create commitment Goa Trip amount 500 people 3 days 7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindCreateCommitment || cmd.Title != "Goa Trip" || cmd.Amount != 500 ||
		cmd.Count != 3 || cmd.Days != 7 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseCommitShortcutWithoutRef(t *testing.T) {
	cmd, err := Parse("commit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindCommitFunds || cmd.Ref != 0 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	cmd, err = Parse("lock funds to #12")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindCommitFunds || cmd.Ref != 12 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseAddParticipantShortcut(t *testing.T) {
	cmd, err := Parse("add +14155550004")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindAddParticipant || cmd.Target != "+14155550004" || cmd.Ref != 0 {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	cmd, err = Parse("add +14155550004 to commitment 9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Ref != 9 {
		t.Fatalf("unexpected ref: %+v", cmd)
	}
}

func TestParseFixedForms(t *testing.T) {
	cases := map[string]Kind{
		"help":           KindHelp,
		"MENU":           KindMenu,
		"balance":        KindBalance,
		"my balance":     KindBalance,
		"history":        KindHistory,
		"my splits":      KindMySplits,
		"my tickets":     KindMyTickets,
		"my commitments": KindMyCommitments,
		"reliability":    KindReliability,
		"funds":          KindListFunds,
		"list events":    KindListEvents,
		"demo stats":     KindDemoStats,
		"gibberish here": KindUnknown,
	}
	for text, want := range cases {
		cmd, err := Parse(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if cmd.Kind != want {
			t.Errorf("Parse(%q).Kind = %s, want %s", text, cmd.Kind, want)
		}
	}
}

func TestNaturalLanguagePreemptsAtHighConfidence(t *testing.T) {
	cmd, err := Parse("how much do i have?")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindBalance || cmd.Confidence < 0.8 {
		t.Fatalf("unexpected command: %+v", cmd)
	}

	cmd, err = Parse("please send 5 to +14155550001 when you can")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindPay || cmd.Amount != 5 || cmd.Target != "+14155550001" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestParseVerifyTicketUppercases(t *testing.T) {
	cmd, err := Parse("verify ticket goa-1a2b3c4d5e6f")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != KindVerifyTicket || cmd.TicketNumber != "GOA-1A2B3C4D5E6F" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

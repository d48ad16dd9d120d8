// Package command turns free-form chat text into typed commands. A regex
// table is the primary parser; a keyword heuristic provides a natural
// language fallback that wins only at high confidence.
package command

// Kind tags the command variant. The set is closed.
type Kind string

const (
	KindHelp             Kind = "HELP"
	KindMenu             Kind = "MENU"
	KindBalance          Kind = "BALANCE"
	KindPay              Kind = "PAY"
	KindSplit            Kind = "SPLIT"
	KindPaySplit         Kind = "PAY_SPLIT"
	KindViewSplit        Kind = "VIEW_SPLIT"
	KindMySplits         Kind = "MY_SPLITS"
	KindCreateFund       Kind = "CREATE_FUND"
	KindContribute       Kind = "CONTRIBUTE"
	KindViewFund         Kind = "VIEW_FUND"
	KindListFunds        Kind = "LIST_FUNDS"
	KindBuyTicket        Kind = "BUY_TICKET"
	KindVerifyTicket     Kind = "VERIFY_TICKET"
	KindMyTickets        Kind = "MY_TICKETS"
	KindListEvents       Kind = "LIST_EVENTS"
	KindHistory          Kind = "HISTORY"
	KindDemoStats        Kind = "DEMO_STATS"
	KindCreateCommitment Kind = "CREATE_COMMITMENT"
	KindCommitFunds      Kind = "COMMIT_FUNDS"
	KindViewCommitment   Kind = "VIEW_COMMITMENT"
	KindCancelCommitment Kind = "CANCEL_COMMITMENT"
	KindAddParticipant   Kind = "ADD_PARTICIPANT"
	KindReliability      Kind = "RELIABILITY"
	KindMyCommitments    Kind = "MY_COMMITMENTS"
	KindAddContact       Kind = "ADD_CONTACT"
	KindUnknown          Kind = "UNKNOWN"
)

// Command is the parsed form of one message. Only the slots relevant to the
// Kind are populated.
type Command struct {
	Kind Kind

	// Amount in ledger base units.
	Amount float64
	// Target is a normalized phone, a raw ledger address, or a contact
	// nickname; the router resolves it.
	Target string
	// TargetIsAddress marks Target as a raw ledger address.
	TargetIsAddress bool
	// Phones holds normalized participant phones for SPLIT and friends.
	Phones []string
	// Note or description attached to the operation.
	Note string
	// Title for funds and commitments.
	Title string
	// Ref identifies a split, fund, or commitment by numeric id. Zero means
	// absent (shortcut commands resolve it from conversation context).
	Ref uint
	// Count is total_participants for CREATE_COMMITMENT.
	Count int
	// Hours until deadline for CREATE_FUND; Days for CREATE_COMMITMENT.
	Hours int
	Days  int
	// Event name or id text for BUY_TICKET.
	Event string
	// TicketNumber for VERIFY_TICKET.
	TicketNumber string
	// Nickname for ADD_CONTACT.
	Nickname string

	// Confidence is set by the natural-language fallback, 1.0 for regex hits.
	Confidence float64
}

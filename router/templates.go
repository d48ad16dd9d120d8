package router

import (
	"errors"
	"fmt"
	"strings"

	"chatpay/commitments"
	"chatpay/errs"
	"chatpay/storage/models"
)

const helpText = `ChatPay commands:
balance - show your wallet balance
pay <amount> to <phone|nickname|address> [for <note>]
split <amount> with <phone> [<phone> ...] [for <note>]
pay split <id> | view split <id> | my splits
create fund <title> goal <amount> [hours <n>]
contribute <amount> to fund <id> | view fund <id> | list funds
buy ticket <event> | my tickets | list events | verify ticket <number>
create commitment <title> amount <amt> people <n> [days <n>]
commit <id> | view commitment <id> | cancel commitment <id>
add <phone> to commitment <id> | my commitments | reliability
save <phone> as <nickname> | history | help`

const menuText = `1. Balance  2. Pay  3. Split a bill  4. Group fund
5. Event tickets  6. Payment commitment  7. History
Reply with a command, e.g. "pay 10 to +14155550100".`

func renderBalance(address string, balance float64) string {
	return fmt.Sprintf("Balance: %.6f\nAddress: %s", balance, address)
}

func renderPayment(tx *models.Transaction) string {
	txid := ""
	if tx.TxID != nil {
		txid = *tx.TxID
	}
	if tx.Note != "" {
		return fmt.Sprintf("Sent %.6f to %s for %q. Tx %s", tx.Amount, tx.ReceiverPhone, tx.Note, txid)
	}
	return fmt.Sprintf("Sent %.6f to %s. Tx %s", tx.Amount, tx.ReceiverPhone, txid)
}

func renderSplitCreated(bill *models.SplitBill) string {
	return fmt.Sprintf("Split #%d created: %.6f across %d people (%.6f each). Participants have been asked to pay.",
		bill.ID, bill.TotalAmount, len(bill.Payments), bill.AmountPerPerson)
}

func renderSplit(bill *models.SplitBill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Split #%d %q: %.6f total, %.6f each [%s]\n",
		bill.ID, bill.Description, bill.TotalAmount, bill.AmountPerPerson, bill.Status)
	for _, p := range bill.Payments {
		mark := "unpaid"
		if p.IsPaid {
			mark = "paid"
		}
		fmt.Fprintf(&b, "  %s: %s\n", p.ParticipantPhone, mark)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSplitPaid(bill *models.SplitBill) string {
	if bill.Status == models.SplitStatusCompleted {
		return fmt.Sprintf("Paid your share of split #%d. Everyone has paid, split settled.", bill.ID)
	}
	return fmt.Sprintf("Paid your share of split #%d.", bill.ID)
}

func renderFund(fund *models.Fund) string {
	status := "open"
	if fund.IsGoalMet {
		status = "goal met"
	} else if !fund.IsActive {
		status = "closed"
	}
	return fmt.Sprintf("Fund #%d %q: %.6f of %.6f (%s), deadline %s",
		fund.ID, fund.Title, fund.CurrentAmount, fund.GoalAmount, status,
		fund.Deadline.Format("Jan 2 15:04"))
}

func renderTicket(ticket *models.Ticket, event *models.Event) string {
	return fmt.Sprintf("Ticket %s for %q on %s. Show this number at the door.",
		ticket.TicketNumber, event.Name, event.Date.Format("Jan 2 15:04"))
}

func renderCommitmentCreated(c *models.PaymentCommitment) string {
	return fmt.Sprintf("Commitment #%d %q created: %.6f per person, %d people, deadline %s. Share the id so participants can run \"commit %d\".",
		c.ID, c.Title, c.AmountPerPerson, c.TotalParticipants, c.Deadline.Format("Jan 2 15:04"), c.ID)
}

func renderCommitmentStatus(report *commitments.StatusReport) string {
	c := report.Commitment
	return fmt.Sprintf("Commitment #%d %q [%s]: %d/%d locked (%.6f held, %.0f%%), %d days to deadline.",
		c.ID, c.Title, c.Status, c.ParticipantsLocked, c.TotalParticipants,
		c.TotalLocked, report.CompletionPercentage, report.DaysUntilDeadline)
}

func renderReliability(score *models.ReliabilityScore) string {
	return fmt.Sprintf("Reliability: %d%% (%d fulfilled on time, %d missed, %d total).",
		score.Score, score.FulfilledOnTime, score.Missed, score.TotalCommitments)
}

func renderHistory(txs []models.Transaction, phone string) string {
	if len(txs) == 0 {
		return "No transactions yet."
	}
	var b strings.Builder
	b.WriteString("Recent transactions:\n")
	for _, tx := range txs {
		direction := "to " + tx.ReceiverPhone
		if tx.ReceiverPhone == phone {
			direction = "from " + tx.SenderPhone
		}
		fmt.Fprintf(&b, "  %s %.6f %s [%s]\n",
			tx.Timestamp.Format("Jan 2"), tx.Amount, direction, tx.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderEvents(events []models.Event) string {
	if len(events) == 0 {
		return "No upcoming events."
	}
	var b strings.Builder
	b.WriteString("Upcoming events:\n")
	for _, ev := range events {
		left := ev.TotalCapacity - ev.TicketsSold
		fmt.Fprintf(&b, "  #%d %s on %s, %.6f (%d left)\n",
			ev.ID, ev.Name, ev.Date.Format("Jan 2"), ev.TicketPrice, left)
	}
	return strings.TrimRight(b.String(), "\n")
}

// errorReply maps a failure kind to a user-facing message. Correlation ids are
// included only for kinds where support lookup makes sense; causes never leak
// internals.
func errorReply(err error) string {
	if err == nil {
		return ""
	}
	kind := errs.KindOf(err)
	switch kind {
	case errs.KindValidation:
		return "That doesn't look right: " + userMessage(err) + "\nSend \"help\" for the command list."
	case errs.KindNotFound:
		return "Not found: " + userMessage(err)
	case errs.KindState:
		return "Can't do that right now: " + userMessage(err)
	case errs.KindInsufficientBalance:
		return "Insufficient balance. Top up your wallet and try again."
	case errs.KindLedgerTransient:
		return "The payment network is slow right now. Your request was not charged, please retry in a minute."
	case errs.KindLedgerFailure:
		return "The payment was rejected by the network. No funds moved. " + supportSuffix(err)
	case errs.KindRateLimited:
		return "Too many messages. Wait a minute and try again."
	case errs.KindSecurity:
		return "That message can't be processed. " + supportSuffix(err)
	default:
		return "Something went wrong on our side. " + supportSuffix(err)
	}
}

// userMessage strips the package prefix convention ("pkg: detail") so replies
// read naturally.
func userMessage(err error) string {
	var e *errs.Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Msg
	}
	if idx := strings.Index(msg, ": "); idx > 0 && !strings.Contains(msg[:idx], " ") {
		msg = msg[idx+2:]
	}
	return msg
}

func supportSuffix(err error) string {
	if id := errs.CorrelationID(err); id != "" {
		return fmt.Sprintf("Reference %s if you contact support.", id)
	}
	return "Please try again later."
}

// Package router turns inbound chat messages into service calls and rendered
// replies. It owns identifier normalization, rate limiting, conversation
// state, and the error-kind to reply-template mapping.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"chatpay/command"
	"chatpay/commitments"
	"chatpay/conversation"
	"chatpay/errs"
	"chatpay/funds"
	"chatpay/notify"
	"chatpay/observability"
	"chatpay/payments"
	"chatpay/splits"
	"chatpay/storage/models"
	"chatpay/tickets"
	"chatpay/wallet"
)

const contextLastCommitment = "last_commitment_id"

// Deps collects the collaborating services the router dispatches to.
type Deps struct {
	DB          *gorm.DB
	Wallets     *wallet.Service
	Payments    *payments.Service
	Splits      *splits.Service
	Funds       *funds.Service
	Tickets     *tickets.Service
	Commitments *commitments.Engine
	Notifier    notify.Dispatcher
	Log         *slog.Logger
}

// Router handles one message at a time per call; all shared state lives in
// the conversation stores and the database.
type Router struct {
	db            *gorm.DB
	wallets       *wallet.Service
	payments      *payments.Service
	splits        *splits.Service
	funds         *funds.Service
	tickets       *tickets.Service
	commitments   *commitments.Engine
	notifier      notify.Dispatcher
	conversations *conversation.Store
	contexts      *conversation.ContextStore
	limiter       *limiterStore
	log           *slog.Logger
	nowFn         func() time.Time
}

type Option func(*Router)

// WithRateLimit enables the per-identifier sliding window. Zero disables it.
func WithRateLimit(perMinute int) Option {
	return func(r *Router) {
		if perMinute > 0 {
			r.limiter = newLimiterStore(perMinute)
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.nowFn = now
		r.conversations = conversation.NewStore(conversation.WithClock(now))
		r.contexts.SetNowFunc(now)
	}
}

func New(deps Deps, opts ...Option) *Router {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		db:            deps.DB,
		wallets:       deps.Wallets,
		payments:      deps.Payments,
		splits:        deps.Splits,
		funds:         deps.Funds,
		tickets:       deps.Tickets,
		commitments:   deps.Commitments,
		notifier:      deps.Notifier,
		conversations: conversation.NewStore(),
		contexts:      conversation.NewContextStore(conversation.DefaultTTL),
		log:           log,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound message and returns the rendered reply. The
// reply is also pushed through the notification dispatcher so transports that
// deliver asynchronously receive it.
func (r *Router) Handle(ctx context.Context, identifier, text, transport string) string {
	started := r.nowFn()
	kind := command.KindUnknown
	defer func() {
		observability.Messages().ObserveMessage(transport, string(kind), time.Since(started))
	}()

	phone, err := normalizeIdentifier(identifier)
	if err != nil {
		observability.Messages().ObserveError(string(kind), string(errs.KindValidation))
		return errorReply(err)
	}

	if r.limiter != nil && !r.limiter.Allow(phone) {
		observability.Messages().ObserveRateLimited(transport)
		return errorReply(errs.New(errs.KindRateLimited, "router: rate limit exceeded"))
	}

	if !screen(text) {
		err, correlationID := errs.WithCorrelation(errs.New(errs.KindSecurity, "router: message failed security screening"))
		r.log.Warn("message rejected by security screen",
			"user", phone, "transport", transport, "correlation_id", correlationID)
		observability.Messages().ObserveError(string(kind), string(errs.KindSecurity))
		return errorReply(err)
	}

	reply := r.route(ctx, phone, text, &kind)
	r.dispatchReply(ctx, phone, reply)
	return reply
}

func (r *Router) route(ctx context.Context, phone, text string, kind *command.Kind) string {
	trimmed := strings.TrimSpace(text)

	if st := r.conversations.Get(phone); st != nil {
		if strings.EqualFold(trimmed, "cancel") {
			r.conversations.Clear(phone)
			return "Okay, cancelled. Nothing was created."
		}
		return r.advanceFlow(ctx, phone, st, trimmed)
	}

	if reply, started := r.maybeStartFlow(phone, trimmed); started {
		return reply
	}

	cmd, err := command.Parse(text)
	if err != nil {
		observability.Messages().ObserveError(string(command.KindUnknown), string(errs.KindOf(err)))
		return errorReply(err)
	}
	*kind = cmd.Kind

	reply, err := r.dispatch(ctx, phone, cmd)
	if err != nil {
		k := errs.KindOf(err)
		if k == errs.KindInternal {
			var correlationID string
			err, correlationID = errs.WithCorrelation(err)
			r.log.Error("command failed", "user", phone, "command", string(cmd.Kind),
				"correlation_id", correlationID, "err", err)
		}
		observability.Messages().ObserveError(string(cmd.Kind), string(k))
		return errorReply(err)
	}
	return reply
}

func (r *Router) dispatch(ctx context.Context, phone string, cmd command.Command) (string, error) {
	switch cmd.Kind {
	case command.KindHelp:
		return helpText, nil

	case command.KindMenu:
		return menuText, nil

	case command.KindBalance:
		user, err := r.wallets.GetOrCreate(ctx, phone)
		if err != nil {
			return "", err
		}
		balance, err := r.wallets.Balance(ctx, phone)
		if err != nil {
			return "", err
		}
		return renderBalance(user.WalletAddress, balance), nil

	case command.KindPay:
		return r.handlePay(ctx, phone, cmd)

	case command.KindSplit:
		bill, err := r.splits.Create(ctx, phone, cmd.Amount, cmd.Phones, cmd.Note)
		if err != nil {
			return "", err
		}
		return renderSplitCreated(bill), nil

	case command.KindPaySplit:
		bill, err := r.splits.PayShare(ctx, cmd.Ref, phone)
		if err != nil {
			return "", err
		}
		return renderSplitPaid(bill), nil

	case command.KindViewSplit:
		bill, err := r.splits.Get(ctx, cmd.Ref)
		if err != nil {
			return "", err
		}
		return renderSplit(bill), nil

	case command.KindMySplits:
		bills, err := r.splits.ForUser(ctx, phone)
		if err != nil {
			return "", err
		}
		if len(bills) == 0 {
			return "You have no split bills.", nil
		}
		var b strings.Builder
		b.WriteString("Your splits:\n")
		for _, bill := range bills {
			fmt.Fprintf(&b, "  #%d %q %.6f [%s]\n", bill.ID, bill.Description, bill.TotalAmount, bill.Status)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case command.KindCreateFund:
		fund, err := r.funds.Create(ctx, phone, cmd.Title, cmd.Amount, cmd.Hours)
		if err != nil {
			return "", err
		}
		return renderFund(fund) + fmt.Sprintf("\nOthers can join with \"contribute <amount> to fund %d\".", fund.ID), nil

	case command.KindContribute:
		fund, err := r.funds.Contribute(ctx, cmd.Ref, phone, cmd.Amount)
		if err != nil {
			return "", err
		}
		return "Contribution received.\n" + renderFund(fund), nil

	case command.KindViewFund:
		fund, err := r.funds.Get(ctx, cmd.Ref)
		if err != nil {
			return "", err
		}
		return renderFund(fund), nil

	case command.KindListFunds:
		active, err := r.funds.Active(ctx)
		if err != nil {
			return "", err
		}
		if len(active) == 0 {
			return "No active funds.", nil
		}
		var b strings.Builder
		b.WriteString("Active funds:\n")
		for _, fund := range active {
			fmt.Fprintf(&b, "  #%d %q %.6f of %.6f\n", fund.ID, fund.Title, fund.CurrentAmount, fund.GoalAmount)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case command.KindBuyTicket:
		ticket, event, err := r.tickets.Purchase(ctx, phone, cmd.Event)
		if err != nil {
			return "", err
		}
		return renderTicket(ticket, event), nil

	case command.KindVerifyTicket:
		return r.handleVerifyTicket(ctx, cmd.TicketNumber)

	case command.KindMyTickets:
		owned, err := r.tickets.ForUser(ctx, phone)
		if err != nil {
			return "", err
		}
		if len(owned) == 0 {
			return "You have no tickets.", nil
		}
		var b strings.Builder
		b.WriteString("Your tickets:\n")
		for _, t := range owned {
			state := "valid"
			if t.IsUsed {
				state = "used"
			} else if !t.IsValid {
				state = "void"
			}
			fmt.Fprintf(&b, "  %s for %s [%s]\n", t.TicketNumber, t.EventName, state)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case command.KindListEvents:
		events, err := r.tickets.Events(ctx)
		if err != nil {
			return "", err
		}
		return renderEvents(events), nil

	case command.KindHistory:
		txs, err := r.payments.History(ctx, phone, payments.DefaultHistoryLimit)
		if err != nil {
			return "", err
		}
		return renderHistory(txs, phone), nil

	case command.KindDemoStats:
		return r.handleDemoStats(ctx)

	case command.KindCreateCommitment:
		deadline := r.nowFn().AddDate(0, 0, cmd.Days)
		commitment, err := r.commitments.Create(ctx, phone, cmd.Title, cmd.Note, cmd.Amount, cmd.Count, deadline)
		if err != nil {
			return "", err
		}
		r.contexts.Set(phone, contextLastCommitment, strconv.FormatUint(uint64(commitment.ID), 10))
		return renderCommitmentCreated(commitment), nil

	case command.KindCommitFunds:
		ref, err := r.resolveCommitmentRef(phone, cmd.Ref)
		if err != nil {
			return "", err
		}
		participant, err := r.commitments.LockFunds(ctx, ref, phone)
		if err != nil {
			return "", err
		}
		r.contexts.Set(phone, contextLastCommitment, strconv.FormatUint(uint64(ref), 10))
		return fmt.Sprintf("Locked %.6f into commitment #%d. You'll be refunded if it's cancelled.",
			participant.Amount, ref), nil

	case command.KindViewCommitment:
		ref, err := r.resolveCommitmentRef(phone, cmd.Ref)
		if err != nil {
			return "", err
		}
		report, err := r.commitments.Status(ctx, ref)
		if err != nil {
			return "", err
		}
		return renderCommitmentStatus(report), nil

	case command.KindCancelCommitment:
		ref, err := r.resolveCommitmentRef(phone, cmd.Ref)
		if err != nil {
			return "", err
		}
		commitment, err := r.commitments.Cancel(ctx, ref, phone)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Commitment #%d cancelled. Locked funds are being refunded.", commitment.ID), nil

	case command.KindAddParticipant:
		return r.handleAddParticipant(ctx, phone, cmd)

	case command.KindReliability:
		score, err := r.commitments.Reliability(ctx, phone)
		if err != nil {
			return "", err
		}
		return renderReliability(score), nil

	case command.KindMyCommitments:
		list, err := r.commitments.ForUser(ctx, phone)
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "You have no commitments.", nil
		}
		var b strings.Builder
		b.WriteString("Your commitments:\n")
		for _, c := range list {
			fmt.Fprintf(&b, "  #%d %q %d/%d locked [%s]\n",
				c.ID, c.Title, c.ParticipantsLocked, c.TotalParticipants, c.Status)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case command.KindAddContact:
		contactPhone, err := command.NormalizePhone(cmd.Target)
		if err != nil {
			return "", err
		}
		if err := r.wallets.SaveContact(ctx, phone, cmd.Nickname, contactPhone); err != nil {
			return "", err
		}
		return fmt.Sprintf("Saved %s as %q. You can now \"pay 10 to %s\".", contactPhone, cmd.Nickname, cmd.Nickname), nil

	default:
		return "I didn't understand that. Send \"help\" for the command list.", nil
	}
}

func (r *Router) handlePay(ctx context.Context, phone string, cmd command.Command) (string, error) {
	if cmd.TargetIsAddress {
		tx, err := r.payments.SendToAddress(ctx, phone, cmd.Target, cmd.Amount, cmd.Note)
		if err != nil {
			return "", err
		}
		txid := ""
		if tx.TxID != nil {
			txid = *tx.TxID
		}
		return fmt.Sprintf("Sent %.6f to %s. Tx %s", tx.Amount, shortAddress(tx.ReceiverAddress), txid), nil
	}

	receiver, err := command.NormalizePhone(cmd.Target)
	if err != nil {
		receiver, err = r.wallets.ResolveContact(ctx, phone, strings.ToLower(cmd.Target))
		if err != nil {
			return "", errs.Newf(errs.KindNotFound, "router: no contact named %q; save one with \"save %s <phone>\"", cmd.Target, cmd.Target)
		}
	}
	tx, err := r.payments.Send(ctx, phone, receiver, cmd.Amount, cmd.Note)
	if err != nil {
		return "", err
	}
	return renderPayment(tx), nil
}

func (r *Router) handleVerifyTicket(ctx context.Context, ticketNumber string) (string, error) {
	ok, ticket, err := r.tickets.Verify(ctx, ticketNumber)
	if err != nil {
		return "", err
	}
	if ticket == nil {
		return fmt.Sprintf("Ticket %s is not recognized. Entry denied.", ticketNumber), nil
	}
	if !ok {
		return fmt.Sprintf("Ticket %s is not valid for entry.", ticketNumber), nil
	}
	if _, err := r.tickets.MarkUsed(ctx, ticketNumber); err != nil {
		return "", err
	}
	return fmt.Sprintf("Ticket %s verified for %q. Admit one.", ticketNumber, ticket.EventName), nil
}

func (r *Router) handleAddParticipant(ctx context.Context, phone string, cmd command.Command) (string, error) {
	ref, err := r.resolveCommitmentRef(phone, cmd.Ref)
	if err != nil {
		return "", err
	}
	participantPhone, err := command.NormalizePhone(cmd.Target)
	if err != nil {
		participantPhone, err = r.wallets.ResolveContact(ctx, phone, strings.ToLower(cmd.Target))
		if err != nil {
			return "", errs.Newf(errs.KindNotFound, "router: no contact named %q", cmd.Target)
		}
	}
	if _, err := r.commitments.AddParticipant(ctx, ref, participantPhone); err != nil {
		return "", err
	}
	r.contexts.Set(phone, contextLastCommitment, strconv.FormatUint(uint64(ref), 10))
	return fmt.Sprintf("Added %s to commitment #%d. They can lock funds with \"commit %d\".",
		participantPhone, ref, ref), nil
}

func (r *Router) handleDemoStats(ctx context.Context) (string, error) {
	type counted struct {
		label string
		model any
	}
	var b strings.Builder
	b.WriteString("Platform stats:\n")
	for _, c := range []counted{
		{"users", &models.User{}},
		{"transactions", &models.Transaction{}},
		{"splits", &models.SplitBill{}},
		{"funds", &models.Fund{}},
		{"tickets", &models.Ticket{}},
		{"commitments", &models.PaymentCommitment{}},
	} {
		var n int64
		if err := r.db.WithContext(ctx).Model(c.model).Count(&n).Error; err != nil {
			return "", errs.Wrap(errs.KindInternal, "router: count "+c.label, err)
		}
		fmt.Fprintf(&b, "  %s: %d\n", c.label, n)
	}
	var volume float64
	row := r.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("status = ?", models.TxStatusConfirmed).
		Select("COALESCE(SUM(amount), 0)").Row()
	if err := row.Scan(&volume); err != nil {
		return "", errs.Wrap(errs.KindInternal, "router: sum confirmed volume", err)
	}
	fmt.Fprintf(&b, "  confirmed volume: %.6f", volume)
	return b.String(), nil
}

// resolveCommitmentRef turns a shortcut (ref 0) into the user's most recent
// commitment id from conversation context.
func (r *Router) resolveCommitmentRef(phone string, ref uint) (uint, error) {
	if ref != 0 {
		return ref, nil
	}
	hint := r.contexts.Get(phone, contextLastCommitment)
	if hint == "" {
		return 0, errs.New(errs.KindValidation, "router: no recent commitment; use the numeric id, e.g. \"commit 12\"")
	}
	parsed, err := strconv.ParseUint(hint, 10, 32)
	if err != nil {
		return 0, errs.New(errs.KindValidation, "router: no recent commitment; use the numeric id")
	}
	return uint(parsed), nil
}

func (r *Router) dispatchReply(ctx context.Context, phone, reply string) {
	if r.notifier == nil || reply == "" {
		return
	}
	if err := r.notifier.Send(ctx, phone, reply); err != nil {
		r.log.Warn("reply dispatch failed", "user", phone, "err", err)
	}
}

// normalizeIdentifier strips transport prefixes such as "whatsapp:" and
// canonicalizes the remainder as a phone number.
func normalizeIdentifier(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if idx := strings.LastIndex(id, ":"); idx >= 0 {
		id = id[idx+1:]
	}
	return command.NormalizePhone(id)
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chatpay/command"
	"chatpay/conversation"
)

const flowCreateCommitment = "create_commitment"

// Guided-flow steps for creating a commitment. The slot map carries the
// answers collected so far.
const (
	stepTitle = iota
	stepAmount
	stepCount
	stepDays
	stepConfirm
)

var tripStartRe = regexp.MustCompile(`(?i)^(?:make|plan|organize)\s+(?:a|an)\s+(.+?)\s+trip\s*$`)

// maybeStartFlow begins a guided conversation when the message matches a
// start pattern. It returns the first prompt and true on a match.
func (r *Router) maybeStartFlow(user, text string) (string, bool) {
	if m := tripStartRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		st := r.conversations.Begin(user, flowCreateCommitment)
		st.Slots["title"] = strings.TrimSpace(m[1]) + " trip"
		st.Step = stepAmount
		r.conversations.Touch(user, st)
		return fmt.Sprintf("Let's set up %q. How much should each person lock?", st.Slots["title"]), true
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "new commitment", "start commitment":
		r.conversations.Begin(user, flowCreateCommitment)
		return "Let's set up a commitment. What should it be called?", true
	}
	return "", false
}

// advanceFlow feeds one message into the user's active conversation. The
// handler either advances the step, rejects the answer with a slot-specific
// prompt, or completes the flow.
func (r *Router) advanceFlow(ctx context.Context, user string, st *conversation.State, text string) string {
	if st.Flow != flowCreateCommitment {
		r.conversations.Clear(user)
		return "That conversation is no longer available. Send \"help\" for commands."
	}
	answer := strings.TrimSpace(text)

	switch st.Step {
	case stepTitle:
		if answer == "" {
			return "What should the commitment be called?"
		}
		st.Slots["title"] = answer
		st.Step = stepAmount
		r.conversations.Touch(user, st)
		return "How much should each person lock?"

	case stepAmount:
		amount, err := command.ParseAmount(answer)
		if err != nil {
			return "That amount doesn't work. Send a positive number up to 1,000,000 with at most 6 decimals."
		}
		st.Slots["amount"] = strconv.FormatFloat(amount, 'f', -1, 64)
		st.Step = stepCount
		r.conversations.Touch(user, st)
		return "How many people in total, including you?"

	case stepCount:
		count, err := strconv.Atoi(answer)
		if err != nil || count < 2 || count > 100 {
			return "Send a number of people between 2 and 100."
		}
		st.Slots["count"] = strconv.Itoa(count)
		st.Step = stepDays
		r.conversations.Touch(user, st)
		return "How many days until the deadline? Send a number or \"default\" for 7."

	case stepDays:
		days := 7
		if answer != "" && !strings.EqualFold(answer, "default") {
			parsed, err := strconv.Atoi(answer)
			if err != nil || parsed < 1 || parsed > 90 {
				return "Send a number of days between 1 and 90, or \"default\"."
			}
			days = parsed
		}
		st.Slots["days"] = strconv.Itoa(days)
		st.Step = stepConfirm
		r.conversations.Touch(user, st)
		return fmt.Sprintf("Creating %q: %s per person, %s people, %d days to lock. Reply \"yes\" to confirm or \"cancel\" to abort.",
			st.Slots["title"], st.Slots["amount"], st.Slots["count"], days)

	case stepConfirm:
		switch strings.ToLower(answer) {
		case "yes", "y", "confirm":
		default:
			return "Reply \"yes\" to create the commitment or \"cancel\" to abort."
		}
		amount, _ := strconv.ParseFloat(st.Slots["amount"], 64)
		count, _ := strconv.Atoi(st.Slots["count"])
		days, _ := strconv.Atoi(st.Slots["days"])
		deadline := r.nowFn().AddDate(0, 0, days)
		commitment, err := r.commitments.Create(ctx, user, st.Slots["title"], "", amount, count, deadline)
		if err != nil {
			r.conversations.Clear(user)
			return errorReply(err)
		}
		r.conversations.Clear(user)
		r.contexts.Set(user, contextLastCommitment, strconv.FormatUint(uint64(commitment.ID), 10))
		return renderCommitmentCreated(commitment)
	}

	r.conversations.Clear(user)
	return "Something went wrong with that conversation. Please start again."
}

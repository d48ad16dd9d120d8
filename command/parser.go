package command

import (
	"regexp"
	"strconv"
	"strings"
)

type pattern struct {
	re      *regexp.Regexp
	extract func(m []string) (Command, error)
}

func re(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^` + expr + `$`)
}

func fixed(kind Kind) func([]string) (Command, error) {
	return func([]string) (Command, error) {
		return Command{Kind: kind, Confidence: 1}, nil
	}
}

// The table is ordered: the first full match wins, so longer or more specific
// forms sit above the shorter ones they would otherwise shadow.
var patterns = []pattern{
	{re(`(?:help|commands|\?)`), fixed(KindHelp)},
	{re(`(?:menu|start|hi|hello)`), fixed(KindMenu)},
	{re(`(?:check |my )?balance`), fixed(KindBalance)},
	{re(`(?:history|transactions)`), fixed(KindHistory)},
	{re(`(?:demo )?stats`), fixed(KindDemoStats)},
	{re(`my splits`), fixed(KindMySplits)},
	{re(`my tickets`), fixed(KindMyTickets)},
	{re(`my commitments`), fixed(KindMyCommitments)},
	{re(`(?:reliability|my (?:reliability )?score)`), fixed(KindReliability)},
	{re(`(?:list )?funds`), fixed(KindListFunds)},
	{re(`(?:list )?events`), fixed(KindListEvents)},

	{re(`(?:pay|send) +([0-9.]+) +to +(\S+)(?: +for +(.+))?`), extractPay},
	{re(`pay +split +#?([0-9]+)`), extractRef(KindPaySplit)},
	{re(`view +split +#?([0-9]+)`), extractRef(KindViewSplit)},
	{re(`split +([0-9.]+) +(?:with|between) +(.+?)(?: +for +(.+))?`), extractSplit},

	{re(`create +fund +(.+?) +goal +([0-9.]+)(?: +hours +([0-9]+))?`), extractCreateFund},
	{re(`contribute +([0-9.]+) +to +fund +#?([0-9]+)`), extractContribute},
	{re(`view +fund +#?([0-9]+)`), extractRef(KindViewFund)},

	{re(`buy +ticket +(?:for +)?(.+)`), extractBuyTicket},
	{re(`verify +ticket +([a-z0-9-]+)`), extractVerifyTicket},

	{re(`create +commitment +(.+?) +amount +([0-9.]+) +people +([0-9]+)(?: +days +([0-9]+))?`), extractCreateCommitment},
	{re(`(?:commit|lock)(?: +funds)?(?: +(?:to +)?#?([0-9]+))?`), extractOptionalRef(KindCommitFunds)},
	{re(`(?:view +)?commitment +#?([0-9]+)`), extractRef(KindViewCommitment)},
	{re(`cancel +commitment +#?([0-9]+)`), extractRef(KindCancelCommitment)},
	{re(`add +(\+?[0-9]{6,16})(?: +to +(?:commitment +)?#?([0-9]+))?`), extractAddParticipant},

	{re(`save +(\+?[0-9]{6,16}) +as +(\S+)`), extractAddContact},
}

// Parse maps one message to a Command. The natural-language fallback preempts
// the regex table only when its confidence reaches 0.8.
func Parse(text string) (Command, error) {
	if nl, conf := parseNatural(text); conf >= 0.8 {
		nl.Confidence = conf
		return nl, nil
	}
	return parseRegex(text)
}

func parseRegex(text string) (Command, error) {
	text = strings.TrimSpace(text)
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return p.extract(m)
		}
	}
	return Command{Kind: KindUnknown}, nil
}

func extractRef(kind Kind) func([]string) (Command, error) {
	return func(m []string) (Command, error) {
		id, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Ref: uint(id), Confidence: 1}, nil
	}
}

func extractOptionalRef(kind Kind) func([]string) (Command, error) {
	return func(m []string) (Command, error) {
		cmd := Command{Kind: kind, Confidence: 1}
		if m[1] != "" {
			id, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				return Command{}, err
			}
			cmd.Ref = uint(id)
		}
		return cmd, nil
	}
}

func extractPay(m []string) (Command, error) {
	amount, err := ParseAmount(m[1])
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Kind: KindPay, Amount: amount, Note: strings.TrimSpace(m[3]), Confidence: 1}
	target := strings.TrimSpace(m[2])
	switch {
	case IsAddress(target):
		cmd.Target = strings.ToUpper(target)
		cmd.TargetIsAddress = true
	case looksLikePhone(target):
		phone, err := NormalizePhone(target)
		if err != nil {
			return Command{}, err
		}
		cmd.Target = phone
	default:
		cmd.Target = strings.ToLower(target)
	}
	return cmd, nil
}

func extractSplit(m []string) (Command, error) {
	amount, err := ParseAmount(m[1])
	if err != nil {
		return Command{}, err
	}
	phones, err := splitParticipants(m[2])
	if err != nil {
		return Command{}, err
	}
	return Command{
		Kind:       KindSplit,
		Amount:     amount,
		Phones:     phones,
		Note:       strings.TrimSpace(m[3]),
		Confidence: 1,
	}, nil
}

func extractCreateFund(m []string) (Command, error) {
	amount, err := ParseAmount(m[2])
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Kind: KindCreateFund, Title: strings.TrimSpace(m[1]), Amount: amount, Confidence: 1}
	if m[3] != "" {
		hours, err := strconv.Atoi(m[3])
		if err != nil {
			return Command{}, err
		}
		cmd.Hours = hours
	}
	return cmd, nil
}

func extractContribute(m []string) (Command, error) {
	amount, err := ParseAmount(m[1])
	if err != nil {
		return Command{}, err
	}
	id, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindContribute, Amount: amount, Ref: uint(id), Confidence: 1}, nil
}

func extractBuyTicket(m []string) (Command, error) {
	return Command{Kind: KindBuyTicket, Event: strings.TrimSpace(m[1]), Confidence: 1}, nil
}

func extractVerifyTicket(m []string) (Command, error) {
	return Command{Kind: KindVerifyTicket, TicketNumber: strings.ToUpper(m[1]), Confidence: 1}, nil
}

func extractCreateCommitment(m []string) (Command, error) {
	amount, err := ParseAmount(m[2])
	if err != nil {
		return Command{}, err
	}
	people, err := strconv.Atoi(m[3])
	if err != nil {
		return Command{}, err
	}
	cmd := Command{
		Kind:       KindCreateCommitment,
		Title:      strings.TrimSpace(m[1]),
		Amount:     amount,
		Count:      people,
		Days:       7,
		Confidence: 1,
	}
	if m[4] != "" {
		days, err := strconv.Atoi(m[4])
		if err != nil {
			return Command{}, err
		}
		cmd.Days = days
	}
	return cmd, nil
}

func extractAddParticipant(m []string) (Command, error) {
	phone, err := NormalizePhone(m[1])
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Kind: KindAddParticipant, Target: phone, Confidence: 1}
	if m[2] != "" {
		id, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Command{}, err
		}
		cmd.Ref = uint(id)
	}
	return cmd, nil
}

func extractAddContact(m []string) (Command, error) {
	phone, err := NormalizePhone(m[1])
	if err != nil {
		return Command{}, err
	}
	return Command{
		Kind:       KindAddContact,
		Target:     phone,
		Nickname:   strings.ToLower(strings.TrimSpace(m[2])),
		Confidence: 1,
	}, nil
}

func looksLikePhone(s string) bool {
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitParticipants accepts comma, space, and "and" separated phone or
// nickname tokens. Phone-shaped tokens are normalized; the rest pass through
// lowercased for contact resolution.
func splitParticipants(s string) ([]string, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if strings.EqualFold(f, "and") {
			continue
		}
		token := f
		if looksLikePhone(token) {
			phone, err := NormalizePhone(token)
			if err != nil {
				return nil, err
			}
			token = phone
		} else {
			token = strings.ToLower(token)
		}
		if !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}
	return out, nil
}

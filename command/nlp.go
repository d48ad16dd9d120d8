package command

import (
	"regexp"
	"strings"
)

var (
	nlAmountRe = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	nlPhoneRe  = regexp.MustCompile(`\+[0-9]{10,15}`)
	nlNoteRe   = regexp.MustCompile(`\bfor (.+)$`)
)

// parseNatural maps loosely phrased messages onto the same command set with a
// confidence score. It is deliberately conservative: only unambiguous
// phrasings reach the 0.8 threshold that preempts the regex table.
func parseNatural(text string) (Command, float64) {
	lower := strings.ToLower(strings.TrimSpace(text))

	switch {
	case containsAny(lower, "how much do i have", "what is my balance", "what's my balance", "show my balance"):
		return Command{Kind: KindBalance}, 0.9
	case containsAny(lower, "what can you do", "how does this work"):
		return Command{Kind: KindHelp}, 0.85
	case containsAny(lower, "show my transactions", "what did i spend"):
		return Command{Kind: KindHistory}, 0.85
	case containsAny(lower, "how reliable am i", "what is my reputation"):
		return Command{Kind: KindReliability}, 0.85
	}

	// Transfer phrasings like "please send 5 algo to +14155550001".
	if containsAny(lower, "send", "pay", "transfer") {
		phone := nlPhoneRe.FindString(lower)
		amountStr := nlAmountRe.FindString(lower)
		if phone != "" && amountStr != "" {
			amount, err := ParseAmount(amountStr)
			if err != nil {
				return Command{Kind: KindUnknown}, 0
			}
			normalized, err := NormalizePhone(phone)
			if err != nil {
				return Command{Kind: KindUnknown}, 0
			}
			return Command{Kind: KindPay, Amount: amount, Target: normalized, Note: extractNote(lower)}, 0.85
		}
	}

	// Split phrasings like "split 40 between +1... +1... and +1...".
	if strings.Contains(lower, "split") {
		phones := nlPhoneRe.FindAllString(lower, -1)
		amountStr := nlAmountRe.FindString(lower)
		if len(phones) > 0 && amountStr != "" {
			amount, err := ParseAmount(amountStr)
			if err != nil {
				return Command{Kind: KindUnknown}, 0
			}
			normalized := make([]string, 0, len(phones))
			seen := make(map[string]bool)
			for _, p := range phones {
				n, err := NormalizePhone(p)
				if err != nil {
					return Command{Kind: KindUnknown}, 0
				}
				if !seen[n] {
					seen[n] = true
					normalized = append(normalized, n)
				}
			}
			return Command{Kind: KindSplit, Amount: amount, Phones: normalized, Note: extractNote(lower)}, 0.8
		}
	}

	return Command{Kind: KindUnknown}, 0
}

func extractNote(s string) string {
	if m := nlNoteRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

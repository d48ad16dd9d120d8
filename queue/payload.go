// Package queue implements the durable retry queue for payment intents:
// priority tiers, delayed-retry buckets with exponential backoff, and a
// dead-letter tier, all over a pluggable key-value store.
package queue

import (
	"encoding/json"
	"time"
)

// Tier names the priority queues, consumed high first.
type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

// Tiers lists the priority tiers in consumption order.
var Tiers = []Tier{TierHigh, TierNormal, TierLow}

// Payload statuses.
const (
	StatusPending           = "pending"
	StatusRetrying          = "retrying"
	StatusFailedPermanently = "failed_permanently"
)

// DefaultMaxRetries is the retry budget before a payload is dead-lettered.
const DefaultMaxRetries = 5

// Payload is a queued payment intent. Amounts are base units.
type Payload struct {
	Type          string    `json:"type"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Amount        float64   `json:"amount"`
	Note          string    `json:"note"`
	Priority      Tier      `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	Status        string    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	LastRetryAt   time.Time `json:"last_retry_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func (p Payload) encode() []byte {
	buf, _ := json.Marshal(p)
	return buf
}

func decodePayload(raw []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(raw, &p)
	return p, err
}

// RetryDelay returns the backoff before the given retry attempt:
// min(300s, 5·2^(retryCount−1)) seconds.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := 5 * time.Second
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= 300*time.Second {
			return 300 * time.Second
		}
	}
	return delay
}

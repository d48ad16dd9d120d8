// Package notify abstracts outbound messaging. Services render plain text
// and hand it to a Dispatcher; transport adapters own the wire formats.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher delivers a rendered message to a user identifier.
type Dispatcher interface {
	Send(ctx context.Context, user, text string) error
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, user, text string) error

// Send implements Dispatcher.
func (f Func) Send(ctx context.Context, user, text string) error { return f(ctx, user, text) }

// Fanout sends through every registered transport. Delivery failures are
// logged, not returned: a dead transport must not fail business operations.
type Fanout struct {
	mu         sync.RWMutex
	transports map[string]Dispatcher
	log        *slog.Logger
}

// NewFanout constructs an empty dispatcher registry.
func NewFanout(log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{transports: make(map[string]Dispatcher), log: log}
}

// Register adds or replaces a named transport.
func (f *Fanout) Register(name string, d Dispatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[name] = d
}

// Send implements Dispatcher across all registered transports.
func (f *Fanout) Send(ctx context.Context, user, text string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, d := range f.transports {
		if err := d.Send(ctx, user, text); err != nil {
			f.log.Error("notification delivery failed", "transport", name, "user", user, "error", err)
		}
	}
	return nil
}

// Recorder captures sent messages for assertions in tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []Recorded
}

// Recorded is one captured message.
type Recorded struct {
	User string
	Text string
}

// Send implements Dispatcher.
func (r *Recorder) Send(_ context.Context, user, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Recorded{User: user, Text: text})
	return nil
}

// Sent returns a copy of everything captured so far.
func (r *Recorder) Sent() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.Messages))
	copy(out, r.Messages)
	return out
}

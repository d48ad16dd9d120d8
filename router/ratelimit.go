package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per user identifier. Entries idle for
// longer than staleAfter are pruned opportunistically on Allow.
type limiterStore struct {
	mu         sync.Mutex
	perMinute  int
	entries    map[string]*limiterEntry
	staleAfter time.Duration
	lastPrune  time.Time
	nowFn      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(perMinute int) *limiterStore {
	return &limiterStore{
		perMinute:  perMinute,
		entries:    make(map[string]*limiterEntry),
		staleAfter: 10 * time.Minute,
		nowFn:      time.Now,
	}
}

// Allow reports whether the identifier may send another message right now.
func (l *limiterStore) Allow(id string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if now.Sub(l.lastPrune) > l.staleAfter {
		for key, entry := range l.entries {
			if now.Sub(entry.lastSeen) > l.staleAfter {
				delete(l.entries, key)
			}
		}
		l.lastPrune = now
	}

	entry, ok := l.entries[id]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.entries[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

package ledger

import "sync"

// Endpoint addresses one node or indexer deployment.
type Endpoint struct {
	URL       string
	AuthToken string
}

// failureThreshold is the number of consecutive failures on the current
// endpoint that triggers promotion of the next one.
const failureThreshold = 2

// endpointPool tracks a primary endpoint plus ordered backups and rotates on
// sustained failure. Safe for concurrent use.
type endpointPool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	current   int
	failures  int
	rotations int
}

func newEndpointPool(primary Endpoint, backups ...Endpoint) *endpointPool {
	return &endpointPool{endpoints: append([]Endpoint{primary}, backups...)}
}

// Current returns the endpoint calls should use right now.
func (p *endpointPool) Current() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.current]
}

// RecordSuccess resets the failure streak for the current endpoint.
func (p *endpointPool) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.rotations = 0
}

// RecordFailure notes a failed call. Once the streak reaches the threshold
// the next endpoint is promoted; after a full cycle through every endpoint
// the rotation count resets so the pool retries from the primary.
func (p *endpointPool) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.failures < failureThreshold {
		return
	}
	p.failures = 0
	p.current = (p.current + 1) % len(p.endpoints)
	p.rotations++
	if p.rotations >= len(p.endpoints) {
		p.rotations = 0
		p.current = 0
	}
}

package nvmectl

import (
	"fmt"
	"sync"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/utils"
)

// maxResetContexts bounds the reset-context pool at 1023 entries, a
// fixed capacity rather than an unbounded queue: reset requests beyond
// the bound fail fast instead of backing up.
const maxResetContexts = 1023

// resetContext is an opaque token that represents one in-flight Reset
// call's slab slot. It carries no state of its own; its only job is to
// exist or not exist in the pool's free list.
type resetContext struct {
	slot int
}

// resetPool is a fixed-capacity free-list of reset contexts, modeling the
// bounded slab the reset state machine draws from.
type resetPool struct {
	mu   sync.Mutex
	free []*resetContext
}

func newResetPool(capacity int) *resetPool {
	p := &resetPool{free: make([]*resetContext, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &resetContext{slot: i})
	}
	return p
}

// acquire draws one context from the pool, or fails with a resource
// exhaustion error (the Go analogue of ENOMEM) if the pool is empty.
func (p *resetPool) acquire() (*resetContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return nil, fmt.Errorf("%w: reset context pool exhausted (capacity %d)", utils.ErrResourceExhausted, cap(p.free))
	}

	rc := p.free[n-1]
	p.free = p.free[:n-1]
	return rc, nil
}

// release returns a context to the pool.
func (p *resetPool) release(rc *resetContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, rc)
}

// available reports how many reset contexts remain free. Used by tests
// and by observability to surface pool pressure.
func (p *resetPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

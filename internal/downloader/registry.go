package downloader

import (
	"context"
	"sync"
)

// handle is the engine's grip on one running worker.
type handle struct {
	itemID string
	token  uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// registry tracks running workers by unit key. Entries are added at admission
// and removed by the worker itself when it exits.
type registry struct {
	mu      sync.Mutex
	workers map[string]*handle
}

func newRegistry() *registry {
	return &registry{workers: make(map[string]*handle)}
}

func (r *registry) add(unit string, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[unit] = h
}

// remove deletes the entry for unit and closes its done channel.
func (r *registry) remove(unit string) {
	r.mu.Lock()
	h, ok := r.workers[unit]
	delete(r.workers, unit)
	r.mu.Unlock()

	if ok {
		close(h.done)
	}
}

func (r *registry) has(unit string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[unit]
	return ok
}

func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// forItem returns the handles of every worker running a track of itemID.
func (r *registry) forItem(itemID string) []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*handle
	for _, h := range r.workers {
		if h.itemID == itemID {
			out = append(out, h)
		}
	}
	return out
}

func (r *registry) all() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.workers))
	for _, h := range r.workers {
		out = append(out, h)
	}
	return out
}

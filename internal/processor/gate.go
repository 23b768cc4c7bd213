package processor

import (
	"context"
	"net/url"
	"sync"
)

// DefaultPerHostLimit caps concurrent fetch+OCR work per source origin
const DefaultPerHostLimit = 2

// hostGate is a per-origin counting semaphore
type hostGate struct {
	mu    sync.Mutex
	limit int
	slots map[string]chan struct{}
}

func newHostGate(limit int) *hostGate {
	if limit <= 0 {
		limit = DefaultPerHostLimit
	}
	return &hostGate{limit: limit, slots: make(map[string]chan struct{})}
}

// hostOf returns the origin host of source, or "" for inline data and
// local paths
func hostOf(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// acquire blocks until a slot for source's host is free. The returned
// release func must be called exactly once.
func (g *hostGate) acquire(ctx context.Context, source string) (func(), error) {
	host := hostOf(source)

	g.mu.Lock()
	ch, ok := g.slots[host]
	if !ok {
		ch = make(chan struct{}, g.limit)
		g.slots[host] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inFlight reports the slots held for source's host
func (g *hostGate) inFlight(source string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.slots[hostOf(source)]; ok {
		return len(ch)
	}
	return 0
}

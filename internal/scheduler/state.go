package scheduler

import (
	"context"
	"sync"
)

// ItemState is the membership record of one item identity
type ItemState struct {
	Signature  string
	Processed  bool
	InFlight   bool
	Attempts   int
	Generation uint64

	cancel context.CancelFunc
}

// StateTable tracks processed and in-flight items by stable identity. A
// record is invalidated when the item shows up with a different content
// signature: its processed flag is reset and in-flight work is canceled.
type StateTable struct {
	mu    sync.Mutex
	items map[string]*ItemState
	gen   uint64
}

// NewStateTable creates an empty table
func NewStateTable() *StateTable {
	return &StateTable{items: make(map[string]*ItemState)}
}

// Begin claims id for processing under signature sig. It returns a context
// derived from ctx that is canceled if the record is invalidated, and the
// generation that must be passed to Finish. ok is false when the item is
// already processed or in flight with the same signature.
func (t *StateTable) Begin(ctx context.Context, id, sig string) (context.Context, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, exists := t.items[id]; exists {
		if st.Signature == sig && (st.Processed || st.InFlight) {
			return nil, 0, false
		}
		if st.cancel != nil {
			st.cancel()
		}
	}

	t.gen++
	itemCtx, cancel := context.WithCancel(ctx)
	t.items[id] = &ItemState{
		Signature:  sig,
		InFlight:   true,
		Generation: t.gen,
		cancel:     cancel,
	}
	return itemCtx, t.gen, true
}

// Attempt records one more attempt and returns the new count. It returns 0
// when gen is stale.
func (t *StateTable) Attempt(id string, gen uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[id]
	if !ok || st.Generation != gen {
		return 0
	}
	st.Attempts++
	return st.Attempts
}

// Finish ends the run started with gen. processed marks the item done so it
// is skipped until its signature changes or it is rescanned. A stale gen is
// ignored.
func (t *StateTable) Finish(id string, gen uint64, processed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[id]
	if !ok || st.Generation != gen {
		return
	}
	st.InFlight = false
	st.Processed = processed
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	if !processed {
		delete(t.items, id)
	}
}

// Forget drops the record for id, canceling in-flight work
func (t *StateTable) Forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[id]
	if !ok {
		return false
	}
	if st.cancel != nil {
		st.cancel()
	}
	delete(t.items, id)
	return true
}

// Get returns a copy of the record for id
func (t *StateTable) Get(id string) (ItemState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.items[id]
	if !ok {
		return ItemState{}, false
	}
	out := *st
	out.cancel = nil
	return out, true
}

// Len returns the number of tracked items
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

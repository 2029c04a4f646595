package transport

import (
	"sync"

	"github.com/toolfront/toolfront/pkg/wire"
)

// outcome is what a waiter receives for its correlated request: either the
// decoded response or a fault raised while the wait was in progress.
type outcome struct {
	resp *wire.Response
	err  error
}

// pendingTable correlates in-flight request ids with their waiters. Multiple
// calls may be in flight concurrently on one adapter; each decoded incoming
// message resolves exactly one entry and removes it.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan outcome
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan outcome)}
}

// register adds a waiter for the given request id and returns its channel.
func (t *pendingTable) register(key string) chan outcome {
	ch := make(chan outcome, 1)
	t.mu.Lock()
	t.waiters[key] = ch
	t.mu.Unlock()
	return ch
}

// drop removes a waiter without delivering anything (timeout, cancellation,
// failed send).
func (t *pendingTable) drop(key string) {
	t.mu.Lock()
	delete(t.waiters, key)
	t.mu.Unlock()
}

// resolve delivers a decoded message to the waiter registered under its id.
// Messages without a matching waiter are dropped; the stream may carry
// server-initiated notifications the adapter does not consume.
func (t *pendingTable) resolve(resp *wire.Response) bool {
	key := idKey(resp.ID)
	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome{resp: resp}
	return true
}

// failAll rejects every in-flight waiter with err and clears the table.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]chan outcome)
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome{err: err}
	}
}

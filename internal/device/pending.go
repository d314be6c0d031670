package device

import (
	"encoding/json"
	"sync"

	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
)

// callResult resolves a pending call.
type callResult struct {
	value json.RawMessage
	err   error
}

// pendingTable tracks in-flight device requests keyed by request id.
type pendingTable struct {
	mu      sync.Mutex
	calls   map[int64]chan callResult
	metrics *metrics.Metrics
}

func newPendingTable(m *metrics.Metrics) *pendingTable {
	return &pendingTable{
		calls:   make(map[int64]chan callResult),
		metrics: m,
	}
}

// add registers id and returns the channel its result will be delivered on.
func (t *pendingTable) add(id int64) <-chan callResult {
	ch := make(chan callResult, 1)
	t.mu.Lock()
	t.calls[id] = ch
	t.mu.Unlock()
	t.metrics.AddPending(1)
	return ch
}

// resolve delivers res to the caller waiting on id and removes the entry.
// Returns false if id is not pending.
func (t *pendingTable) resolve(id int64, res callResult) bool {
	t.mu.Lock()
	ch, ok := t.calls[id]
	delete(t.calls, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.metrics.AddPending(-1)
	ch <- res
	return true
}

// remove drops id without resolving it.
func (t *pendingTable) remove(id int64) {
	t.mu.Lock()
	_, ok := t.calls[id]
	delete(t.calls, id)
	t.mu.Unlock()
	if ok {
		t.metrics.AddPending(-1)
	}
}

// failAll rejects every pending call with err and clears the table.
// Returns the number of calls failed.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[int64]chan callResult)
	t.mu.Unlock()

	for _, ch := range calls {
		ch <- callResult{err: err}
	}
	t.metrics.AddPending(-float64(len(calls)))
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

package refresh

import (
	"sync"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// RunRecord captures one refresh attempt for diagnostics.
type RunRecord struct {
	RunID        string        `json:"run_id"`
	QueryID      int64         `json:"query_id"`
	DataSourceID int64         `json:"data_source_id"`
	Hash         string        `json:"hash"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	Runtime      time.Duration `json:"runtime,omitempty"`
	Rows         int           `json:"rows,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// history is a fixed-size ring of finished runs, newest first on read.
type history struct {
	mu   sync.Mutex
	buf  []RunRecord
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 200
	}
	return &history{buf: make([]RunRecord, size)}
}

func (h *history) add(r RunRecord) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
	h.mu.Unlock()
}

func (h *history) snapshot() []RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]RunRecord, 0, n)
	// newest first
	for i := 0; i < n; i++ {
		idx := h.next - 1 - i
		if idx < 0 {
			idx += len(h.buf)
		}
		out = append(out, h.buf[idx])
	}
	return out
}

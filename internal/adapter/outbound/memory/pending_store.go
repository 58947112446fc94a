// Package memory provides in-process, mutex-guarded stores. All state
// is process-local and lost on restart.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/hitl"
)

// fallbackTTL caps the lifetime of entries without an explicit expiry.
const fallbackTTL = time.Hour

type entryStatus int

const (
	statusNone entryStatus = iota
	statusWaiting
	statusResolvedEarly
)

// pendingEntry is one registry record. Transitions:
// none -> waiting (waiter attaches), none -> resolvedEarly (response
// races ahead), waiting/resolvedEarly -> removed (terminal). Every
// entry reaches a terminal state at most once.
type pendingEntry struct {
	request *hitl.ApprovalRequest
	status  entryStatus
	// result is buffered so a deliverer never blocks on a waiter.
	result chan hitl.Result
	early  *hitl.Result
}

// PendingStore is the registry of pending approval requests. Critical
// sections are small; no blocking work happens under the mutex.
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	logger  *slog.Logger
}

// NewPendingStore creates an empty registry.
func NewPendingStore(logger *slog.Logger) *PendingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingStore{
		entries: make(map[string]*pendingEntry),
		logger:  logger,
	}
}

// Insert publishes a new entry keyed by the request id. It must run
// before any webhook dispatch so that a response racing ahead of the
// waiter still finds the entry.
func (s *PendingStore) Insert(req *hitl.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[req.ID] = &pendingEntry{
		request: req,
		status:  statusNone,
		result:  make(chan hitl.Result, 1),
	}
}

// Attach binds a waiter to the entry. If a response already resolved it
// early, the entry is removed and its result returned immediately;
// otherwise the entry moves to waiting and the caller blocks on the
// returned channel.
func (s *PendingStore) Attach(id string) (*hitl.Result, <-chan hitl.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil, guard.ErrUnknownRequestID
	}
	if e.status == statusResolvedEarly {
		delete(s.entries, id)
		return e.early, nil, nil
	}
	e.status = statusWaiting
	return nil, e.result, nil
}

// Deliver resolves the entry with a response result. A waiting entry is
// removed and the result handed to its waiter; an entry without a
// waiter parks the result as earlyResponse (a later Attach observes it
// immediately). Returns whether a previously parked result was
// overwritten.
func (s *PendingStore) Deliver(id string, res hitl.Result) (overwrote bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, guard.ErrUnknownRequestID
	}
	if e.status == statusWaiting {
		delete(s.entries, id)
		e.result <- res
		return false, nil
	}
	overwrote = e.status == statusResolvedEarly
	e.status = statusResolvedEarly
	e.early = &res
	return overwrote, nil
}

// Fail removes the entry and, if a waiter is attached, resolves it with
// the given terminal error. Used for cancellation, housekeeping expiry,
// and coordinator shutdown. Returns whether the entry existed.
func (s *PendingStore) Fail(id string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	if e.status == statusWaiting {
		e.result <- hitl.Result{Err: cause}
	}
	return true
}

// Remove deletes the entry without notifying anyone. The waiter calls
// this on its own timeout: a true return means the timeout won the
// race; false means a deliverer got there first and the result is
// already buffered on the channel.
func (s *PendingStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// Request returns the stored request for an id.
func (s *PendingStore) Request(id string) (*hitl.ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.request, true
}

// Expired returns the ids of entries past their expiry at now. Entries
// without an ExpiresAt fall back to CreatedAt + 1h.
func (s *PendingStore) Expired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		deadline := e.request.ExpiresAt
		if deadline.IsZero() {
			deadline = e.request.CreatedAt.Add(fallbackTTL)
		}
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of the current registry contents.
func (s *PendingStore) Snapshot(now time.Time) []hitl.PendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hitl.PendingInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, hitl.PendingInfo{
			Request:   e.request,
			Age:       now.Sub(e.request.CreatedAt),
			HasWaiter: e.status == statusWaiting,
		})
	}
	return out
}

// Stats summarizes the registry.
func (s *PendingStore) Stats(now time.Time) hitl.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := hitl.Stats{Pending: len(s.entries)}
	if len(s.entries) == 0 {
		return stats
	}
	var total time.Duration
	for _, e := range s.entries {
		age := now.Sub(e.request.CreatedAt)
		total += age
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	stats.AverageAge = total / time.Duration(len(s.entries))
	return stats
}

// FailAll removes every entry, resolving attached waiters with the
// given error. Returns how many entries were dropped.
func (s *PendingStore) FailAll(cause error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for id, e := range s.entries {
		delete(s.entries, id)
		if e.status == statusWaiting {
			e.result <- hitl.Result{Err: cause}
		}
	}
	return n
}

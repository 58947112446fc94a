package memory

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/hitl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRequest(id string, createdAt time.Time) *hitl.ApprovalRequest {
	return &hitl.ApprovalRequest{
		ID:        id,
		ToolCall:  &guard.ToolCall{ToolName: "send_payment"},
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(hitl.DefaultRequestTTL),
	}
}

func TestAttachThenDeliver(t *testing.T) {
	s := NewPendingStore(testLogger())
	s.Insert(newRequest("req-1", time.Now()))

	early, ch, err := s.Attach("req-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if early != nil {
		t.Fatal("no response yet, early result must be nil")
	}

	overwrote, err := s.Deliver("req-1", hitl.Result{Approved: true, ApprovedBy: "ops"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if overwrote {
		t.Error("first delivery cannot overwrite")
	}

	select {
	case res := <-ch:
		if !res.Approved || res.ApprovedBy != "ops" {
			t.Errorf("got %+v", res)
		}
	default:
		t.Fatal("result not buffered on the channel")
	}

	if _, ok := s.Request("req-1"); ok {
		t.Error("delivered entry should be removed")
	}
}

func TestDeliverBeforeAttach(t *testing.T) {
	s := NewPendingStore(testLogger())
	s.Insert(newRequest("req-1", time.Now()))

	overwrote, err := s.Deliver("req-1", hitl.Result{Approved: false, Reason: "too risky"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if overwrote {
		t.Error("first delivery cannot overwrite")
	}

	// A second response before any waiter overwrites the parked result.
	overwrote, err = s.Deliver("req-1", hitl.Result{Approved: true})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !overwrote {
		t.Error("second early delivery should report an overwrite")
	}

	early, ch, err := s.Attach("req-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if ch != nil {
		t.Fatal("early-resolved entry should not hand out a channel")
	}
	if early == nil || !early.Approved {
		t.Errorf("got %+v", early)
	}

	if _, ok := s.Request("req-1"); ok {
		t.Error("attach of an early-resolved entry should remove it")
	}
}

func TestAttachUnknownID(t *testing.T) {
	s := NewPendingStore(testLogger())
	if _, _, err := s.Attach("nope"); !errors.Is(err, guard.ErrUnknownRequestID) {
		t.Errorf("got %v", err)
	}
	if _, err := s.Deliver("nope", hitl.Result{}); !errors.Is(err, guard.ErrUnknownRequestID) {
		t.Errorf("got %v", err)
	}
}

func TestFail(t *testing.T) {
	s := NewPendingStore(testLogger())
	s.Insert(newRequest("req-1", time.Now()))

	_, ch, err := s.Attach("req-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	cause := errors.New("cancelled")
	if !s.Fail("req-1", cause) {
		t.Fatal("Fail should report the entry existed")
	}
	select {
	case res := <-ch:
		if !errors.Is(res.Err, cause) {
			t.Errorf("got %v", res.Err)
		}
	default:
		t.Fatal("waiter was not resolved")
	}

	if s.Fail("req-1", cause) {
		t.Error("second Fail should report a missing entry")
	}
}

func TestRemoveRace(t *testing.T) {
	s := NewPendingStore(testLogger())
	s.Insert(newRequest("req-1", time.Now()))

	_, ch, err := s.Attach("req-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Deliverer wins: Remove returns false and the result is buffered.
	if _, err := s.Deliver("req-1", hitl.Result{Approved: true}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if s.Remove("req-1") {
		t.Error("Remove after delivery should report the deliverer won")
	}
	select {
	case res := <-ch:
		if !res.Approved {
			t.Errorf("got %+v", res)
		}
	default:
		t.Fatal("delivered result missing from the channel")
	}

	// Timeout wins: Remove returns true and delivery then fails.
	s.Insert(newRequest("req-2", time.Now()))
	if _, _, err := s.Attach("req-2"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !s.Remove("req-2") {
		t.Error("Remove of a live entry should succeed")
	}
	if _, err := s.Deliver("req-2", hitl.Result{}); !errors.Is(err, guard.ErrUnknownRequestID) {
		t.Errorf("got %v", err)
	}
}

func TestExpired(t *testing.T) {
	s := NewPendingStore(testLogger())
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	s.Insert(newRequest("fresh", base))
	s.Insert(newRequest("stale", base.Add(-time.Hour)))

	noExpiry := newRequest("no-expiry", base.Add(-2*time.Hour))
	noExpiry.ExpiresAt = time.Time{}
	s.Insert(noExpiry)

	ids := s.Expired(base.Add(time.Minute))
	if len(ids) != 2 {
		t.Fatalf("expired ids = %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["stale"] || !seen["no-expiry"] {
		t.Errorf("expired ids = %v", ids)
	}
}

func TestSnapshotAndStats(t *testing.T) {
	s := NewPendingStore(testLogger())
	base := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	s.Insert(newRequest("a", base.Add(-2*time.Minute)))
	s.Insert(newRequest("b", base.Add(-4*time.Minute)))
	if _, _, err := s.Attach("a"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	snap := s.Snapshot(base)
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	for _, info := range snap {
		if info.Request.ID == "a" && !info.HasWaiter {
			t.Error("entry a should have a waiter")
		}
		if info.Request.ID == "b" && info.HasWaiter {
			t.Error("entry b should not have a waiter")
		}
	}

	stats := s.Stats(base)
	if stats.Pending != 2 {
		t.Errorf("Pending = %d", stats.Pending)
	}
	if stats.OldestAge != 4*time.Minute {
		t.Errorf("OldestAge = %v", stats.OldestAge)
	}
	if stats.AverageAge != 3*time.Minute {
		t.Errorf("AverageAge = %v", stats.AverageAge)
	}

	empty := NewPendingStore(testLogger())
	if got := empty.Stats(base); got.Pending != 0 || got.OldestAge != 0 {
		t.Errorf("empty stats = %+v", got)
	}
}

func TestFailAll(t *testing.T) {
	s := NewPendingStore(testLogger())
	s.Insert(newRequest("a", time.Now()))
	s.Insert(newRequest("b", time.Now()))
	_, ch, err := s.Attach("a")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	cause := errors.New("shutting down")
	if n := s.FailAll(cause); n != 2 {
		t.Errorf("FailAll dropped %d entries", n)
	}
	select {
	case res := <-ch:
		if !errors.Is(res.Err, cause) {
			t.Errorf("got %v", res.Err)
		}
	default:
		t.Fatal("attached waiter was not resolved")
	}
	if len(s.Snapshot(time.Now())) != 0 {
		t.Error("registry should be empty")
	}
}

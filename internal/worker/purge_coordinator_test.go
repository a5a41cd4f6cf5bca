package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockPurger records purge calls for verification.
type mockPurger struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	count   int
	err     error
}

func (m *mockPurger) PurgeTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.count, m.err
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestPurgeCoordinator_PurgesAllTables(t *testing.T) {
	tasks := &mockPurger{count: 3}
	notes := &mockPurger{count: 0}
	c := NewPurgeCoordinator(map[string]Purger{
		"tasks": tasks,
		"notes": notes,
	}, 720*time.Hour, time.Hour)

	c.purgeAll(context.Background())

	if tasks.callCount() != 1 {
		t.Errorf("tasks purge calls = %d, want 1", tasks.callCount())
	}
	if notes.callCount() != 1 {
		t.Errorf("notes purge calls = %d, want 1", notes.callCount())
	}
}

func TestPurgeCoordinator_CutoffReflectsRetention(t *testing.T) {
	p := &mockPurger{}
	retention := 48 * time.Hour
	c := NewPurgeCoordinator(map[string]Purger{"tasks": p}, retention, time.Hour)

	before := time.Now().UTC().Add(-retention)
	c.purgeAll(context.Background())
	after := time.Now().UTC().Add(-retention)

	p.mu.Lock()
	cutoff := p.cutoffs[0]
	p.mu.Unlock()
	if cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff = %v, want between %v and %v", cutoff, before, after)
	}
}

func TestPurgeCoordinator_ContinuesOnFailure(t *testing.T) {
	failing := &mockPurger{err: errors.New("disk I/O error")}
	healthy := &mockPurger{count: 2}
	c := NewPurgeCoordinator(map[string]Purger{
		"a_failing": failing,
		"b_healthy": healthy,
	}, time.Hour, time.Hour)

	c.purgeAll(context.Background())

	if healthy.callCount() != 1 {
		t.Errorf("healthy purger calls = %d, want 1 despite sibling failure", healthy.callCount())
	}
}

func TestPurgeCoordinator_ZeroRetentionDisables(t *testing.T) {
	p := &mockPurger{}
	c := NewPurgeCoordinator(map[string]Purger{"tasks": p}, 0, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when retention is zero")
	}
	if p.callCount() != 0 {
		t.Errorf("purge calls = %d, want 0 when disabled", p.callCount())
	}
}

func TestPurgeCoordinator_RunPurgesImmediatelyAndStops(t *testing.T) {
	p := &mockPurger{}
	c := NewPurgeCoordinator(map[string]Purger{"tasks": p}, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// The first pass runs before the first tick.
	deadline := time.After(time.Second)
	for p.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected an immediate purge pass on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

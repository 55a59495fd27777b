package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mp3relay/internal/clock"
)

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (d *recordingDeleter) Delete(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[id] {
		return errors.New("permission denied")
	}
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *recordingDeleter) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(epoch)
	reg := NewMemoryRegistry()
	reg.Put(ctx, Record{ID: "fresh", CreatedAt: epoch.Add(-10 * time.Minute)})
	reg.Put(ctx, Record{ID: "stale", CreatedAt: epoch.Add(-2 * time.Hour)})
	reg.Put(ctx, Record{ID: "stuck", CreatedAt: epoch.Add(-3 * time.Hour)})
	del := &recordingDeleter{fail: map[string]bool{"stuck": true}}

	s := NewSweeper(reg, del, fake, time.Hour, nil, discardLogger())
	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if got := del.snapshot(); len(got) != 1 || got[0] != "stale" {
		t.Fatalf("deleted = %v, want [stale]", got)
	}
	if _, err := reg.Get(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale record kept")
	}
	if _, err := reg.Get(ctx, "stuck"); err != nil {
		t.Fatal("record dropped although its artifact could not be deleted")
	}
	if _, err := reg.Get(ctx, "fresh"); err != nil {
		t.Fatal("fresh record swept")
	}
}

func TestSweeperRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := clock.Fake(epoch)
	reg := NewMemoryRegistry()
	reg.Put(ctx, Record{ID: "a", CreatedAt: epoch})
	del := &recordingDeleter{}
	s := NewSweeper(reg, del, fake, time.Hour, nil, discardLogger())

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Minute)
		close(done)
	}()
	for fake.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	fake.Advance(70 * time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for len(del.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the expired job")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calagg/internal/metrics"
	"calagg/internal/syncer"

	"github.com/rs/zerolog"
)

type memoryIntervals struct {
	mu      sync.Mutex
	minutes int
	err     error
}

func (m *memoryIntervals) SyncInterval(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minutes, m.err
}

func (m *memoryIntervals) SetSyncInterval(_ context.Context, minutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minutes = minutes
	return nil
}

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
}

func (r *blockingRunner) SyncAll(ctx context.Context, userID *int64) (map[string]syncer.Result, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]syncer.Result{
		"Work":     {Success: true, Message: "Successfully synced 3 events."},
		"Personal": {Success: false, Message: "boom"},
	}, nil
}

func TestClampInterval(t *testing.T) {
	for in, want := range map[int]int{-5: 1, 0: 1, 1: 1, 10: 10, 1440: 1440, 5000: 1440} {
		if got := ClampInterval(in); got != want {
			t.Errorf("ClampInterval(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestStartReadsPersistedInterval(t *testing.T) {
	store := &memoryIntervals{minutes: 5000}
	s := New(&blockingRunner{}, store, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if s.Interval() != MaxInterval {
		t.Errorf("Interval() = %d, want %d", s.Interval(), MaxInterval)
	}
	next := s.NextRun()
	if until := time.Until(next); until <= 23*time.Hour || until > 24*time.Hour+time.Minute {
		t.Errorf("NextRun() = %v, %v away", next, until)
	}
}

func TestStartFallsBackToDefault(t *testing.T) {
	s := New(&blockingRunner{}, &memoryIntervals{err: errors.New("db down")}, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if s.Interval() != DefaultInterval {
		t.Errorf("Interval() = %d, want %d", s.Interval(), DefaultInterval)
	}
}

func TestReconfigure(t *testing.T) {
	store := &memoryIntervals{minutes: 10}
	s := New(&blockingRunner{}, store, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	got, err := s.Reconfigure(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 || s.Interval() != 1 || store.minutes != 1 {
		t.Errorf("Reconfigure(0) = %d, interval %d, stored %d", got, s.Interval(), store.minutes)
	}
	if until := time.Until(s.NextRun()); until > time.Minute+time.Second {
		t.Errorf("next run %v away after reconfigure to 1 minute", until)
	}
}

func TestReconfigureBeforeStart(t *testing.T) {
	store := &memoryIntervals{}
	s := New(&blockingRunner{}, store, nil, zerolog.Nop())
	if _, err := s.Reconfigure(context.Background(), 30); err != nil {
		t.Fatal(err)
	}
	if s.Interval() != 30 || store.minutes != 30 || !s.NextRun().IsZero() {
		t.Errorf("unexpected state: interval %d stored %d next %v", s.Interval(), store.minutes, s.NextRun())
	}
}

func TestRunOnceSkipsOverlap(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, &memoryIntervals{minutes: 10}, metrics.New(true), zerolog.Nop())

	done := make(chan bool)
	go func() { done <- s.RunOnce(context.Background()) }()
	<-runner.started

	if s.RunOnce(context.Background()) {
		t.Error("second pass ran while the first was in progress")
	}
	close(runner.release)
	if !<-done {
		t.Error("first pass reported as skipped")
	}
	if runner.calls.Load() != 1 {
		t.Errorf("SyncAll called %d times, want 1", runner.calls.Load())
	}

	runner.started = nil
	if !s.RunOnce(context.Background()) {
		t.Error("pass after completion was skipped")
	}
}

func TestStopCancelsRunningPass(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, &memoryIntervals{minutes: 10}, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.RunOnce(ctx)
		close(done)
	}()
	<-runner.started

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("running pass was not cancelled by Stop")
	}
	if !s.NextRun().IsZero() {
		t.Error("NextRun() not zero after Stop")
	}
}

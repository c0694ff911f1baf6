// Package scheduler drives runs forward: it starts scheduled runs when they
// come due, runs dispatch passes over running runs, and completes runs that
// have nothing left to dial.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"campaign-runner/internal/dispatch"
	"campaign-runner/internal/runs"
	"campaign-runner/internal/store"
)

type RunLister interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]runs.Run, error)
}

type Lifecycle interface {
	StartDueScheduled(ctx context.Context, now time.Time) ([]runs.Run, error)
	CompleteIfDone(ctx context.Context, runID string) (runs.Run, bool, error)
}

type Dispatcher interface {
	DispatchRun(ctx context.Context, runID string) (dispatch.PassResult, error)
}

// Stats summarizes one tick.
type Stats struct {
	Started   int
	Passes    int
	Placed    int
	Completed int
}

type Scheduler struct {
	runs     RunLister
	life     Lifecycle
	dispatch Dispatcher
	log      *slog.Logger
	interval time.Duration
	clock    func() time.Time

	wake chan struct{}

	// one tick at a time; a pass over a run never overlaps another pass over it
	mu sync.Mutex
}

func New(rl RunLister, life Lifecycle, d Dispatcher, log *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		runs:     rl,
		life:     life,
		dispatch: d,
		log:      log.With("component", "scheduler"),
		interval: interval,
		clock:    time.Now,
		wake:     make(chan struct{}, 1),
	}
}

func (s *Scheduler) SetClock(clock func() time.Time) { s.clock = clock }

// Wake asks for a tick as soon as possible. It never blocks; wakes that arrive
// while one is pending are merged.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the scheduler loop in a background goroutine and returns a stop function.
func (s *Scheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.wake:
				s.RunOnce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce performs one tick and waits for its dispatch passes to end.
func (s *Scheduler) RunOnce(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	if ctx.Err() != nil {
		return st
	}

	started, err := s.life.StartDueScheduled(ctx, s.clock())
	if err != nil {
		s.log.Error("start scheduled runs", "error", err)
	}
	st.Started = len(started)
	for _, r := range started {
		s.log.Info("scheduled run started", "run_id", r.ID)
	}

	running, err := s.runs.ListRuns(ctx, store.RunFilter{Statuses: []runs.Status{runs.StatusRunning}})
	if err != nil {
		s.log.Error("list running runs", "error", err)
		return st
	}
	if len(running) == 0 {
		return st
	}

	var (
		wg  sync.WaitGroup
		agg sync.Mutex
	)
	for _, r := range running {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			res, err := s.dispatch.DispatchRun(ctx, runID)
			if err != nil && ctx.Err() == nil {
				s.log.Error("dispatch pass", "run_id", runID, "error", err)
			}
			if res.Placed > 0 || res.Failed > 0 {
				s.log.Info("dispatch pass",
					"run_id", runID,
					"placed", res.Placed,
					"failed", res.Failed,
					"stopped", string(res.Stopped),
				)
			}
			agg.Lock()
			st.Passes++
			st.Placed += res.Placed
			agg.Unlock()
		}(r.ID)
	}
	wg.Wait()

	// sweep runs whose last rows were skipped or failed outside a pass
	for _, r := range running {
		if ctx.Err() != nil {
			break
		}
		_, completed, err := s.life.CompleteIfDone(ctx, r.ID)
		if err != nil {
			s.log.Error("complete run", "run_id", r.ID, "error", err)
			continue
		}
		if completed {
			st.Completed++
		}
	}
	return st
}

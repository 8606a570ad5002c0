package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/optimail/optimail/types"
	"github.com/optimail/optimail/utils"
)

// failureBackoff is how long the scheduler waits after a failed cycle
// before resuming the normal interval.
const failureBackoff = 5 * time.Minute

// ErrSchedulerRunning is returned by Start when the loop is already up.
var ErrSchedulerRunning = errors.New("scheduler already running")

// Scheduler drives the orchestrator on a timer. A failed run is logged
// and backed off rather than crashing the loop; stopping the scheduler
// cancels the in-flight wait cleanly.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	logger   utils.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	checksRun int
	failures  int
	lastCheck time.Time
	nextCheck time.Time
}

func NewScheduler(orch *Orchestrator, interval time.Duration, logger utils.Logger) *Scheduler {
	return &Scheduler{orch: orch, interval: interval, logger: logger}
}

// Start launches the loop. The loop stops when Stop is called or the
// given context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.nextCheck = time.Now().Add(s.interval)

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := s.interval
		if err := s.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduled optimization check failed", "error", err)
			s.noteFailure()
			wait = failureBackoff
		}

		s.mu.Lock()
		s.nextCheck = time.Now().Add(wait)
		s.mu.Unlock()
		timer.Reset(wait)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	s.mu.Lock()
	s.checksRun++
	s.lastCheck = time.Now()
	s.mu.Unlock()

	result, err := s.orch.CheckAndTrigger(ctx)
	if err != nil {
		return err
	}
	if result != nil {
		s.logger.Info("scheduled optimization cycle finished",
			"lab_id", result.LabID, "deployed", result.Deployed, "improvement_pct", result.ImprovementPct)
	}
	return nil
}

func (s *Scheduler) noteFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

// ForceCheck bypasses the timer but not the orchestrator's gates.
func (s *Scheduler) ForceCheck(ctx context.Context) (*types.OptimizationResult, error) {
	s.mu.Lock()
	s.checksRun++
	s.lastCheck = time.Now()
	s.mu.Unlock()
	return s.orch.CheckAndTrigger(ctx)
}

// SchedulerStatus is a point-in-time snapshot of the loop state.
type SchedulerStatus struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	ChecksRun int           `json:"checks_run"`
	Failures  int           `json:"failures"`
	LastCheck time.Time     `json:"last_check"`
	NextCheck time.Time     `json:"next_check"`
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:   s.running,
		Interval:  s.interval,
		ChecksRun: s.checksRun,
		Failures:  s.failures,
		LastCheck: s.lastCheck,
		NextCheck: s.nextCheck,
	}
}

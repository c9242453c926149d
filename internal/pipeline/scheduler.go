package pipeline

import (
	"context"
	"time"

	"marketvane/internal/logging"
	"marketvane/internal/store"
	"marketvane/internal/types"
)

// Scheduler polls for due schedules and starts a pipeline run for each.
// Fired schedules advance immediately, so a run that outlives the poll
// interval is never double-started.
type Scheduler struct {
	st       *store.Store
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(st *store.Store, svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{st: st, svc: svc, interval: interval}
}

// Start begins polling on its own goroutine. Calling Start twice is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	logging.Sched("Scheduler polling every %s", s.interval)
	go s.loop(ctx)
}

// Stop halts polling and waits for the loop to exit. Runs already started
// keep executing; the pipeline service owns their lifecycle.
func (s *Scheduler) Stop() {
	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fireDue(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(now.UTC())
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	due, err := s.st.DueSchedules(now)
	if err != nil {
		logging.SchedWarn("Cannot list due schedules: %v", err)
		return
	}
	for i := range due {
		s.fire(&due[i], now)
	}
}

// fire starts one scheduled run. The stored config is stamped with the
// scheduling metadata the phases read: frequency widens news windows, and
// the first firing flags the run as initial so lookbacks stretch.
func (s *Scheduler) fire(sched *types.Schedule, now time.Time) {
	cfg := sched.Config
	if cfg.ClientID == "" {
		cfg.ClientID = sched.ClientID
	}
	cfg.Mode = types.ModeScheduled
	cfg.ScheduleFrequency = sched.Frequency
	cfg.IsInitialRun = sched.IsInitialRun()

	runID, err := s.svc.Start(&cfg)
	if err != nil {
		logging.SchedWarn("Schedule %d: cannot start run: %v", sched.ID, err)
		return
	}

	next := NextRunTime(sched.Frequency, now)
	if err := s.st.MarkScheduleFired(sched.ID, next); err != nil {
		logging.SchedWarn("Schedule %d: cannot advance next run: %v", sched.ID, err)
	}
	logging.Sched("Schedule %d fired run %s for client %s; next at %s",
		sched.ID, runID, sched.ClientID, next.Format(time.RFC3339))
}

// NextRunTime advances a firing time by one schedule period. Calendar
// arithmetic, so monthly means "same day next month" rather than a fixed
// number of hours.
func NextRunTime(freq types.ScheduleFrequency, from time.Time) time.Time {
	switch freq {
	case types.FreqWeekly:
		return from.AddDate(0, 0, 7)
	case types.FreqMonthly:
		return from.AddDate(0, 1, 0)
	case types.FreqQuarterly:
		return from.AddDate(0, 3, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

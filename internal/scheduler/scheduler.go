// Package scheduler implements the daily run scheduler: it activates and
// tears down a supervisor on configured time-of-day windows, enforcing
// that only one supervisor instance exists at a time.
//
// Grounded on __main__.py's use of the Python `schedule` package for
// `run.every().day.at(start).do(create_supervisor)` /
// `.at(stop).do(tear_down_supervisor)`. No full example repo ships a cron
// scheduler of its own, but github.com/robfig/cron/v3 is a direct
// dependency of three manifests retrieved alongside this pack
// (DataDog-datadog-agent, jmylchreest-tvarr, viamrobotics-rdk), so rather
// than hand-roll daily rescheduling on top of time.Timer, two cron
// entries per [run*] section -- one at its start time-of-day, one at its
// stop -- drive activation and teardown, with robfig/cron owning the
// "what's the next occurrence, including across midnight" arithmetic.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/trackit-systems/batrack/internal/config"
)

// Supervisor is the narrow capability the scheduler drives: anything with
// a cooperative Start/Stop lifecycle, satisfied by *supervisor.Supervisor.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop()
}

// Factory builds a fresh Supervisor for one activated run, merging the
// run's overrides into station configuration. Kept as a callback so the
// scheduler stays decoupled from unit/supervisor construction, which
// belongs to cmd/batrack.
type Factory func(run config.Run) (Supervisor, error)

// Scheduler activates and tears down a station run on a daily schedule.
type Scheduler struct {
	runs           []config.Run
	continuousBase config.Base
	factory        Factory
	logger         *log.Logger

	// mu is the single-supervisor mutex: activate acquires it and
	// deactivate releases it, so at most one supervisor runs across
	// every configured [run*] section at any instant, even when two
	// sections' windows would otherwise overlap. It is held across the
	// activate/deactivate gap by design, so reading or clearing current
	// itself goes through the separate stateMu below rather than mu.
	mu sync.Mutex

	stateMu sync.Mutex
	current Supervisor
}

// New constructs a Scheduler over the configured [run*] sections. An empty
// runs slice means "run one supervisor continuously until signalled" over
// continuousBase (the top-level [BatRack] defaults).
func New(runs []config.Run, continuousBase config.Base, factory Factory, logger *log.Logger) *Scheduler {
	return &Scheduler{runs: runs, continuousBase: continuousBase, factory: factory, logger: logger}
}

// Run blocks until ctx is cancelled, activating and tearing down
// supervisors per the configured windows (or running one continuously if
// no windows are configured).
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.runs) == 0 {
		s.runContinuous(ctx)
		return
	}

	c := cron.New(cron.WithSeconds())

	for _, run := range s.runs {
		run := run

		if withinWindow(run, time.Now()) {
			go s.activate(ctx, run)
		}

		startSpec := cronSpec(run.Start)
		stopSpec := cronSpec(run.Stop)

		if _, err := c.AddFunc(startSpec, func() { s.activate(ctx, run) }); err != nil && s.logger != nil {
			s.logger.Error("scheduler: invalid start schedule", "run", run.Name, "err", err)
		}
		if _, err := c.AddFunc(stopSpec, func() { s.deactivate(run) }); err != nil && s.logger != nil {
			s.logger.Error("scheduler: invalid stop schedule", "run", run.Name, "err", err)
		}
	}

	c.Start()
	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done() // every in-flight activate/deactivate job has returned

	// If a window was still open when ctx was cancelled, its matching
	// deactivate will never fire (cron is already stopped), so force the
	// teardown here and release the mutex activate left held.
	s.stateMu.Lock()
	cur := s.current
	s.current = nil
	s.stateMu.Unlock()

	if cur != nil {
		cur.Stop()
		s.mu.Unlock()
	}
}

func (s *Scheduler) runContinuous(ctx context.Context) {
	sup, err := s.factory(config.Run{Name: "continuous", Base: s.continuousBase})
	if err != nil {
		if s.logger != nil {
			s.logger.Error("scheduler: building continuous supervisor", "err", err)
		}
		return
	}

	s.mu.Lock()
	if err := sup.Start(ctx); err != nil {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Error("scheduler: starting continuous supervisor", "err", err)
		}
		return
	}

	<-ctx.Done()
	sup.Stop()
	s.mu.Unlock()
}

// activate acquires the single-supervisor mutex and starts one, so only
// one supervisor instance exists at a time. Held across the gap until
// the matching deactivate fires, so an overlapping run's own activate
// simply blocks until this run's window closes.
func (s *Scheduler) activate(ctx context.Context, run config.Run) {
	s.mu.Lock()

	sup, err := s.factory(run)
	if err != nil {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Error("scheduler: building supervisor", "run", run.Name, "err", err)
		}
		return
	}

	if err := sup.Start(ctx); err != nil {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Error("scheduler: starting supervisor", "run", run.Name, "err", err)
		}
		return
	}

	s.stateMu.Lock()
	s.current = sup
	s.stateMu.Unlock()

	if s.logger != nil {
		s.logger.Info("scheduler: supervisor created", "run", run.Name)
	}
}

// deactivate tears down the active supervisor and releases the mutex
// activate acquired. A stop firing with nothing active (the process
// started outside any window, or a previous activate failed) is a no-op.
func (s *Scheduler) deactivate(run config.Run) {
	s.stateMu.Lock()
	cur := s.current
	s.current = nil
	s.stateMu.Unlock()

	if cur == nil {
		return
	}

	if s.logger != nil {
		s.logger.Info("scheduler: tearing down supervisor", "run", run.Name)
	}
	cur.Stop()
	s.mu.Unlock()
}

// withinWindow reports whether now's time-of-day falls in [run.Start, run.Stop).
func withinWindow(run config.Run, now time.Time) bool {
	nowTOD := timeOfDay(now)
	return !nowTOD.Before(run.Start) && nowTOD.Before(run.Stop)
}

func timeOfDay(t time.Time) config.TimeOfDay {
	h, m, sec := t.Clock()
	return config.TimeOfDay{Hour: h, Minute: m, Second: sec}
}

// cronSpec renders a TimeOfDay as a robfig/cron 6-field (seconds-enabled)
// expression firing once a day at that instant.
func cronSpec(t config.TimeOfDay) string {
	return fmt.Sprintf("%d %d %d * * *", t.Second, t.Minute, t.Hour)
}

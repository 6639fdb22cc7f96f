package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackit-systems/batrack/internal/config"
)

type fakeSupervisor struct {
	startCalls int32
	stopCalls  int32
	startErr   error
}

func (s *fakeSupervisor) Start(ctx context.Context) error {
	atomic.AddInt32(&s.startCalls, 1)
	return s.startErr
}

func (s *fakeSupervisor) Stop() {
	atomic.AddInt32(&s.stopCalls, 1)
}

func Test_withinWindow(t *testing.T) {
	run := config.Run{
		Start: config.TimeOfDay{Hour: 8},
		Stop:  config.TimeOfDay{Hour: 20},
	}

	inside := time.Date(2026, 7, 31, 12, 0, 0, 0, time.Local)
	before := time.Date(2026, 7, 31, 6, 0, 0, 0, time.Local)
	after := time.Date(2026, 7, 31, 21, 0, 0, 0, time.Local)

	assert.True(t, withinWindow(run, inside))
	assert.False(t, withinWindow(run, before))
	assert.False(t, withinWindow(run, after))
}

func Test_cronSpec_rendersSecondsMinutesHours(t *testing.T) {
	assert.Equal(t, "5 30 8 * * *", cronSpec(config.TimeOfDay{Hour: 8, Minute: 30, Second: 5}))
	assert.Equal(t, "0 0 0 * * *", cronSpec(config.TimeOfDay{}))
}

func Test_activate_thenDeactivate_startsAndStopsOnce(t *testing.T) {
	var built []*fakeSupervisor
	var mu sync.Mutex
	factory := func(run config.Run) (Supervisor, error) {
		sup := &fakeSupervisor{}
		mu.Lock()
		built = append(built, sup)
		mu.Unlock()
		return sup, nil
	}

	s := New(nil, config.Base{}, factory, nil)
	run := config.Run{Name: "morning"}

	s.activate(context.Background(), run)
	require.Len(t, built, 1)
	assert.EqualValues(t, 1, built[0].startCalls)

	s.deactivate(run)
	assert.EqualValues(t, 1, built[0].stopCalls)
	assert.Nil(t, s.current)
}

func Test_deactivate_withNothingActiveIsANoop(t *testing.T) {
	s := New(nil, config.Base{}, func(run config.Run) (Supervisor, error) {
		return &fakeSupervisor{}, nil
	}, nil)

	require.NotPanics(t, func() { s.deactivate(config.Run{Name: "stray-stop"}) })
}

func Test_activate_enforcesSingleSupervisorMutex(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	factory := func(run config.Run) (Supervisor, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		return &fakeSupervisor{}, nil
	}

	s := New(nil, config.Base{}, factory, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			run := config.Run{Name: "r"}
			s.activate(ctx, run)
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			s.deactivate(run)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxConcurrent, "the single-supervisor mutex must serialize overlapping activations")
}

func Test_Run_activatesImmediatelyWhenStartedInsideWindow(t *testing.T) {
	now := time.Now()
	todNow := timeOfDay(now)

	run := config.Run{
		Name:  "inside",
		Start: config.TimeOfDay{Hour: todNow.Hour, Minute: 0},
		Stop:  config.TimeOfDay{Hour: todNow.Hour + 1, Minute: 0},
	}
	if run.Stop.Hour >= 24 {
		t.Skip("flaky near midnight")
	}

	started := make(chan struct{}, 1)
	factory := func(run config.Run) (Supervisor, error) {
		sup := &fakeSupervisor{}
		select {
		case started <- struct{}{}:
		default:
		}
		return sup, nil
	}

	s := New([]config.Run{run}, config.Base{}, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not activate immediately for a window already open at startup")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not return after ctx was cancelled")
	}
}

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackit-systems/batrack/internal/events"
	"github.com/trackit-systems/batrack/internal/unit"
)

type fakeUnit struct {
	mu sync.Mutex

	name       string
	useTrigger bool
	trigger    bool
	recording  bool

	startCalls    int
	stopCalls     int
	startRecCalls int
	stopRecCalls  int

	status unit.Status
}

func (u *fakeUnit) Name() string     { return u.name }
func (u *fakeUnit) UseTrigger() bool { return u.useTrigger }

func (u *fakeUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.startCalls++
	return nil
}

func (u *fakeUnit) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopCalls++
}

func (u *fakeUnit) StartRecording() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.startRecCalls++
	u.recording = true
}

func (u *fakeUnit) StopRecording() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopRecCalls++
	u.recording = false
}

func (u *fakeUnit) Trigger() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.trigger
}

func (u *fakeUnit) Recording() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.recording
}

func (u *fakeUnit) Alive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status.Alive
}

func (u *fakeUnit) Status() unit.Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *fakeUnit) setTrigger(v bool) {
	u.mu.Lock()
	u.trigger = v
	u.mu.Unlock()
}

func (u *fakeUnit) setStatus(s unit.Status) {
	u.mu.Lock()
	u.status = s
	u.mu.Unlock()
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.TriggerEvent
}

func (s *fakeSink) Record(ev events.TriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func Test_Start_startsEveryUnit(t *testing.T) {
	a := &fakeUnit{name: "a", useTrigger: true}
	b := &fakeUnit{name: "b", useTrigger: true}

	sup := New(Station{Host: "teststation"}, false, 0, []unit.Unit{a, b}, events.NewRecorder(&fakeSink{}), 1883, nil)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, 1, a.startCalls)
	assert.Equal(t, 1, b.startCalls)

	sup.Stop()
	assert.Equal(t, 1, a.stopCalls)
	assert.Equal(t, 1, b.stopCalls)
}

func Test_evaluateTriggers_fansOutOnlyOnSystemTriggerChange(t *testing.T) {
	a := &fakeUnit{name: "a", useTrigger: true}
	b := &fakeUnit{name: "b", useTrigger: true}
	sink := &fakeSink{}

	sup := New(Station{Host: "teststation"}, false, 0, []unit.Unit{a, b}, events.NewRecorder(sink), 1883, nil)

	a.setTrigger(true)
	require.True(t, sup.evaluateTriggers("a", true, map[string]any{}))
	assert.Equal(t, 1, a.startRecCalls, "rising edge fans StartRecording out to every unit")
	assert.Equal(t, 1, b.startRecCalls)
	assert.Equal(t, 1, sink.len())

	// b also trigger: system_trigger was already true, so no further fan-out.
	b.setTrigger(true)
	require.True(t, sup.evaluateTriggers("b", true, map[string]any{}))
	assert.Equal(t, 1, a.startRecCalls, "system_trigger unchanged: no further fan-out")
	assert.Equal(t, 1, b.startRecCalls)
	assert.Equal(t, 2, sink.len(), "every edge is still recorded regardless of fan-out")

	// a releases, but b is still triggered: system_trigger stays true.
	a.setTrigger(false)
	require.True(t, sup.evaluateTriggers("a", false, map[string]any{}))
	assert.Equal(t, 1, a.startRecCalls)

	// b releases: system_trigger now false, fans StopRecording out.
	b.setTrigger(false)
	require.False(t, sup.evaluateTriggers("b", false, map[string]any{}))
	assert.Equal(t, 1, a.stopRecCalls)
	assert.Equal(t, 1, b.stopRecCalls)
}

func Test_Start_alwaysOnPrimesRecordingAtBoot(t *testing.T) {
	a := &fakeUnit{name: "a", useTrigger: false}

	sup := New(Station{Host: "teststation"}, true, 0, []unit.Unit{a}, events.NewRecorder(&fakeSink{}), 1883, nil)

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, 1, a.startRecCalls, "always_on must prime start_recording on every unit at boot")
	assert.True(t, sup.SystemTrigger())

	sup.Stop()
}

func Test_heartbeatLoop_terminatesWhenAUnitDiesUnexpectedly(t *testing.T) {
	a := &fakeUnit{name: "a"}
	a.setStatus(unit.Status{Running: true, Alive: true})

	sup := New(Station{Host: "teststation"}, false, 0, []unit.Unit{a}, events.NewRecorder(&fakeSink{}), 1883, nil)
	sup.dutyCycle = 10 * time.Millisecond

	terminated := make(chan struct{})
	sup.onUnitDied = func() { close(terminated) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.heartbeatLoop(ctx)

	// Unit is alive: the heartbeat must not terminate yet.
	select {
	case <-terminated:
		t.Fatal("terminate() fired while the unit was still alive")
	case <-time.After(30 * time.Millisecond):
	}

	a.setStatus(unit.Status{Running: true, Alive: false})

	select {
	case <-terminated:
	case <-time.After(1 * time.Second):
		t.Fatal("heartbeat never escalated a running-but-not-alive unit")
	}
}

func Test_heartbeatLoop_stopsWithContext(t *testing.T) {
	a := &fakeUnit{name: "a"}
	a.setStatus(unit.Status{Running: true, Alive: true})

	sup := New(Station{Host: "teststation"}, false, 0, []unit.Unit{a}, events.NewRecorder(&fakeSink{}), 1883, nil)
	sup.dutyCycle = 5 * time.Millisecond

	called := false
	sup.onUnitDied = func() { called = true }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.heartbeatLoop(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("heartbeatLoop did not stop when ctx was cancelled")
	}
	assert.False(t, called, "an alive unit must never trigger termination")
}

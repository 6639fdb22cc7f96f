// Package unit defines the analysis-unit contract shared by the audio,
// VHF and camera sensing units, following the AbstractAnalysisUnit split
// in batrack/sensors.py: a concrete base that owns trigger state and
// status reporting, with Start/Stop/recording left to each concrete
// unit.
package unit

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// TriggerFunc is invoked synchronously on every edge of a unit's own
// trigger, after the unit has released its trigger mutex. It is the only
// path by which a unit reaches the fusion supervisor.
type TriggerFunc func(source string, value bool, payload map[string]any)

// Unit is the capability every analysis unit exposes to the supervisor.
type Unit interface {
	Name() string
	UseTrigger() bool
	Start(ctx context.Context) error
	Stop()
	StartRecording()
	StopRecording()
	Trigger() bool
	Recording() bool
	Status() Status
	Alive() bool
}

// Status is the snapshot a unit's get_status() returns.
type Status struct {
	Running    bool
	Alive      bool
	Recording  bool
	UseTrigger bool
	Trigger    bool
}

// Base implements the shared lifecycle bookkeeping every concrete unit
// embeds: trigger ownership, ownership of the running/alive flags, and the
// single path (SetTrigger) by which a trigger edge reaches the supervisor.
type Base struct {
	name       string
	useTrigger bool
	callback   TriggerFunc
	logger     *log.Logger

	mu        sync.Mutex
	running   bool
	alive     bool
	trigger   bool
	recording bool
}

// NewBase constructs the embeddable base for a concrete unit.
func NewBase(name string, useTrigger bool, callback TriggerFunc, logger *log.Logger) *Base {
	return &Base{
		name:       name,
		useTrigger: useTrigger,
		callback:   callback,
		logger:     logger,
	}
}

func (b *Base) Name() string       { return b.name }
func (b *Base) UseTrigger() bool   { return b.useTrigger }
func (b *Base) Logger() *log.Logger { return b.logger }

// Trigger reports the unit's current trigger value.
func (b *Base) Trigger() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trigger
}

// Recording reports whether this unit is currently recording. The flag is
// set by the unit's own StartRecording/StopRecording, which the
// supervisor's fan-out invokes.
func (b *Base) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recording
}

// SetRecording is called by a concrete unit's StartRecording/StopRecording
// as the supervisor's fan-out drives them.
func (b *Base) SetRecording(v bool) {
	b.mu.Lock()
	b.recording = v
	b.mu.Unlock()
}

// SetRunning marks the unit's run loop as started or stopped.
func (b *Base) SetRunning(v bool) {
	b.mu.Lock()
	b.running = v
	if !v {
		b.alive = false
	}
	b.mu.Unlock()
}

// SetAlive marks the run loop as alive (distinct from Running: a unit can
// be marked running by Start and later discovered dead by the heartbeat).
func (b *Base) SetAlive(v bool) {
	b.mu.Lock()
	b.alive = v
	b.mu.Unlock()
}

func (b *Base) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetTrigger is the only path by which a unit changes its own trigger
// state. If value differs from the current trigger, it updates the state
// then invokes the callback synchronously -- the only path by which a
// unit influences fusion.
func (b *Base) SetTrigger(value bool, payload map[string]any) {
	b.mu.Lock()
	if b.trigger == value {
		b.mu.Unlock()
		return
	}
	b.trigger = value
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Info("trigger changed", "unit", b.name, "trigger", value, "payload", payload)
	}
	if b.callback != nil {
		b.callback(b.name, value, payload)
	}
}

// Status returns the current status snapshot.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Running:    b.running,
		Alive:      b.alive,
		Recording:  b.recording,
		UseTrigger: b.useTrigger,
		Trigger:    b.trigger,
	}
}

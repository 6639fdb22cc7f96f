// Package vhf implements the VHF presence detector: it consumes an
// external radiotracking feed over MQTT, bins matched signals by
// monitored transmitter frequency, and applies a variance+count activity
// rule to derive a timed trigger. Grounded on batrack/vhf.py's
// VHFAnalysisUnit, with github.com/eclipse/paho.mqtt.golang replacing
// paho-mqtt-python (also a direct dependency of the tphakala-birdnet-go
// and LumenPrima-tr-engine manifests retrieved alongside this pack) and
// github.com/fxamacker/cbor/v2 replacing cbor2 (likewise carried by the
// seedhammer-seedhammer and DataDog-datadog-agent manifests) -- neither
// of which doismellburning-samoyed itself uses, since it never speaks
// MQTT or CBOR.
package vhf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trackit-systems/batrack/internal/config"
	"github.com/trackit-systems/batrack/internal/unit"
)

// MatchedSignal is the wire record published by the radiotracking service
// on "+/radiotracking/matched/cbor".
type MatchedSignal struct {
	Timestamp   time.Time `cbor:"ts"`
	FrequencyHz float64   `cbor:"frequency_hz"`
	AvgPowerDBW float64   `cbor:"avg_power_dbw"`
}

// sample is one (timestamp, power) observation kept in a frequency bin.
type sample struct {
	ts    time.Time
	power float64
}

// frequencyBin is the half-open interval monitored for one configured
// MHz, plus its ordered recent samples.
type frequencyBin struct {
	mhz     float64
	lowerHz float64
	upperHz float64
	samples []sample
}

// Unit is the VHF analysis unit.
type Unit struct {
	*unit.Base

	cfg    config.VHF
	logger *log.Logger

	mqttHost      string
	mqttPort      int
	mqttKeepalive int
	stationHost   string

	mu   sync.Mutex
	bins []*frequencyBin

	untriggerTS time.Time

	client mqtt.Client
	cancel context.CancelFunc
}

// New constructs the VHF unit from its configuration section.
func New(cfg config.VHF, mqttHost string, mqttPort, mqttKeepalive int, stationHost string, useTrigger bool, callback unit.TriggerFunc, logger *log.Logger) *Unit {
	u := &Unit{
		cfg:           cfg,
		logger:        logger,
		mqttHost:      mqttHost,
		mqttPort:      mqttPort,
		mqttKeepalive: mqttKeepalive,
		stationHost:   stationHost,
	}
	u.Base = unit.NewBase("VHFAnalysisUnit", useTrigger, callback, logger)

	for _, mhz := range cfg.SigFreqsMHz {
		center := mhz * 1_000_000
		half := float64(cfg.FreqBWHz) / 2
		u.bins = append(u.bins, &frequencyBin{
			mhz:     mhz,
			lowerHz: center - half,
			upperHz: center + half,
		})
	}

	return u
}

// Start connects to the broker and subscribes to the matched-signal topic
// pattern.
func (u *Unit) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", u.mqttHost, u.mqttPort)).
		SetClientID(u.stationHost + "-batrack-client").
		SetCleanSession(false).
		SetKeepAlive(time.Duration(u.mqttKeepalive) * time.Second).
		SetAutoReconnect(true)

	u.client = mqtt.NewClient(opts)
	if tok := u.client.Connect(); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("vhf: mqtt connect: %w", tok.Error())
	}

	const topicMatchedCBOR = "+/radiotracking/matched/cbor"
	if tok := u.client.Subscribe(topicMatchedCBOR, 0, u.onMatchedCBOR); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("vhf: subscribe: %w", tok.Error())
	}
	if u.logger != nil {
		u.logger.Info("subscribed", "topic", topicMatchedCBOR)
	}

	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.untriggerTS = time.Now()
	u.SetRunning(true)
	u.SetAlive(true)

	go u.untriggerLoop(runCtx)

	return nil
}

// onMatchedCBOR is the MQTT message callback; paho invokes it serially per
// subscription, so the bins are only ever touched from this goroutine.
func (u *Unit) onMatchedCBOR(client mqtt.Client, msg mqtt.Message) {
	var sig MatchedSignal
	if err := cbor.Unmarshal(msg.Payload(), &sig); err != nil {
		if u.logger != nil {
			u.logger.Warn("vhf: malformed matched signal", "err", err)
		}
		return
	}

	u.handleSignal(sig)
}

// handleSignal is the acceptance procedure for one matched signal,
// pulled out of the MQTT callback for direct unit testing.
func (u *Unit) handleSignal(sig MatchedSignal) {
	u.mu.Lock()
	defer u.mu.Unlock()

	bin := u.findBin(sig.FrequencyHz)
	if bin == nil {
		return
	}

	bin.samples = append(bin.samples, sample{ts: sig.Timestamp, power: sig.AvgPowerDBW})

	belowThreshold := sig.AvgPowerDBW < u.cfg.SigThresholdDBW

	cutoff := sig.Timestamp.Add(-time.Duration(u.cfg.FreqActiveWindowS * float64(time.Second)))
	kept := bin.samples[:0:0]
	for _, s := range bin.samples {
		if s.ts.After(cutoff) {
			kept = append(kept, s)
		}
	}
	bin.samples = kept

	if belowThreshold {
		return
	}

	count := len(bin.samples)
	accept := false
	if count < u.cfg.FreqActiveCount {
		accept = true // rising edge: previously absent
	} else if stddev(bin.samples) >= u.cfg.FreqActiveVar {
		accept = true
	}

	if !accept {
		return
	}

	// untrigger_ts = max(untrigger_ts, signal.ts + untrigger_duration_s),
	// so a reordered or replayed signal can never shrink the active window
	// (see DESIGN.md).
	candidate := sig.Timestamp.Add(time.Duration(u.cfg.UntriggerDurationS * float64(time.Second)))
	if candidate.After(u.untriggerTS) {
		u.untriggerTS = candidate
	}

	u.SetTrigger(true, map[string]any{
		"frequency_hz": sig.FrequencyHz,
		"power_dbw":    sig.AvgPowerDBW,
		"count":        count,
	})
}

func (u *Unit) findBin(freqHz float64) *frequencyBin {
	for _, b := range u.bins {
		if freqHz >= b.lowerHz && freqHz < b.upperHz {
			return b
		}
	}
	return nil
}

func stddev(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.power
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := s.power - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}

// untriggerLoop polls for the self-release deadline: each iteration, if
// untrigger_ts < now and trigger is true, set_trigger(false).
func (u *Unit) untriggerLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			deadline := u.untriggerTS
			u.mu.Unlock()

			if deadline.Before(time.Now()) && u.Trigger() {
				u.SetTrigger(false, map[string]any{})
			}
		}
	}
}

// Stop disconnects from the broker.
func (u *Unit) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	if u.client != nil {
		u.client.Disconnect(250)
	}
	u.SetRunning(false)
}

// StartRecording is a no-op: the VHF sensor records continuously via the
// external radiotracking service.
func (u *Unit) StartRecording() {}

// StopRecording is a no-op, for the same reason.
func (u *Unit) StopRecording() {}

// Bins returns a read-only snapshot of the current bin state, for tests.
func (u *Unit) Bins() []struct {
	MHz     float64
	Samples int
} {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]struct {
		MHz     float64
		Samples int
	}, len(u.bins))
	for i, b := range u.bins {
		out[i].MHz = b.mhz
		out[i].Samples = len(b.samples)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MHz < out[j].MHz })
	return out
}

// Package audio implements the acoustic activity detector: it captures
// microphone blocks, runs a windowed FFT, classifies each block as noisy
// or quiet via a ping state machine, and writes rolling WAV segments while
// triggered. Grounded on batrack/audio.py's AudioAnalysisUnit and
// WaveWriter, capture driven by github.com/gordonklaus/portaudio replacing
// pyaudio.
package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/trackit-systems/batrack/internal/config"
	"github.com/trackit-systems/batrack/internal/unit"
)

// Unit is the audio analysis unit.
type Unit struct {
	*unit.Base

	cfg      config.Audio
	dataPath string
	host     string
	logger   *log.Logger

	inputFramesPerBlock int
	noiseBlocksMax       float64
	quietBlocksMax       float64
	maxFrames            int64

	stream *portaudio.Stream

	// ping state machine, touched only from the capture callback goroutine.
	pings       int
	noiseBlocks int
	quietBlocks int

	frameCount int64 // atomic-ish, guarded by mu below for the health loop

	mu     sync.Mutex
	writer *waveWriter

	cancel context.CancelFunc
}

// New constructs the audio unit. useTrigger mirrors use_trigger_audio.
func New(cfg config.Audio, dataPath, host string, useTrigger bool, callback unit.TriggerFunc, logger *log.Logger) *Unit {
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 250000
	}
	if cfg.LowpassHz == 0 {
		cfg.LowpassHz = 42000
	}
	if cfg.InputBlockDuration == 0 {
		cfg.InputBlockDuration = 0.05
	}

	framesPerBlock := int(float64(cfg.SamplingRate) * cfg.InputBlockDuration)

	u := &Unit{
		cfg:                 cfg,
		dataPath:            dataPath,
		host:                host,
		logger:              logger,
		inputFramesPerBlock: framesPerBlock,
		noiseBlocksMax:      cfg.NoiseThresholdS / cfg.InputBlockDuration,
		quietBlocksMax:      cfg.QuietThresholdS / cfg.InputBlockDuration,
		maxFrames:           int64(cfg.WaveExportLenS * float64(cfg.SamplingRate)),
	}
	u.Base = unit.NewBase("AudioAnalysisUnit", useTrigger, callback, logger)
	return u
}

// Start opens the microphone stream and begins the 2s frame-count health
// check.
func (u *Unit) Start(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}

	deviceIndex, err := findInputDevice()
	if err != nil {
		if u.logger != nil {
			u.logger.Warn("audio: device lookup failed, using default", "err", err)
		}
	}

	params := portaudio.LowLatencyParameters(deviceIndex, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(u.cfg.SamplingRate)
	params.FramesPerBuffer = u.inputFramesPerBlock

	stream, err := portaudio.OpenStream(params, u.handleBlock)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("audio: open stream: %w", err)
	}
	u.stream = stream

	if err := stream.Start(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("audio: start stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.SetRunning(true)
	u.SetAlive(true)

	go u.healthLoop(runCtx)

	return nil
}

func (u *Unit) handleBlock(in []int16) {
	u.mu.Lock()
	u.frameCount++
	writer := u.writer
	u.mu.Unlock()

	u.analyzeBlock(in)

	if writer != nil {
		block := make([]int16, len(in))
		copy(block, in)
		writer.enqueue(block)
	}
}

// analyzeBlock runs the per-block analysis and ping state machine. It
// must never block: the FFT and classification are bounded work run
// inline on the capture callback's own goroutine.
func (u *Unit) analyzeBlock(in []int16) {
	peakDB, peakFreqHz := spectrum(in, u.cfg.SamplingRate, u.cfg.HighpassHz, u.cfg.LowpassHz)

	if peakDB > float64(u.cfg.ThresholdDBFS) {
		// noisy block
		u.quietBlocks = 0
		u.noiseBlocks++
		return
	}

	// quiet block
	if u.noiseBlocks >= 1 && float64(u.noiseBlocks) <= u.noiseBlocksMax {
		u.pings++
		if u.logger != nil {
			u.logger.Debug("detected ping", "pings", u.pings)
		}
	}

	if u.pings >= 1 && !u.Trigger() {
		u.SetTrigger(true, map[string]any{"pings": u.pings, "ping_frequency_hz": peakFreqHz})
	}

	if float64(u.quietBlocks) > u.quietBlocksMax && u.Trigger() {
		u.SetTrigger(false, map[string]any{"quiet_blocks": u.quietBlocks})
		u.pings = 0
	}

	u.noiseBlocks = 0
	u.quietBlocks++
}

// healthLoop observes frame_count every 2s; on a silent interval it
// performs the one documented USB power-cycle attempt and exits the run
// loop, leaving the supervisor's heartbeat to notice Alive() went false.
func (u *Unit) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.teardownStream()
			return
		case <-ticker.C:
			u.mu.Lock()
			count := u.frameCount
			u.frameCount = 0
			u.mu.Unlock()

			if count == 0 {
				if u.logger != nil {
					u.logger.Warn("received no frames, power cycling usb")
				}
				u.cycleUSB()
				u.teardownStream()
				u.SetAlive(false)
				return
			}
		}
	}
}

func (u *Unit) cycleUSB() {
	if u.cfg.USBCycleCommand == "" {
		return
	}
	cmd := exec.Command("sh", "-c", u.cfg.USBCycleCommand)
	if err := cmd.Run(); err != nil && u.logger != nil {
		u.logger.Error("usb power cycle command failed", "err", err)
	}
}

func (u *Unit) teardownStream() {
	u.mu.Lock()
	writer := u.writer
	u.writer = nil
	u.mu.Unlock()

	if writer != nil {
		writer.stop()
	}

	if u.stream != nil {
		u.stream.Stop()
		u.stream.Close()
	}
	portaudio.Terminate()
}

// Stop is cooperative: it drains and closes any active WaveWriter, then
// cancels the health loop's context. The health loop tears the stream
// down on its own goroutine; Stop returns without waiting for that.
func (u *Unit) Stop() {
	u.StopRecording()
	if u.cancel != nil {
		u.cancel()
	}
	u.SetRunning(false)
}

// StartRecording opens a new rolling WaveWriter.
func (u *Unit) StartRecording() {
	if u.maxFrames <= 0 {
		if u.logger != nil {
			u.logger.Info("wave export length is zero, not creating wave file")
		}
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.writer != nil {
		if u.logger != nil {
			u.logger.Warn("another wave is opened, not creating new file")
		}
		return
	}

	if u.logger != nil {
		u.logger.Info("starting audio recording")
	}

	w := newWaveWriter(u.dataPath, u.host, u.cfg.SamplingRate, u.maxFrames, u.logger)
	go w.run()
	u.writer = w
	u.SetRecording(true)
}

// StopRecording drains and closes the active WaveWriter.
func (u *Unit) StopRecording() {
	u.mu.Lock()
	w := u.writer
	u.writer = nil
	u.mu.Unlock()

	if w != nil {
		if u.logger != nil {
			u.logger.Info("stopping audio recording")
		}
		w.stop()
	}
	u.SetRecording(false)
}

// findInputDevice selects the first device whose name contains "mic" or
// "input" (case-insensitive), else the system default.
func findInputDevice() (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		lower := strings.ToLower(d.Name)
		if strings.Contains(lower, "mic") || strings.Contains(lower, "input") {
			return d, nil
		}
	}

	return portaudio.DefaultInputDevice()
}

// Package camera implements the illumination and external-recorder
// controller: it owns one GPIO light line and commands an external video
// recorder through a named pipe, reconciling the recorder's state from
// its plaintext log. Grounded on batrack/video.py's CameraAnalysisUnit,
// with github.com/warthog618/go-gpiocdev replacing gpiozero.LED.
package camera

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/warthog618/go-gpiocdev"

	"github.com/trackit-systems/batrack/internal/config"
	"github.com/trackit-systems/batrack/internal/unit"
)

// recorder is the narrow capability the external recorder is abstracted
// behind, so an alternative recorder implementation (or a fake, in
// tests) can be substituted for the real FIFO/log-tail one.
type recorder interface {
	start() error
	stop() error
	awaitConfirmation(kind confirmationKind, timeout time.Duration) (string, bool)
}

type confirmationKind int

const (
	confirmStarted confirmationKind = iota
	confirmStopped
)

// Unit is the camera analysis unit.
type Unit struct {
	*unit.Base

	cfg      config.Camera
	dataPath string
	host     string
	logger   *log.Logger

	light *gpiocdev.Line
	rec   recorder

	cancel context.CancelFunc
}

// New constructs the camera unit. dataPath is where confirmed recordings
// are moved once boxing completes.
func New(cfg config.Camera, dataPath, host string, useTrigger bool, callback unit.TriggerFunc, logger *log.Logger) *Unit {
	if cfg.NumberOfLinesToObserve == 0 {
		cfg.NumberOfLinesToObserve = 5
	}
	if cfg.VideoBoxingTimeoutS == 0 {
		cfg.VideoBoxingTimeoutS = 60
	}

	u := &Unit{
		cfg:      cfg,
		dataPath: dataPath,
		host:     host,
		logger:   logger,
	}
	u.Base = unit.NewBase("CameraAnalysisUnit", useTrigger, callback, logger)
	u.rec = newFIFORecorder(cfg, logger)
	return u
}

// Start requests the GPIO light line and marks the unit running and
// alive. No run loop is started: the camera software itself runs as an
// external process.
func (u *Unit) Start(ctx context.Context) error {
	chip := u.cfg.GPIOChip
	if chip == "" {
		chip = "gpiochip0"
	}

	line, err := gpiocdev.RequestLine(chip, u.cfg.LightPin, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("camera: request gpio line: %w", err)
	}
	u.light = line

	_, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.SetRunning(true)
	u.SetAlive(true)

	return nil
}

// Stop releases the GPIO line.
func (u *Unit) Stop() {
	u.StopRecording()
	if u.cancel != nil {
		u.cancel()
	}
	if u.light != nil {
		u.light.SetValue(0)
		u.light.Close()
	}
	u.SetRunning(false)
}

// StartRecording powers the light on, signals the recorder and, 1s later,
// confirms the start via the log tail. An unconfirmed start is fatal (the
// recorder is considered unrecoverable).
func (u *Unit) StartRecording() {
	if u.Recording() {
		if u.logger != nil {
			u.logger.Info("starting camera recording: ignored, camera already recording")
		}
		return
	}

	if u.logger != nil {
		u.logger.Info("powering light on")
	}
	if u.light != nil {
		u.light.SetValue(1)
	}

	if u.logger != nil {
		u.logger.Info("starting camera recording")
	}
	if err := u.rec.start(); err != nil {
		if u.logger != nil {
			u.logger.Error("writing start command", "err", err)
		}
	}

	u.SetRecording(true)

	go func() {
		time.Sleep(1 * time.Second)
		if _, ok := u.rec.awaitConfirmation(confirmStarted, 0); !ok {
			if u.logger != nil {
				u.logger.Error("capturing start NOT confirmed, terminating")
			}
			os.Exit(1)
		}
		if u.logger != nil {
			u.logger.Info("confirmed capturing started")
		}
	}()
}

// StopRecording signals the recorder, powers the light off and spawns a
// background observer that follows the log for up to
// video_boxing_timeout_s seconds, moving the finished video into
// data_path. Timeout without confirmation is logged and ignored
// (non-fatal).
func (u *Unit) StopRecording() {
	if !u.Recording() {
		if u.logger != nil {
			u.logger.Debug("stopping camera recording: ignored, camera not recording")
		}
		return
	}

	if u.logger != nil {
		u.logger.Info("stopping camera recording")
	}
	if err := u.rec.stop(); err != nil && u.logger != nil {
		u.logger.Error("writing stop command", "err", err)
	}

	if u.logger != nil {
		u.logger.Info("powering light off")
	}
	if u.light != nil {
		u.light.SetValue(0)
	}

	u.SetRecording(false)

	go u.observeStopped()
}

func (u *Unit) observeStopped() {
	timeout := time.Duration(u.cfg.VideoBoxingTimeoutS) * time.Second

	line, ok := u.rec.awaitConfirmation(confirmStopped, timeout)
	if !ok {
		if u.logger != nil {
			u.logger.Warn("capturing stopped NOT confirmed, ignoring")
		}
		return
	}

	if u.logger != nil {
		u.logger.Debug(line)
	}

	path, err := parseBoxingLine(line)
	if err != nil {
		if u.logger != nil {
			u.logger.Warn("could not parse boxing line", "line", line, "err", err)
		}
		return
	}

	if err := u.moveVideo(path); err != nil && u.logger != nil {
		u.logger.Error("moving video", "err", err)
	}
}

// parseBoxingLine extracts the video path from a "Finished boxing <path>"
// log line. The marker may be preceded by an arbitrary timestamp/level
// prefix, so the path is taken as whatever follows the last occurrence
// of "boxing " rather than a fixed field index.
func parseBoxingLine(line string) (string, error) {
	const marker = "boxing "
	idx := strings.LastIndex(line, marker)
	if idx < 0 {
		return "", fmt.Errorf("camera: unexpected boxing line shape: %q", line)
	}
	path := strings.TrimSpace(line[idx+len(marker):])
	if path == "" {
		return "", fmt.Errorf("camera: empty path in boxing line: %q", line)
	}
	return path, nil
}

// moveVideo renames the boxed video to <host>_<video_iso>.<ext> under
// data_path and removes sibling thumbnails matching "<path>.*.th.jpg".
// video_time is parsed from the source filename's YYYYMMDD_HHMMSS fields
// (ex: vi_0281_20230515_151643.mp4).
func (u *Unit) moveVideo(videoPath string) error {
	base := filepath.Base(videoPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	parts := strings.Split(stem, "_")
	if len(parts) < 4 {
		return fmt.Errorf("camera: cannot parse video timestamp from %q", base)
	}
	dateStr, timeStr := parts[len(parts)-2], parts[len(parts)-1]

	videoTime, err := time.ParseInLocation("20060102_150405", dateStr+"_"+timeStr, time.Local)
	if err != nil {
		return fmt.Errorf("camera: parsing video timestamp: %w", err)
	}

	if err := os.MkdirAll(u.dataPath, 0o755); err != nil {
		return err
	}

	targetName := fmt.Sprintf("%s_%s%s", u.host, videoTime.Format("2006-01-02T15_04_05"), ext)
	target := filepath.Join(u.dataPath, targetName)

	if u.logger != nil {
		u.logger.Info("moving video", "from", videoPath, "to", target)
	}
	if err := os.Rename(videoPath, target); err != nil {
		return err
	}

	thumbs, _ := filepath.Glob(videoPath + ".*.th.jpg")
	for _, th := range thumbs {
		if u.logger != nil {
			u.logger.Info("removing thumbnail", "path", th)
		}
		os.Remove(th)
	}

	return nil
}

// fifoRecorder is the production recorder: it writes "1"/"0" to a control
// FIFO and tails a plaintext schedule log.
type fifoRecorder struct {
	fifoPath string
	logPath  string
	numLines int
	logger   *log.Logger
}

func newFIFORecorder(cfg config.Camera, logger *log.Logger) *fifoRecorder {
	folder := cfg.HTMLFolder
	if folder == "" {
		folder = "/var/www/html/"
	}
	return &fifoRecorder{
		fifoPath: filepath.Join(folder, "FIFO1"),
		logPath:  filepath.Join(folder, "scheduleLog.txt"),
		numLines: cfg.NumberOfLinesToObserve,
		logger:   logger,
	}
}

func (r *fifoRecorder) start() error { return r.writeFIFO("1") }
func (r *fifoRecorder) stop() error  { return r.writeFIFO("0") }

func (r *fifoRecorder) writeFIFO(value string) error {
	f, err := os.OpenFile(r.fifoPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("camera: open fifo: %w", err)
	}
	defer f.Close()

	_, err = f.WriteString(value)
	return err
}

// awaitConfirmation tails scheduleLog.txt for the marker text associated
// with kind. For confirmStarted it checks the last numLines of the
// already-written log; for confirmStopped it follows new lines for up to
// timeout, returning the full matching line so the caller can parse a
// boxing path.
func (r *fifoRecorder) awaitConfirmation(kind confirmationKind, timeout time.Duration) (string, bool) {
	switch kind {
	case confirmStarted:
		lines, err := tailLines(r.logPath, r.numLines)
		if err != nil {
			return "", false
		}
		for _, line := range lines {
			if strings.Contains(line, "Capturing started") {
				return line, true
			}
		}
		return "", false

	case confirmStopped:
		return followLog(r.logPath, timeout)
	}

	return "", false
}

func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, scanner.Err()
}

// followLog seeks to the end of path and polls for new lines, returning
// the first one containing "Finished boxing" within timeout. Every other
// line, "Capturing stopped" included, is read past without being logged
// or returned.
func followLog(path string, timeout time.Duration) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	f.Seek(0, 2) // end of file

	deadline := time.Now().Add(timeout)
	reader := bufio.NewReader(f)

	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		line = strings.TrimRight(line, "\r\n")

		if strings.Contains(line, "Finished boxing") {
			return line, true
		}
		// Only "Finished boxing" carries the path moveVideo needs.
	}

	return "", false
}

// Command batrack is the station daemon: it loads configuration, builds
// the enabled sensing units, and runs the daily scheduler until signalled.
//
// Grounded on __main__.py's module-level entrypoint and on
// doismellburning-samoyed's own CLI entrypoints (appserver.go,
// kissutil.go), which parse flags with github.com/spf13/pflag the same
// way.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/trackit-systems/batrack/internal/audio"
	"github.com/trackit-systems/batrack/internal/batlog"
	"github.com/trackit-systems/batrack/internal/camera"
	"github.com/trackit-systems/batrack/internal/config"
	"github.com/trackit-systems/batrack/internal/events"
	"github.com/trackit-systems/batrack/internal/scheduler"
	"github.com/trackit-systems/batrack/internal/supervisor"
	"github.com/trackit-systems/batrack/internal/unit"
	"github.com/trackit-systems/batrack/internal/vhf"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/batrack/batrack.yaml", "Path to the station's YAML configuration file.")
	logLevel := pflag.StringP("log-level", "l", "", "Override the configured logging_level.")
	help := pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: batrack [options]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	file, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batrack: %v\n", err)
		os.Exit(1)
	}

	level := file.BatRack.LoggingLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := batlog.New(level)

	host, err := os.Hostname()
	if err != nil {
		logger.Fatal("could not determine hostname", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down")
		cancel()
	}()

	factory := makeFactory(file, host, logger)

	sched := scheduler.New(file.RunList(), file.BatRack, factory, logger)
	sched.Run(ctx)

	logger.Info("batrack stopped cleanly")
}

// makeFactory returns the scheduler.Factory that builds one Supervisor
// (with its full unit set and event sinks) for a merged run
// configuration.
func makeFactory(file *config.File, host string, logger *log.Logger) scheduler.Factory {
	return func(run config.Run) (scheduler.Supervisor, error) {
		base := run.Base
		startTime := time.Now()

		stationDataPath := filepath.Join(base.DataPath, host, "batrack")

		bus, err := events.NewMQTTBus(base.MQTTHost, base.MQTTPort, base.MQTTKeepalive, host)
		if err != nil {
			return nil, fmt.Errorf("batrack: connecting event bus: %w", err)
		}

		csvSink, err := events.NewCSVSink(stationDataPath, host, run.Name, startTime)
		if err != nil {
			return nil, fmt.Errorf("batrack: opening csv sink: %w", err)
		}

		recorder := events.NewRecorder(bus, csvSink)

		var sup *supervisor.Supervisor
		callback := func(source string, value bool, payload map[string]any) {
			sup.OnTrigger(source, value, payload)
		}

		units := buildUnits(file, base, host, stationDataPath, callback, logger)

		station := supervisor.Station{Host: host, RunName: run.Name, DataPath: stationDataPath}
		sup = supervisor.New(station, base.AlwaysOn.MustBool(), base.DutyCycleS, units, recorder, base.MQTTPort, logger)

		return sup, nil
	}
}

// buildUnits constructs the enabled subset of {audio, VHF, camera} from
// configuration.
func buildUnits(file *config.File, base config.Base, host, stationDataPath string, callback unit.TriggerFunc, logger *log.Logger) []unit.Unit {
	var units []unit.Unit

	if base.UseAudio.MustBool() {
		units = append(units, audio.New(file.Audio, stationDataPath, host, base.UseTriggerAudio.MustBool(), callback, logger))
	}
	if base.UseVHF.MustBool() {
		units = append(units, vhf.New(file.VHF, base.MQTTHost, base.MQTTPort, base.MQTTKeepalive, host, base.UseTriggerVHF.MustBool(), callback, logger))
	}
	if base.UseCamera.MustBool() {
		units = append(units, camera.New(file.Camera, stationDataPath, host, base.UseTriggerCam.MustBool(), callback, logger))
	}

	return units
}

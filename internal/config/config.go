// Package config loads a BatRack station configuration from YAML.
//
// Configuration file parsing sits as an ambient layer around the
// trigger-coordination core; this loader is the thin binding a runnable
// binary needs. It follows the section names of the original
// BatRack.conf (batrack, audio, vhf, camera, and a runs mapping for the
// run* sections) but uses YAML rather
// than INI, since yaml.v3 is the only config-format library
// doismellburning-samoyed itself carries (src/deviceid.go) and no INI
// library appears anywhere in the example pack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Base holds the [BatRack] defaults, shared by the continuous case and by
// every [run*] section after merging.
type Base struct {
	DutyCycleS int    `yaml:"duty_cycle_s"`
	DataPath   string `yaml:"data_path"`

	UseVHF          Bool `yaml:"use_vhf"`
	UseAudio        Bool `yaml:"use_audio"`
	UseCamera       Bool `yaml:"use_camera"`
	UseTimedCamera  Bool `yaml:"use_timed_camera"`
	UseTriggerVHF   Bool `yaml:"use_trigger_vhf"`
	UseTriggerAudio Bool `yaml:"use_trigger_audio"`
	UseTriggerCam   Bool `yaml:"use_trigger_camera"`
	AlwaysOn        Bool `yaml:"always_on"`

	MQTTHost      string `yaml:"mqtt_host"`
	MQTTPort      int    `yaml:"mqtt_port"`
	MQTTKeepalive int    `yaml:"mqtt_keepalive"`

	LoggingLevel string `yaml:"logging_level"`
}

// Run is a [run*] section: the merged Base plus its daily time window.
type Run struct {
	Name  string
	Base  Base
	Start TimeOfDay `yaml:"start"`
	Stop  TimeOfDay `yaml:"stop"`
}

// Audio is the [AudioAnalysisUnit] section.
type Audio struct {
	ThresholdDBFS      int     `yaml:"threshold_dbfs"`
	HighpassHz         int     `yaml:"highpass_hz"`
	LowpassHz          int     `yaml:"lowpass_hz"`
	WaveExportLenS     float64 `yaml:"wave_export_len_s"`
	QuietThresholdS    float64 `yaml:"quiet_threshold_s"`
	NoiseThresholdS    float64 `yaml:"noise_threshold_s"`
	SamplingRate       int     `yaml:"sampling_rate"`
	InputBlockDuration float64 `yaml:"input_block_duration"`
	USBCycleCommand    string  `yaml:"usb_cycle_command"`
}

// VHF is the [VHFAnalysisUnit] section.
type VHF struct {
	FreqBWHz             int       `yaml:"freq_bw_hz"`
	SigFreqsMHz          []float64 `yaml:"sig_freqs_mhz"`
	SigThresholdDBW      float64   `yaml:"sig_threshold_dbw"`
	SigDurationThreshold float64   `yaml:"sig_duration_threshold_s"`
	FreqActiveWindowS    float64   `yaml:"freq_active_window_s"`
	FreqActiveVar        float64   `yaml:"freq_active_var"`
	FreqActiveCount      int       `yaml:"freq_active_count"`
	UntriggerDurationS   float64   `yaml:"untrigger_duration_s"`
}

// Camera is the [CameraAnalysisUnit] section.
type Camera struct {
	LightPin               int    `yaml:"light_pin"`
	GPIOChip               string `yaml:"gpio_chip"`
	HTMLFolder             string `yaml:"html_folder"`
	VideoBoxingTimeoutS    int    `yaml:"video_boxing_timeout_s"`
	NumberOfLinesToObserve int    `yaml:"number_of_lines_to_observe"`
}

// File is the top-level document: BatRack.conf translated to YAML.
type File struct {
	BatRack Base             `yaml:"batrack"`
	Audio   Audio             `yaml:"audio"`
	VHF     VHF               `yaml:"vhf"`
	Camera  Camera            `yaml:"camera"`
	Runs    map[string]RunOverride `yaml:"runs"`
}

// RunOverride is a [run*] section before merging with BatRack defaults.
type RunOverride struct {
	Start       TimeOfDay `yaml:"start"`
	Stop        TimeOfDay `yaml:"stop"`
	Overrides   Base      `yaml:"overrides"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &f, nil
}

// RunList resolves every [run*] section into a merged Run, applying the
// overrides on top of a copy of BatRack defaults -- mirroring
// __main__.py's `run_config = copy.deepcopy(config["BatRack"]);
// run_config.update(config[k])`.
func (f *File) RunList() []Run {
	runs := make([]Run, 0, len(f.Runs))
	for name, ov := range f.Runs {
		merged := f.BatRack
		mergeBase(&merged, ov.Overrides)
		runs = append(runs, Run{Name: name, Base: merged, Start: ov.Start, Stop: ov.Stop})
	}
	return runs
}

// mergeBase copies every non-zero field of ov onto base, field by field,
// since Go has no generic "dict update" for structs.
func mergeBase(base *Base, ov Base) {
	if ov.DutyCycleS != 0 {
		base.DutyCycleS = ov.DutyCycleS
	}
	if ov.DataPath != "" {
		base.DataPath = ov.DataPath
	}
	if ov.UseVHF != "" {
		base.UseVHF = ov.UseVHF
	}
	if ov.UseAudio != "" {
		base.UseAudio = ov.UseAudio
	}
	if ov.UseCamera != "" {
		base.UseCamera = ov.UseCamera
	}
	if ov.UseTimedCamera != "" {
		base.UseTimedCamera = ov.UseTimedCamera
	}
	if ov.UseTriggerVHF != "" {
		base.UseTriggerVHF = ov.UseTriggerVHF
	}
	if ov.UseTriggerAudio != "" {
		base.UseTriggerAudio = ov.UseTriggerAudio
	}
	if ov.UseTriggerCam != "" {
		base.UseTriggerCam = ov.UseTriggerCam
	}
	if ov.AlwaysOn != "" {
		base.AlwaysOn = ov.AlwaysOn
	}
	if ov.MQTTHost != "" {
		base.MQTTHost = ov.MQTTHost
	}
	if ov.MQTTPort != 0 {
		base.MQTTPort = ov.MQTTPort
	}
	if ov.MQTTKeepalive != 0 {
		base.MQTTKeepalive = ov.MQTTKeepalive
	}
	if ov.LoggingLevel != "" {
		base.LoggingLevel = ov.LoggingLevel
	}
}

// Bool is a YAML scalar that may arrive as a real bool, an integer 0/1, or
// one of the Python distutils.util.strtobool spellings ("yes", "true",
// "on", "1", ...). It is the single "parse boolean" helper: values are
// checked once, at ingestion, and read back as Go bools via Bool/MustBool.
type Bool string

// UnmarshalYAML accepts bool, int and string scalars, rejecting any value
// Bool() cannot coerce.
func (b *Bool) UnmarshalYAML(value *yaml.Node) error {
	candidate := Bool(value.Value)
	if _, err := candidate.Bool(); err != nil {
		return err
	}
	*b = candidate
	return nil
}

// Bool coerces the raw scalar to a strict Go bool.
func (b Bool) Bool() (bool, error) {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	switch s {
	case "":
		return false, nil
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v, nil
	}
	return false, fmt.Errorf("config: invalid boolean value %q", string(b))
}

// MustBool is Bool() with the zero value substituted for an unparsable
// scalar; used for fields we have already validated at Load time.
func (b Bool) MustBool() bool {
	v, _ := b.Bool()
	return v
}

// TimeOfDay is a HH:MM[:SS] value, as used by [run*] "start" and "stop".
type TimeOfDay struct {
	Hour, Minute, Second int
}

// UnmarshalYAML parses "HH:MM" or "HH:MM:SS".
func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseTimeOfDay(value.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("config: invalid time of day %q", s)
	}

	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("config: invalid time of day %q: %w", s, err)
		}
		vals[i] = n
	}

	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// Before reports whether t is strictly earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.seconds() < other.seconds()
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Today returns the absolute time on the given day that this time-of-day
// denotes, in now's location.
func (t TimeOfDay) Today(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, t.Second, 0, now.Location())
}

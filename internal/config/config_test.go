package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Bool_acceptsPythonStyleSpellings(t *testing.T) {
	cases := map[string]bool{
		"true": true, "yes": true, "on": true, "1": true, "Y": true,
		"false": false, "no": false, "off": false, "0": false, "": false,
	}
	for raw, want := range cases {
		got, err := Bool(raw).Bool()
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func Test_Bool_rejectsGarbage(t *testing.T) {
	_, err := Bool("maybe").Bool()
	assert.Error(t, err)
}

func Test_ParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("08:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 8, Minute: 30, Second: 0}, tod)

	tod, err = ParseTimeOfDay("20:00:05")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 20, Minute: 0, Second: 5}, tod)

	_, err = ParseTimeOfDay("nonsense")
	assert.Error(t, err)
}

func Test_TimeOfDay_Before(t *testing.T) {
	a := TimeOfDay{Hour: 8}
	b := TimeOfDay{Hour: 20}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
}

func Test_Load_mergesRunOverridesOntoBatRackDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batrack.yaml")

	doc := `
batrack:
  duty_cycle_s: 30
  data_path: /data
  use_audio: "yes"
  use_vhf: "no"
  mqtt_host: broker.local
  mqtt_port: 1883

audio:
  threshold_dbfs: -40

vhf:
  freq_bw_hz: 25000
  sig_freqs_mhz: [150.1, 150.2]

camera:
  light_pin: 17

runs:
  morning:
    start: "08:00"
    stop: "09:00"
    overrides:
      use_vhf: "yes"
      data_path: /data/morning
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	file, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, file.BatRack.DutyCycleS)
	assert.Equal(t, -40, file.Audio.ThresholdDBFS)
	assert.Equal(t, []float64{150.1, 150.2}, file.VHF.SigFreqsMHz)
	assert.Equal(t, 17, file.Camera.LightPin)

	runs := file.RunList()
	require.Len(t, runs, 1)
	morning := runs[0]

	assert.Equal(t, "morning", morning.Name)
	assert.True(t, morning.Base.UseVHF.MustBool(), "override should win over batrack default")
	assert.True(t, morning.Base.UseAudio.MustBool(), "unmentioned fields should keep the batrack default")
	assert.Equal(t, "/data/morning", morning.Base.DataPath)
	assert.Equal(t, 30, morning.Base.DutyCycleS, "unmentioned int fields keep the batrack default")
	assert.Equal(t, TimeOfDay{Hour: 8}, morning.Start)
	assert.Equal(t, TimeOfDay{Hour: 9}, morning.Stop)
}

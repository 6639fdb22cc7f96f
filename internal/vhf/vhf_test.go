package vhf

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trackit-systems/batrack/internal/config"
)

func testUnit(t *testing.T, cfg config.VHF) (*Unit, *[]map[string]any) {
	t.Helper()

	var edges []map[string]any
	u := New(cfg, "localhost", 1883, 60, "teststation", true, func(source string, value bool, payload map[string]any) {
		entry := map[string]any{"value": value}
		for k, v := range payload {
			entry[k] = v
		}
		edges = append(edges, entry)
	}, nil)
	u.untriggerTS = time.Now().Add(time.Hour) // keep the release loop from interfering in these unit tests

	return u, &edges
}

func scenarioConfig() config.VHF {
	return config.VHF{
		FreqBWHz:           25000,
		SigFreqsMHz:        []float64{150.100},
		SigThresholdDBW:    -40,
		FreqActiveWindowS:  60,
		FreqActiveVar:      2.0,
		FreqActiveCount:    5,
		UntriggerDurationS: 30,
	}
}

func Test_handleSignal_risingEdgeAcceptsBelowCount(t *testing.T) {
	u, edges := testUnit(t, scenarioConfig())

	now := time.Now()
	for i := 0; i < 4; i++ {
		u.handleSignal(MatchedSignal{Timestamp: now.Add(time.Duration(i) * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -30})
		require.True(t, u.Trigger(), "each of the first freq_active_count signals is a rising edge and must accept regardless of variance")
	}
	require.Len(t, *edges, 1, "trigger only edges once; repeated true->true has no callback")
}

func Test_handleSignal_fifthIdenticalSignalDroppedOnZeroVariance(t *testing.T) {
	u, _ := testUnit(t, scenarioConfig())

	now := time.Now()
	for i := 0; i < 4; i++ {
		u.handleSignal(MatchedSignal{Timestamp: now.Add(time.Duration(i) * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -30})
	}
	require.True(t, u.Trigger())

	bins := u.Bins()
	require.Len(t, bins, 1)
	require.Equal(t, 4, bins[0].Samples)

	u.handleSignal(MatchedSignal{Timestamp: now.Add(4 * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -30})

	bins = u.Bins()
	assert.Equal(t, 5, bins[0].Samples, "the sample is still appended even though its variance does not clear the bar")
	assert.True(t, u.Trigger(), "trigger stays true: it only self-releases via untrigger_ts, never by a rejected signal")
}

func Test_handleSignal_belowThresholdStillEvictsAndAppends(t *testing.T) {
	cfg := scenarioConfig()
	cfg.FreqActiveWindowS = 10
	u, edges := testUnit(t, cfg)

	now := time.Now()
	u.handleSignal(MatchedSignal{Timestamp: now, FrequencyHz: 150_100_000, AvgPowerDBW: -90})

	require.False(t, u.Trigger(), "a below-threshold signal never triggers")
	require.Empty(t, *edges)

	bins := u.Bins()
	require.Equal(t, 1, bins[0].Samples, "the sample is appended so variance still reflects the full observation")

	u.handleSignal(MatchedSignal{Timestamp: now.Add(20 * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -90})

	bins = u.Bins()
	require.Equal(t, 1, bins[0].Samples, "the stale sample is evicted even though the new signal is below threshold")
}

func Test_handleSignal_outsideEveryBinIsDropped(t *testing.T) {
	u, _ := testUnit(t, scenarioConfig())

	u.handleSignal(MatchedSignal{Timestamp: time.Now(), FrequencyHz: 433_000_000, AvgPowerDBW: 0})

	bins := u.Bins()
	assert.Equal(t, 0, bins[0].Samples)
}

func Test_handleSignal_staleSamplesAreEvicted(t *testing.T) {
	cfg := scenarioConfig()
	cfg.FreqActiveWindowS = 10
	u, _ := testUnit(t, cfg)

	base := time.Now()
	u.handleSignal(MatchedSignal{Timestamp: base, FrequencyHz: 150_100_000, AvgPowerDBW: -30})
	u.handleSignal(MatchedSignal{Timestamp: base.Add(20 * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -30})

	bins := u.Bins()
	require.Equal(t, 1, bins[0].Samples, "the sample older than freq_active_window_s relative to the new signal's own timestamp is evicted")
}

func Test_untriggerRemediation_neverShrinksOnReorderedSignal(t *testing.T) {
	u, _ := testUnit(t, scenarioConfig())

	now := time.Now()
	u.untriggerTS = time.Time{} // force acceptance path to set it fresh

	// Alternating power keeps variance well above freq_active_var once
	// count reaches freq_active_count, so every signal below is accepted.
	powers := []float64{-30, -10, -30, -10, -30}
	for i, p := range powers {
		u.handleSignal(MatchedSignal{Timestamp: now.Add(time.Duration(i) * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: p})
	}
	require.True(t, u.Trigger())
	firstDeadline := u.untriggerTS
	assert.Equal(t, now.Add(4*time.Second).Add(30*time.Second), firstDeadline)

	// A reordered signal, timestamped earlier than the one that set the
	// current deadline, still clears the acceptance bar -- its own
	// candidate deadline is earlier, and must never pull untrigger_ts
	// backwards.
	u.handleSignal(MatchedSignal{Timestamp: now.Add(1 * time.Second), FrequencyHz: 150_100_000, AvgPowerDBW: -10})
	assert.Equal(t, firstDeadline, u.untriggerTS, "a reordered signal's earlier candidate must never shrink untrigger_ts")
}

func Test_stddev_matchesPopulationFormula(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		samples := make([]sample, n)
		var sum float64
		for i := range samples {
			v := rapid.Float64Range(-100, 100).Draw(t, "power")
			samples[i] = sample{power: v}
			sum += v
		}
		mean := sum / float64(n)
		var sq float64
		for _, s := range samples {
			d := s.power - mean
			sq += d * d
		}
		want := sq / float64(n)

		got := stddev(samples)
		tolerance := 1e-6 * math.Max(1, math.Abs(want))
		assert.InDeltaf(t, want, got*got, tolerance, "stddev()^2 must equal the population variance")
	})
}

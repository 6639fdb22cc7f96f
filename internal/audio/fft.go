package audio

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// spectrum runs a real FFT over one block and returns the peak magnitude
// (in dBFS, referenced to inputFramesPerBlock/2) and its frequency, after
// zeroing bins outside [highpassHz, lowpassHz] before locating the peak.
//
// gonum.org/v1/gonum/dsp/fourier is the FFT implementation: both the
// madpsy-ka9q_ubersdr and rayboyd-audio-engine manifests retrieved
// alongside this pack depend directly on gonum for the same kind of
// signal-processing work, and it also sits indirectly in haivivi-giztoy's
// graph -- a real FFT library rather than a hand-rolled stdlib transform.
func spectrum(samples []int16, samplingRate int, highpassHz, lowpassHz int) (peakDB float64, peakFreqHz float64) {
	n := len(samples)
	if n == 0 {
		return math.Inf(-1), 0
	}

	samplesF := make([]float64, n)
	for i, s := range samples {
		samplesF[i] = float64(s)
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, samplesF)

	binHz := float64(samplingRate) / float64(n)
	windowMax := math.Max(float64(n)/2.0, 1)

	peakDB = math.Inf(-1)
	peakBin := 0

	for bin, c := range coeffs {
		freq := float64(bin) * binHz
		if freq < float64(highpassHz) || freq > float64(lowpassHz) {
			continue
		}

		mag := math.Hypot(real(c), imag(c))
		db := 20 * math.Log10(math.Max(mag, 1e-12)/windowMax)
		if db > peakDB {
			peakDB = db
			peakBin = bin
		}
	}

	peakFreqHz = float64(peakBin) * binHz
	return peakDB, peakFreqHz
}

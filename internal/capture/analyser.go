package capture

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FFTSize is the number of time-domain samples per snapshot.
	FFTSize = 512
	// FrequencyBins is the number of magnitude bins in a snapshot.
	FrequencyBins = FFTSize / 2

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser keeps the most recent FFTSize samples of a PCM stream and turns
// them into byte-scaled frequency magnitudes on demand. Write is fed by the
// recorder; Level is polled by the session. Multi-channel input is folded by
// treating every sample as part of one sequence.
type Analyser struct {
	mu   sync.Mutex
	ring [FFTSize]float64
	pos  int

	// low byte of a sample split across two writes
	carry    byte
	hasCarry bool

	fft    *fourier.FFT
	window []float64
	seq    []float64
	coeffs []complex128
}

// NewAnalyser returns an analyser with an empty (silent) history.
func NewAnalyser() *Analyser {
	w := make([]float64, FFTSize)
	for i := range w {
		x := 2 * math.Pi * float64(i) / FFTSize
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x) // Blackman
	}
	return &Analyser{
		fft:    fourier.NewFFT(FFTSize),
		window: w,
		seq:    make([]float64, FFTSize),
	}
}

// Write appends S16LE samples to the history. A trailing odd byte is held
// and joined with the first byte of the next write, so reads of any length
// keep sample alignment. It never fails, so it can be used as an io.Writer
// tap.
func (a *Analyser) Write(pcm []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(pcm)
	if a.hasCarry && len(pcm) > 0 {
		a.push(int16(uint16(a.carry) | uint16(pcm[0])<<8))
		a.hasCarry = false
		pcm = pcm[1:]
	}
	for len(pcm) >= 2 {
		a.push(int16(binary.LittleEndian.Uint16(pcm)))
		pcm = pcm[2:]
	}
	if len(pcm) == 1 {
		a.carry, a.hasCarry = pcm[0], true
	}
	return n, nil
}

func (a *Analyser) push(s int16) {
	a.ring[a.pos] = float64(s) / 32768
	a.pos = (a.pos + 1) % FFTSize
}

// FrequencyData fills dst (allocating when too small) with FrequencyBins
// magnitudes in [0,255], mapping [-100,-30] dB linearly onto the byte range.
func (a *Analyser) FrequencyData(dst []byte) []byte {
	if cap(dst) < FrequencyBins {
		dst = make([]byte, FrequencyBins)
	}
	dst = dst[:FrequencyBins]

	a.mu.Lock()
	defer a.mu.Unlock()

	// oldest sample first
	for i := 0; i < FFTSize; i++ {
		a.seq[i] = a.ring[(a.pos+i)%FFTSize] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	for k := 0; k < FrequencyBins; k++ {
		mag := cmplx.Abs(a.coeffs[k]) / FFTSize
		db := 20 * math.Log10(mag)
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		switch {
		case math.IsNaN(scaled) || scaled < 0:
			dst[k] = 0
		case scaled > 255:
			dst[k] = 255
		default:
			dst[k] = byte(scaled)
		}
	}
	return dst
}

// Level is the mean of one frequency snapshot divided by 255, in [0,1].
func (a *Analyser) Level() float64 {
	if a == nil {
		return 0
	}
	bins := a.FrequencyData(nil)
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins)) / 255
}

// Reset clears the sample history. A nil analyser is a no-op.
func (a *Analyser) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = [FFTSize]float64{}
	a.pos = 0
	a.carry, a.hasCarry = 0, false
}

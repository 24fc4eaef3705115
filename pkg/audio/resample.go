package audio

import (
	"fmt"
	"math"
)

// firTaps is the kernel length of the anti-aliasing lowpass. Odd so the
// symmetric kernel has an integer group delay of (firTaps-1)/2 samples at the
// higher rate.
const firTaps = 49

// Resampler converts 16-bit little-endian mono PCM between 8 kHz and 24 kHz
// using a polyphase windowed-sinc FIR filter. Filter history carries across
// Process calls, so short streaming frames resample without edge artifacts.
// Not safe for concurrent use.
type Resampler struct {
	factor int  // 3
	up     bool // true: interpolate ×3, false: decimate ÷3

	kernel []float64

	// hist holds the trailing input samples needed by the next frame.
	hist []float64

	// phase tracks the decimation position across frames (decimate only).
	phase int
}

// NewResampler creates a streaming resampler between srcRate and dstRate.
// Only the 8000↔24000 pair is supported; the rates must be positive and one
// must be exactly three times the other.
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: non-positive sample rate %d -> %d", srcRate, dstRate)
	}
	switch {
	case dstRate == 3*srcRate:
		return &Resampler{
			factor: 3,
			up:     true,
			kernel: sincKernel(firTaps, 1.0/3.0),
			hist:   make([]float64, (firTaps+2)/3-1),
		}, nil
	case srcRate == 3*dstRate:
		return &Resampler{
			factor: 3,
			kernel: sincKernel(firTaps, 1.0/3.0),
			hist:   make([]float64, firTaps-1),
		}, nil
	default:
		return nil, fmt.Errorf("audio: unsupported rate pair %d -> %d", srcRate, dstRate)
	}
}

// Process resamples one frame of 16-bit little-endian PCM. Output samples are
// clipped to the int16 range. An empty input yields an empty output.
func (r *Resampler) Process(pcm []byte) []byte {
	in := pcmToFloat(pcm)
	if len(in) == 0 {
		return nil
	}
	var out []float64
	if r.up {
		out = r.interpolate(in)
	} else {
		out = r.decimate(in)
	}
	return floatToPCM(out)
}

// interpolate produces factor output samples per input sample. Each output
// phase p applies the kernel's p-th polyphase branch:
//
//	y[L·n+p] = L · Σ_k h[L·k+p] · x[n−k]
func (r *Resampler) interpolate(in []float64) []float64 {
	L := r.factor
	K := (len(r.kernel) + L - 1) / L
	ext := append(r.hist, in...)

	out := make([]float64, len(in)*L)
	for n := range in {
		base := K - 1 + n
		for p := range L {
			var acc float64
			for i := p; i < len(r.kernel); i += L {
				acc += r.kernel[i] * ext[base-i/L]
			}
			out[n*L+p] = acc * float64(L)
		}
	}

	r.hist = append(r.hist[:0], ext[len(ext)-(K-1):]...)
	return out
}

// decimate filters at the input rate and keeps every factor-th sample. The
// phase counter preserves the decimation grid across frame boundaries.
func (r *Resampler) decimate(in []float64) []float64 {
	T := len(r.kernel)
	ext := append(r.hist, in...)

	out := make([]float64, 0, len(in)/r.factor+1)
	for n := range in {
		if r.phase == 0 {
			end := T - 1 + n
			var acc float64
			for k := range T {
				acc += r.kernel[k] * ext[end-k]
			}
			out = append(out, acc)
		}
		r.phase++
		if r.phase == r.factor {
			r.phase = 0
		}
	}

	r.hist = append(r.hist[:0], ext[len(ext)-(T-1):]...)
	return out
}

// sincKernel builds a Hamming-windowed sinc lowpass with the given normalized
// cutoff (1.0 = Nyquist), scaled to unit DC gain.
func sincKernel(taps int, cutoff float64) []float64 {
	h := make([]float64, taps)
	center := float64(taps-1) / 2
	var sum float64
	for i := range h {
		t := float64(i) - center
		var v float64
		if t == 0 {
			v = cutoff
		} else {
			v = math.Sin(math.Pi*cutoff*t) / (math.Pi * t)
		}
		// Hamming window.
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(taps-1))
		h[i] = v
		sum += v
	}
	for i := range h {
		h[i] /= sum
	}
	return h
}

// pcmToFloat decodes 16-bit little-endian PCM into float64 samples. A
// trailing odd byte is dropped.
func pcmToFloat(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := range n {
		out[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

// floatToPCM encodes float64 samples as 16-bit little-endian PCM, clamping
// to the int16 range.
func floatToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		n := int16(v)
		out[i*2] = byte(n)
		out[i*2+1] = byte(n >> 8)
	}
	return out
}

package audio_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/zaf/g711"

	"github.com/helloml/voicebridge/pkg/audio"
)

// tonePCM generates 16-bit little-endian PCM of a pure sine tone.
func tonePCM(freq float64, sampleRate, samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		v := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func pcmSamples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

func TestCodecPassthrough(t *testing.T) {
	t.Parallel()

	c, err := audio.NewCodec(audio.FormatMulaw)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = byte(i)
	}

	if got := c.DecodeInbound(frame); !bytes.Equal(got, frame) {
		t.Errorf("DecodeInbound altered pass-through audio")
	}
	if got := c.EncodeOutbound(frame); !bytes.Equal(got, frame) {
		t.Errorf("EncodeOutbound altered pass-through audio")
	}
}

func TestCodecRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := audio.NewCodec(audio.Format("opus")); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestCodecLinearFrameSizes(t *testing.T) {
	t.Parallel()

	c, err := audio.NewCodec(audio.FormatPCM24k)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	// One 20 ms carrier frame: 160 μ-law bytes → 480 PCM samples at 24 kHz.
	inbound := c.DecodeInbound(make([]byte, 160))
	if len(inbound) != 480*2 {
		t.Errorf("DecodeInbound returned %d bytes, want %d", len(inbound), 480*2)
	}

	// 480 samples at 24 kHz → 160 μ-law bytes.
	outbound := c.EncodeOutbound(make([]byte, 480*2))
	if len(outbound) != 160 {
		t.Errorf("EncodeOutbound returned %d bytes, want %d", len(outbound), 160)
	}
}

func TestCodecLinearRoundTripSNR(t *testing.T) {
	t.Parallel()

	c, err := audio.NewCodec(audio.FormatPCM24k)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	const (
		sampleRate = 8000
		samples    = 1600 // 200 ms
		freq       = 1000.0
	)
	original := pcmSamples(tonePCM(freq, sampleRate, samples, 8000))

	mulaw := g711.EncodeUlaw(tonePCM(freq, sampleRate, samples, 8000))

	// μ-law 8 kHz → PCM 24 kHz → PCM 8 kHz → μ-law, fed in 20 ms frames the
	// way a live call delivers them.
	var roundTrip []float64
	for _, frame := range audio.Chunk(mulaw, 20, 8000, 1) {
		back := c.EncodeOutbound(c.DecodeInbound(frame))
		roundTrip = append(roundTrip, pcmSamples(g711.DecodeUlaw(back))...)
	}

	// The FIR chain introduces a constant group delay; search a small shift
	// range for the best alignment before measuring.
	best := math.Inf(-1)
	for shift := 0; shift <= 40; shift++ {
		var signal, noise float64
		for i := 200; i < 1200; i++ {
			if i+shift >= len(roundTrip) {
				break
			}
			s := original[i]
			e := original[i] - roundTrip[i+shift]
			signal += s * s
			noise += e * e
		}
		if noise == 0 {
			continue
		}
		if snr := 10 * math.Log10(signal/noise); snr > best {
			best = snr
		}
	}

	if best < 20 {
		t.Errorf("round-trip SNR = %.1f dB, want >= 20 dB", best)
	}
}

func TestResamplerClampsOvershoot(t *testing.T) {
	t.Parallel()

	up, err := audio.NewResampler(8000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}

	// A full-scale step excites filter overshoot past int16 range. Clipped
	// output must never wrap to the opposite sign.
	step := make([]byte, 400)
	for i := 0; i < len(step); i += 2 {
		step[i] = 0xFF
		step[i+1] = 0x7F // 32767
	}

	out := up.Process(step)
	for i, s := range pcmSamples(out) {
		if s < -8000 {
			t.Fatalf("sample %d wrapped to %v on positive full-scale input", i, s)
		}
	}
}

func TestNewResamplerRejectsBadRates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		src, dst int
	}{
		{"zero source", 0, 24000},
		{"zero dest", 8000, 0},
		{"negative", -8000, 24000},
		{"non-integer ratio", 8000, 44100},
		{"identity", 8000, 8000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := audio.NewResampler(tc.src, tc.dst); err == nil {
				t.Errorf("NewResampler(%d, %d) succeeded, want error", tc.src, tc.dst)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		buf        int // input length in bytes
		frameMs    int
		rate       int
		width      int
		wantFrames int
		wantBytes  int
	}{
		{"exact multiple", 480, 20, 8000, 1, 3, 160},
		{"remainder dropped", 500, 20, 8000, 1, 3, 160},
		{"single short buffer", 100, 20, 8000, 1, 0, 0},
		{"pcm16 frames", 1920, 20, 24000, 2, 2, 960},
		{"zero rate", 480, 20, 0, 1, 0, 0},
		{"zero frame duration", 480, 0, 8000, 1, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			frames := audio.Chunk(make([]byte, tc.buf), tc.frameMs, tc.rate, tc.width)
			if len(frames) != tc.wantFrames {
				t.Fatalf("got %d frames, want %d", len(frames), tc.wantFrames)
			}
			for _, f := range frames {
				if len(f) != tc.wantBytes {
					t.Errorf("frame length %d, want %d", len(f), tc.wantBytes)
				}
			}
		})
	}
}

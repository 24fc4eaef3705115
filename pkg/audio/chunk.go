package audio

// Chunk splits buf into fixed-duration frames of frameMs milliseconds at the
// given sample rate and sample width (bytes per sample). A trailing remainder
// shorter than one full frame is discarded, never padded. Returns nil when
// the arguments are non-positive or buf holds less than one frame.
func Chunk(buf []byte, frameMs, sampleRate, sampleWidth int) [][]byte {
	if frameMs <= 0 || sampleRate <= 0 || sampleWidth <= 0 {
		return nil
	}
	frameBytes := sampleRate * frameMs / 1000 * sampleWidth
	if frameBytes <= 0 || len(buf) < frameBytes {
		return nil
	}

	n := len(buf) / frameBytes
	frames := make([][]byte, 0, n)
	for i := range n {
		frames = append(frames, buf[i*frameBytes:(i+1)*frameBytes])
	}
	return frames
}

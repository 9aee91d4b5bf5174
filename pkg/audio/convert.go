package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format is the shape of a PCM stream: sample rate and interleaved channel
// count.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format for logs, e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter normalizes frames toward the transcription input format.
// Capture sources deliver whatever their client negotiated, commonly 48kHz
// stereo; transcription wants 16kHz mono. Channel conversion only reduces:
// stereo downmixes to mono, upmixing is not supported.
//
// One converter per stream — the warn-once state is not goroutine safe.
type FormatConverter struct {
	Target Format

	mismatchOnce sync.Once
	corruptOnce  sync.Once
}

// Convert returns frame normalized to the target format. A frame already in
// the target format passes through with its data slice intact. Frames whose
// byte count cannot hold int16 samples are dropped: the result carries the
// target format and no data.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("dropping misaligned PCM frame",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	src := Format{frame.SampleRate, frame.Channels}
	if src == c.Target {
		return frame
	}
	c.mismatchOnce.Do(func() {
		slog.Warn("audio format mismatch, converting", "from", src, "to", c.Target)
	})

	// Resample while the layout is still the source's; the resampler keeps
	// whatever channel count it is given interleaved.
	pcm := frame.Data
	if src.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, src.Channels, src.SampleRate, c.Target.SampleRate)
	}
	channels := src.Channels
	if channels == 2 && c.Target.Channels == 1 {
		pcm = DownmixToMono(pcm)
		channels = 1
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// Resample16 converts interleaved 16-bit PCM between sample rates by linear
// interpolation, preserving the channel layout. The input comes back
// unchanged when the rates already match or are not positive, and nil when it
// is too short to produce a single output frame.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	stride := 2 * channels
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		for ch := range channels {
			a := sampleAt(pcm, j*channels+ch)
			b := a
			if j+1 < srcFrames {
				// Interpolate toward the next frame; the last frame holds.
				b = sampleAt(pcm, (j+1)*channels+ch)
			}
			v := int16(float64(a)*(1-frac) + float64(b)*frac)
			binary.LittleEndian.PutUint16(out[(i*channels+ch)*2:], uint16(v))
		}
	}
	return out
}

// DownmixToMono averages each interleaved stereo pair into one sample. The
// sum runs in int32 and the result is clamped to the int16 range.
func DownmixToMono(pcm []byte) []byte {
	pairs := len(pcm) / 4
	out := make([]byte, pairs*2)
	for i := range pairs {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		m := (l + r) / 2
		if m > 32767 {
			m = 32767
		} else if m < -32768 {
			m = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(m))
	}
	return out
}

// sampleAt reads the idx'th little-endian int16 sample.
func sampleAt(pcm []byte, idx int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}

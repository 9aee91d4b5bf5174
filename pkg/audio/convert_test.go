package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/threadloom/pkg/audio"
)

// pcm16 packs int16 samples as little-endian PCM.
func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// samples16 unpacks little-endian PCM into int16 samples.
func samples16(t *testing.T, b []byte) []int16 {
	t.Helper()
	if len(b)%2 != 0 {
		t.Fatalf("odd PCM length %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestDownmixToMono(t *testing.T) {
	tests := []struct {
		name   string
		stereo []int16
		want   []int16
	}{
		{"averages pairs", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"full scale positive", []int16{32767, 32767}, []int16{32767}},
		{"full scale negative", []int16{-32768, -32768}, []int16{-32768}},
		{"opposite phase cancels", []int16{1000, -1000}, []int16{0}},
		{"empty", nil, []int16{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := samples16(t, audio.DownmixToMono(pcm16(tc.stereo...)))
			if len(got) != len(tc.want) {
				t.Fatalf("got %d samples, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResample16_IdentityCases(t *testing.T) {
	in := pcm16(100, 200, 300)
	for _, tc := range []struct {
		name             string
		srcRate, dstRate int
	}{
		{"same rate", 48000, 48000},
		{"zero source", 0, 16000},
		{"zero destination", 48000, 0},
		{"negative source", -1, 16000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.Resample16(in, 1, tc.srcRate, tc.dstRate)
			if len(out) != len(in) {
				t.Fatalf("length changed: got %d, want %d", len(out), len(in))
			}
		})
	}
}

func TestResample16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 at 48kHz. The first sample is exact and the
	// tail holds near the last source value.
	got := samples16(t, audio.Resample16(pcm16(1000, 2000), 1, 16000, 48000))
	if len(got) != 6 {
		t.Fatalf("got %d samples, want 6", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", got[0])
	}
	if last := got[5]; last < 1800 || last > 2200 {
		t.Errorf("last sample = %d, want near 2000", last)
	}
	// Linear interpolation is monotone between two points.
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("samples not monotone at %d: %v", i, got)
		}
	}
}

func TestResample16_Downsample(t *testing.T) {
	got := samples16(t, audio.Resample16(pcm16(100, 200, 300, 400, 500, 600), 1, 48000, 16000))
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample = %d, want 100", got[0])
	}
}

func TestResample16_KeepsChannelsInterleaved(t *testing.T) {
	// Left constant at 1000, right constant at -1000: any cross-channel
	// bleed would pull interpolated values toward zero.
	in := pcm16(1000, -1000, 1000, -1000, 1000, -1000, 1000, -1000)
	got := samples16(t, audio.Resample16(in, 2, 48000, 24000))
	if len(got) != 4 {
		t.Fatalf("got %d samples, want 4", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i] != 1000 || got[i+1] != -1000 {
			t.Errorf("frame %d = (%d, %d), want (1000, -1000)", i/2, got[i], got[i+1])
		}
	}
}

func TestResample16_TooShort(t *testing.T) {
	// One stereo sample is half a frame: nothing to resample.
	in := pcm16(100)
	if out := audio.Resample16(in, 2, 48000, 16000); len(out) != len(in) {
		t.Errorf("short input length changed: got %d, want %d", len(out), len(in))
	}
	// A single mono frame downsampled 3:1 rounds to zero output frames.
	if out := audio.Resample16(pcm16(100), 1, 48000, 16000); out != nil {
		t.Errorf("sub-frame output = %v, want nil", out)
	}
}

func TestConverter_PassThrough(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{Data: pcm16(100, 200), SampleRate: 16000, Channels: 1}

	out := conv.Convert(frame)
	if &out.Data[0] != &frame.Data[0] {
		t.Error("matching format should keep the caller's slice")
	}
}

func TestConverter_CaptureToTranscription(t *testing.T) {
	// 48kHz stereo capture to the 16kHz mono transcription input. L equals
	// R throughout, so the downmix must reproduce the per-frame values.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{
		Data: pcm16(100, 100, 200, 200, 300, 300,
			400, 400, 500, 500, 600, 600),
		SampleRate: 48000,
		Channels:   2,
	}

	out := conv.Convert(frame)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %dHz %dch, want 16000Hz mono", out.SampleRate, out.Channels)
	}
	got := samples16(t, out.Data)
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample = %d, want 100", got[0])
	}
}

func TestConverter_MonoRateOnly(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{
		Data:       pcm16(100, 200, 300, 400, 500, 600),
		SampleRate: 48000,
		Channels:   1,
	}

	out := conv.Convert(frame)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %dHz %dch, want 16000Hz mono", out.SampleRate, out.Channels)
	}
	if n := len(out.Data) / 2; n != 2 {
		t.Errorf("got %d samples, want 2", n)
	}
}

func TestConverter_DropsMisalignedFrames(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}

	for _, tc := range []struct {
		name  string
		frame audio.AudioFrame
	}{
		{"mismatched format", audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 2}},
		{"matching format", audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := conv.Convert(tc.frame)
			if len(out.Data) != 0 {
				t.Errorf("kept %d bytes of a misaligned frame", len(out.Data))
			}
			// The dropped frame still reports the target format.
			if out.SampleRate != 16000 || out.Channels != 1 {
				t.Errorf("format = %dHz %dch, want 16000Hz mono", out.SampleRate, out.Channels)
			}
		})
	}
}

func TestFormatString(t *testing.T) {
	for _, tc := range []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.f, got, tc.want)
		}
	}
}

// Package convert turns captured audio of any rate and channel layout into
// 16 kHz mono 16-bit PCM and streams it into a WAV container.
package convert

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/audio"
)

// Format describes a PCM stream layout.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Target is the format every recording is converted to before upload.
var Target = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

func (f Format) audioFormat() *audio.Format {
	return &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate}
}

// Converter resamples a single stream chunk by chunk. Multi-channel input is
// down-mixed by averaging all channels of a frame. Resampling is linear
// interpolation whose read position and last sample carry across chunks, so
// the concatenated output is independent of how the input was split.
type Converter struct {
	in   Format
	out  Format
	step float64

	pos     float64
	prev    float64
	started bool
}

func NewConverter(in, out Format) (*Converter, error) {
	if in.SampleRate <= 0 {
		return nil, fmt.Errorf("input sample rate must be positive, got %d", in.SampleRate)
	}
	if in.Channels <= 0 {
		return nil, fmt.Errorf("input channels must be positive, got %d", in.Channels)
	}
	if out.SampleRate <= 0 {
		return nil, fmt.Errorf("output sample rate must be positive, got %d", out.SampleRate)
	}
	if out.Channels != 1 {
		return nil, fmt.Errorf("only mono output is supported, got %d channels", out.Channels)
	}
	if out.BitDepth != 16 {
		return nil, fmt.Errorf("only 16-bit output is supported, got %d", out.BitDepth)
	}
	return &Converter{
		in:   in,
		out:  out,
		step: float64(in.SampleRate) / float64(out.SampleRate),
	}, nil
}

// Convert converts one captured buffer. A buffer whose layout differs from
// the stream's input format is rejected without touching resampler state.
func (c *Converter) Convert(buf *audio.Float32Buffer) (*audio.IntBuffer, error) {
	if buf == nil || buf.Format == nil {
		return nil, errors.New("buffer has no format")
	}
	if buf.Format.SampleRate != c.in.SampleRate || buf.Format.NumChannels != c.in.Channels {
		return nil, fmt.Errorf("buffer format %dHz/%dch does not match stream format %s",
			buf.Format.SampleRate, buf.Format.NumChannels, c.in)
	}
	if len(buf.Data)%c.in.Channels != 0 {
		return nil, fmt.Errorf("buffer of %d samples is not aligned to %d channels", len(buf.Data), c.in.Channels)
	}

	mono := Downmix(buf.Data, c.in.Channels)
	resampled := c.resample(mono)

	data := make([]int, len(resampled))
	for i, s := range resampled {
		data[i] = quantize16(s)
	}
	return &audio.IntBuffer{
		Format:         c.out.audioFormat(),
		Data:           data,
		SourceBitDepth: c.out.BitDepth,
	}, nil
}

// Downmix averages interleaved frames into a mono signal.
func Downmix(samples []float32, channels int) []float64 {
	if channels <= 1 {
		out := make([]float64, len(samples))
		for i, s := range samples {
			out[i] = float64(s)
		}
		return out
	}
	frames := len(samples) / channels
	out := make([]float64, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		base := f * channels
		for ch := 0; ch < channels; ch++ {
			sum += float64(samples[base+ch])
		}
		out[f] = sum / float64(channels)
	}
	return out
}

// resample emits every output sample whose position falls inside the chunk.
// Position -1 refers to the last sample of the previous chunk.
func (c *Converter) resample(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	last := float64(n - 1)
	capacity := int((last-c.pos)/c.step) + 2
	if capacity < 0 {
		capacity = 0
	}
	out := make([]float64, 0, capacity)
	for c.pos <= last {
		i := int(math.Floor(c.pos))
		frac := c.pos - float64(i)
		s0 := c.at(x, i)
		s1 := c.at(x, i+1)
		out = append(out, s0+frac*(s1-s0))
		c.pos += c.step
	}
	c.pos -= float64(n)
	c.prev = x[n-1]
	c.started = true
	return out
}

func (c *Converter) at(x []float64, i int) float64 {
	switch {
	case i < 0:
		if c.started {
			return c.prev
		}
		return x[0]
	case i >= len(x):
		return x[len(x)-1]
	default:
		return x[i]
	}
}

func quantize16(s float64) int {
	if math.IsNaN(s) {
		return 0
	}
	v := math.Round(s * math.MaxInt16)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int(v)
}

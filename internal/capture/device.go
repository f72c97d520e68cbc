// Package capture owns the microphone session: it opens the input device,
// measures loudness per buffer and hands buffers to the format converter
// without ever blocking the device callback for long.
package capture

import (
	"context"
	"math"

	"github.com/go-audio/audio"
)

// Handler receives one buffer per device callback, in the device's native
// format. It runs on the device's callback context and must return quickly.
type Handler func(buf *audio.Float32Buffer)

// Device is the platform microphone.
type Device interface {
	// RequestPermission asks for microphone access. It never fails; a
	// platform error is reported as not granted.
	RequestPermission(ctx context.Context) bool
	// Open prepares an input stream delivering buffers to handler.
	Open(handler Handler) (Stream, error)
}

// Stream is an opened input stream.
type Stream interface {
	// Format is the native layout of buffers delivered to the handler.
	Format() audio.Format
	Start() error
	// Stop detaches the handler and releases the device. Calling it twice is
	// harmless.
	Stop() error
}

// DefaultLevelGain scales RMS into a range that looks lively on a meter.
const DefaultLevelGain = 10

// Level returns the buffer's RMS scaled by gain and clamped to [0,1].
func Level(samples []float32, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	level := rms * gain
	switch {
	case math.IsNaN(level) || level <= 0:
		return 0
	case level > 1:
		return 1
	default:
		return level
	}
}

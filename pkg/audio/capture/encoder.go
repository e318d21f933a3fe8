// Package capture turns a live microphone stream into fixed-size PCM16 frames.
//
// Samples arrive as float32 chunks of arbitrary length from a [MediaStream].
// A pump (see [Start]) moves them off the stream and into an [Encoder], which
// batches them into frames of exactly FrameSize samples and converts each
// full frame to little-endian PCM16 before handing it to the emit callback.
package capture

import (
	"sync"
	"time"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

// Encoder accumulates float32 samples and emits full PCM16 frames.
// Safe for concurrent use.
type Encoder struct {
	frameSize  int
	sampleRate int
	emit       func(audio.AudioFrame)

	mu      sync.Mutex
	acc     []float32
	emitted int
}

// NewEncoder returns an Encoder that calls emit with one frame for every
// frameSize samples received. sampleRate only stamps the emitted frames.
func NewEncoder(frameSize, sampleRate int, emit func(audio.AudioFrame)) *Encoder {
	if frameSize <= 0 {
		frameSize = 4096
	}
	return &Encoder{
		frameSize:  frameSize,
		sampleRate: sampleRate,
		emit:       emit,
		acc:        make([]float32, 0, frameSize),
	}
}

// FrameSize returns the number of samples per emitted frame.
func (e *Encoder) FrameSize() int { return e.frameSize }

// OnSamples appends samples to the accumulator and emits every frame that
// becomes complete, in order. Emission happens synchronously, so frames from
// one call always precede frames from a later call.
func (e *Encoder) OnSamples(samples []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(samples) > 0 {
		n := min(e.frameSize-len(e.acc), len(samples))
		e.acc = append(e.acc, samples[:n]...)
		samples = samples[n:]

		if len(e.acc) < e.frameSize {
			return
		}
		frame := audio.AudioFrame{
			Data:       audio.EncodeFloat32(e.acc),
			SampleRate: e.sampleRate,
			Channels:   1,
			Timestamp:  e.offset(),
		}
		e.acc = e.acc[:0]
		e.emitted++
		if e.emit != nil {
			e.emit(frame)
		}
	}
}

// Buffered returns the number of samples held back waiting for a full frame.
func (e *Encoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.acc)
}

// Emitted returns the number of frames emitted so far.
func (e *Encoder) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// offset is the stream position of the frame about to be emitted.
func (e *Encoder) offset() time.Duration {
	if e.sampleRate <= 0 {
		return 0
	}
	return time.Duration(e.emitted*e.frameSize) * time.Second / time.Duration(e.sampleRate)
}

package capture

import "errors"

// ErrStreamInactive is reported when the capture stream ends underneath a
// running pump, e.g. the microphone permission was revoked or the call hung up.
var ErrStreamInactive = errors.New("capture: stream inactive")

// Track is one media track of a stream.
type Track interface {
	// Stop releases the track. Calling Stop more than once is a no-op.
	Stop()
}

// MediaStream is a live source of mono float32 samples in [-1, 1].
type MediaStream interface {
	// Tracks returns the tracks backing the stream.
	Tracks() []Track

	// Active reports whether at least one track is still live.
	Active() bool

	// SampleRate returns the native rate of the delivered samples.
	SampleRate() int
}

// PushStream delivers samples on a channel. The channel is closed when the
// stream ends. A PushStream whose Samples returns nil cannot be pumped by the
// worker pump.
type PushStream interface {
	MediaStream
	Samples() <-chan []float32
}

// PullStream lets a pump poll for samples. ReadSamples returns 0, nil when
// nothing is buffered and ErrStreamInactive once the stream has ended.
type PullStream interface {
	MediaStream
	ReadSamples(buf []float32) (int, error)
}

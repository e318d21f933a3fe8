package telephony

import (
	"sync"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/audio/capture"
)

// SampleRate is the rate of every Twilio media payload.
const SampleRate = 8000

var (
	_ capture.PushStream = (*Stream)(nil)
	_ capture.Track      = (*callTrack)(nil)
)

// Stream is the caller's voice as a capture.PushStream of 8 kHz float32
// samples. It has a single track; stopping the track ends the stream.
type Stream struct {
	ch    chan []float32
	track *callTrack

	mu      sync.Mutex
	ended   bool
	dropped int
}

type callTrack struct {
	s *Stream
}

func (t *callTrack) Stop() { t.s.End() }

// NewStream returns an active stream that buffers up to buffer payloads.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Stream{ch: make(chan []float32, buffer)}
	s.track = &callTrack{s: s}
	return s
}

// Tracks implements capture.MediaStream.
func (s *Stream) Tracks() []capture.Track { return []capture.Track{s.track} }

// Active implements capture.MediaStream.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended
}

// SampleRate implements capture.MediaStream.
func (s *Stream) SampleRate() int { return SampleRate }

// Samples implements capture.PushStream.
func (s *Stream) Samples() <-chan []float32 { return s.ch }

// PushMulaw decodes a μ-law payload and delivers it to the capture pump.
// It reports false when the payload was dropped because the stream ended or
// the consumer fell behind.
func (s *Stream) PushMulaw(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	pcm := MulawDecode(payload)
	samples := make([]float32, len(pcm))
	for i, v := range pcm {
		samples[i] = audio.PCM16ToFloat32(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- samples:
		return true
	default:
		s.dropped++
		return false
	}
}

// Dropped returns how many payloads were discarded because the buffer was full.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// End closes the sample channel. Calling End more than once is a no-op.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.ch)
}

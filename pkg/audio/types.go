// Package audio holds the sample formats and conversions shared by the capture,
// playback and telephony layers of callbridge.
//
// Audio travels between layers as [AudioFrame] values carrying little-endian
// signed 16-bit PCM. Capture devices deliver float32 samples in [-1.0, 1.0];
// [Float32ToPCM16] and [PCM16ToFloat32] convert between the two
// representations using the asymmetric scale of the signed 16-bit range.
package audio

import (
	"errors"
	"time"
)

// ErrDevice reports that a capture or output device is unavailable or was
// revoked. It is surfaced to the caller and never retried silently.
var ErrDevice = errors.New("audio: device unavailable")

// ErrDecode reports that a single audio chunk could not be decoded. It is
// non-fatal: the chunk is dropped and playback continues.
var ErrDecode = errors.New("audio: decode failed")

// AudioFrame is a fixed-length block of mono PCM16 audio. Frames are immutable
// once emitted; the receiver takes ownership of Data.
type AudioFrame struct {
	// Data is little-endian int16 PCM, two bytes per sample.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for Gemini input, 24000 for OpenAI).
	SampleRate int

	// Channels is always 1 for frames produced by the capture layer.
	Channels int

	// Timestamp marks the position of the first sample relative to capture start.
	Timestamp time.Duration
}

// Samples returns the number of PCM16 samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

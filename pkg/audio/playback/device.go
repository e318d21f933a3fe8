// Package playback decodes inbound audio chunks and renders them, in arrival
// order, on an output device.
//
// A [Player] owns at most one [Device] at a time. Chunks are decoded and
// scheduled by a single dispatch goroutine, so playback order always matches
// the order of [Player.Play] calls. If the device has been closed underneath
// the player a fresh one is created through the [DeviceFactory]; a suspended
// device is resumed before scheduling.
package playback

import (
	"context"
	"time"
)

// DeviceState is the lifecycle state of an output device.
type DeviceState int

const (
	// DeviceRunning accepts and renders scheduled buffers.
	DeviceRunning DeviceState = iota

	// DeviceSuspended accepts buffers but renders nothing until resumed.
	DeviceSuspended

	// DeviceClosed is terminal; the player must create a new device.
	DeviceClosed
)

// String returns the human-readable name of the device state.
func (s DeviceState) String() string {
	switch s {
	case DeviceRunning:
		return "running"
	case DeviceSuspended:
		return "suspended"
	case DeviceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Buffer is decoded mono audio ready to schedule.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Device is an audio output. Implementations need not be safe for
// concurrent use: the [Player] calls them from one goroutine.
type Device interface {
	// State returns the current device state.
	State() DeviceState

	// Resume moves a suspended device to running.
	Resume(ctx context.Context) error

	// Schedule queues buf to play after everything scheduled before it.
	Schedule(buf Buffer) error

	// Close releases the device. Calling Close more than once is a no-op.
	Close() error
}

// DeviceFactory creates a new output device running at sampleRate.
type DeviceFactory func(sampleRate int) (Device, error)

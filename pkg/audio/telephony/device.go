package telephony

import (
	"context"
	"fmt"

	"github.com/tiendavoz/callbridge/pkg/audio/playback"
)

var _ playback.Device = (*Device)(nil)

// Device renders playback buffers onto the call as outbound media events.
type Device struct {
	call   *Call
	rate   int
	closed bool
}

// NewDevice implements playback.DeviceFactory. It fails once the call has
// ended.
func (c *Call) NewDevice(sampleRate int) (playback.Device, error) {
	select {
	case <-c.done:
		return nil, ErrCallEnded
	default:
	}
	return &Device{call: c, rate: sampleRate}, nil
}

// State reports suspended until the stream has started and closed once the
// call has ended.
func (d *Device) State() playback.DeviceState {
	if d.closed {
		return playback.DeviceClosed
	}
	select {
	case <-d.call.done:
		return playback.DeviceClosed
	default:
	}
	if d.call.StreamSid() == "" {
		return playback.DeviceSuspended
	}
	return playback.DeviceRunning
}

// Resume waits for the start event.
func (d *Device) Resume(ctx context.Context) error {
	if _, err := d.call.WaitStart(ctx); err != nil {
		return fmt.Errorf("telephony: resume: %w", err)
	}
	return nil
}

// Schedule writes buf as one media event. Twilio queues it behind earlier
// media, so order is preserved.
func (d *Device) Schedule(buf playback.Buffer) error {
	if st := d.State(); st != playback.DeviceRunning {
		return fmt.Errorf("telephony: schedule on %s device", st)
	}
	rate := buf.SampleRate
	if rate <= 0 {
		rate = d.rate
	}
	return d.call.SendAudio(context.Background(), buf.Samples, rate)
}

// Close detaches the device. The call itself stays open.
func (d *Device) Close() error {
	d.closed = true
	return nil
}

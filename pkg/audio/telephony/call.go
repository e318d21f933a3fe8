// Package telephony connects a Twilio media stream to the capture and
// playback pipelines.
//
// A [Call] owns the server side of the media-stream WebSocket. Inbound μ-law
// media is decoded into a [Stream] that a speech session can capture from,
// and [Call.NewDevice] is a playback.DeviceFactory whose devices μ-law encode
// provider audio and write it back as media events. Devices stay suspended
// until the start event has supplied the stream SID that outbound events
// must carry.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

var (
	// ErrCallEnded is returned when the media stream has finished.
	ErrCallEnded = errors.New("telephony: call ended")

	// ErrNotStarted is returned when audio is sent before the start event.
	ErrNotStarted = errors.New("telephony: stream not started")
)

const inboundTrack = "inbound"

// CallOption configures a [Call].
type CallOption func(*Call)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) CallOption {
	return func(c *Call) { c.logger = l }
}

// WithStreamBuffer sets how many inbound payloads the capture stream buffers.
// Default: 64.
func WithStreamBuffer(n int) CallOption {
	return func(c *Call) { c.streamBuffer = n }
}

// WithWriteTimeout bounds each outbound write. Default: 5s.
func WithWriteTimeout(d time.Duration) CallOption {
	return func(c *Call) { c.writeTimeout = d }
}

// Call is one Twilio media stream.
type Call struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	streamBuffer int
	writeTimeout time.Duration
	stream       *Stream

	wmu sync.Mutex

	mu        sync.Mutex
	start     *StartInfo
	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	doneOnce  sync.Once
	sentMedia int
}

// NewCall wraps an accepted media-stream connection. Call [Call.Run] to start
// reading.
func NewCall(conn *websocket.Conn, opts ...CallOption) *Call {
	c := &Call{
		conn:         conn,
		logger:       slog.Default(),
		writeTimeout: 5 * time.Second,
		started:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.stream = NewStream(c.streamBuffer)
	return c
}

// Stream returns the caller's audio.
func (c *Call) Stream() *Stream { return c.stream }

// Done is closed when Run returns.
func (c *Call) Done() <-chan struct{} { return c.done }

// StreamSid returns the stream SID, or "" before the start event.
func (c *Call) StreamSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start == nil {
		return ""
	}
	return c.start.StreamSid
}

// MediaSent returns how many media events have been written.
func (c *Call) MediaSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentMedia
}

// WaitStart blocks until the start event arrives, the call ends, or ctx is done.
// A call that started before ending still reports its start info.
func (c *Call) WaitStart(ctx context.Context) (StartInfo, error) {
	select {
	case <-c.started:
	case <-c.done:
		select {
		case <-c.started:
		default:
			return StartInfo{}, ErrCallEnded
		}
	case <-ctx.Done():
		return StartInfo{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.start, nil
}

// Run reads events until the stop event, the peer closes, or ctx is done.
// The capture stream is ended on return. A stop event or a normal close
// returns nil.
func (c *Call) Run(ctx context.Context) error {
	defer c.finish()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("telephony: read: %w", err)
		}
		if typ != websocket.MessageText {
			c.logger.Debug("telephony: ignoring binary frame", "bytes", len(data))
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("telephony: malformed event", "err", err)
			continue
		}
		if stop := c.handle(ev); stop {
			return nil
		}
	}
}

func (c *Call) handle(ev Event) (stop bool) {
	switch ev.Event {
	case EventConnected:
		c.logger.Debug("telephony: stream connected", "protocol", ev.Protocol, "version", ev.Version)

	case EventStart:
		if ev.Start == nil {
			c.logger.Warn("telephony: start event without start info")
			return false
		}
		info := *ev.Start
		if info.StreamSid == "" {
			info.StreamSid = ev.StreamSid
		}
		if enc := info.MediaFormat.Encoding; enc != "" && enc != "audio/x-mulaw" {
			c.logger.Warn("telephony: unexpected media encoding", "encoding", enc)
		}
		c.startOnce.Do(func() {
			c.mu.Lock()
			c.start = &info
			c.mu.Unlock()
			close(c.started)
		})
		c.logger.Info("telephony: stream started", "call_sid", info.CallSid, "stream_sid", info.StreamSid)

	case EventMedia:
		if ev.Media == nil || (ev.Media.Track != "" && ev.Media.Track != inboundTrack) {
			return false
		}
		payload, err := ev.Payload()
		if err != nil {
			c.logger.Warn("telephony: dropping media", "err", err)
			return false
		}
		if !c.stream.PushMulaw(payload) {
			c.logger.Debug("telephony: capture behind, media dropped", "bytes", len(payload))
		}

	case EventMark:
		if ev.Mark != nil {
			c.logger.Debug("telephony: mark played", "name", ev.Mark.Name)
		}

	case EventStop:
		c.logger.Info("telephony: stream stopped", "stream_sid", ev.StreamSid)
		return true
	}
	return false
}

func (c *Call) finish() {
	c.doneOnce.Do(func() {
		// Done closes first so a capture pump seeing the stream end can tell
		// it was a hang-up.
		close(c.done)
		c.stream.End()
	})
}

// Send writes one event as a text frame.
func (c *Call) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telephony: marshal %s: %w", ev.Event, err)
	}
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write %s: %w", ev.Event, err)
	}
	return nil
}

// SendAudio resamples mono float32 samples to 8 kHz, μ-law encodes them and
// writes one media event. It fails with ErrNotStarted before the start event.
func (c *Call) SendAudio(ctx context.Context, samples []float32, sampleRate int) error {
	sid := c.StreamSid()
	if sid == "" {
		return fmt.Errorf("telephony: send audio: %w", ErrNotStarted)
	}
	if len(samples) == 0 {
		return nil
	}
	resampled := audio.ResampleFloat32(samples, sampleRate, SampleRate)
	pcm := make([]int16, len(resampled))
	for i, s := range resampled {
		pcm[i] = audio.Float32ToPCM16(s)
	}
	if err := c.Send(ctx, MediaEvent(sid, MulawEncode(pcm))); err != nil {
		return err
	}
	c.mu.Lock()
	c.sentMedia++
	c.mu.Unlock()
	return nil
}

// Clear asks Twilio to drop audio it has buffered for playback. It is a no-op
// before the stream has started.
func (c *Call) Clear(ctx context.Context) error {
	sid := c.StreamSid()
	if sid == "" {
		return nil
	}
	return c.Send(ctx, ClearEvent(sid))
}

// Close closes the media-stream connection.
func (c *Call) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		return fmt.Errorf("telephony: close: %w", err)
	}
	return nil
}

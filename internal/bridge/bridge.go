// Package bridge connects inbound phone calls to realtime speech sessions.
//
// A [Bridge] owns one call: it waits for the media stream to start, opens a
// session on the first healthy provider, routes the caller's audio into the
// session and the assistant's audio back onto the call. A [Manager] accepts
// media-stream WebSockets, enforces the concurrent call limit and tracks the
// live bridges.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiendavoz/callbridge/internal/config"
	"github.com/tiendavoz/callbridge/internal/observe"
	"github.com/tiendavoz/callbridge/internal/resilience"
	"github.com/tiendavoz/callbridge/pkg/audio/playback"
	"github.com/tiendavoz/callbridge/pkg/audio/telephony"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// OutputSampleRate is the PCM16 rate requested from every provider for the
// assistant's audio. The call device resamples it to 8 kHz.
const OutputSampleRate = 24000

// SessionOpener opens a connected speech session. [resilience.SessionFallback]
// is the production implementation.
type SessionOpener interface {
	Open(ctx context.Context, configure resilience.ConfigFunc) (s2s.SpeechSession, error)
}

var _ SessionOpener = (*resilience.SessionFallback)(nil)

// Deps are the collaborators shared by every bridge.
type Deps struct {
	// Opener opens sessions. Required.
	Opener SessionOpener

	// Settings returns the current configuration. It is read once per call,
	// so hot-reloaded voice and instructions apply to the next call.
	// Required.
	Settings func() *config.Config

	// Metrics records provider errors. Optional.
	Metrics *observe.Metrics

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// Info describes a live bridge.
type Info struct {
	CallSid   string    `json:"call_sid"`
	StreamSid string    `json:"stream_sid"`
	Provider  string    `json:"provider,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Bridge connects one call to one speech session.
type Bridge struct {
	call   *telephony.Call
	deps   Deps
	logger *slog.Logger

	closing atomic.Bool

	mu   sync.Mutex
	info Info
}

// New returns a bridge for call. Call [Bridge.Serve] to run it.
func New(call *telephony.Call, deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bridge{call: call, deps: deps, logger: deps.Logger}
}

// Info returns the call and session identifiers known so far.
func (b *Bridge) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Serve reads the media stream and converses until the caller hangs up, the
// session ends or ctx is done. The call is closed and the session
// disconnected on every exit path. A normal hang-up returns nil.
func (b *Bridge) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := b.call.Run(gctx)
		if b.closing.Load() {
			// The read was interrupted by our own Close.
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := b.converse(gctx)
		b.closing.Store(true)
		if cerr := b.call.Close("call ended"); cerr != nil {
			b.logger.Debug("bridge: close call", "err", cerr)
		}
		return err
	})
	return g.Wait()
}

func (b *Bridge) converse(ctx context.Context) error {
	start, err := b.call.WaitStart(ctx)
	if err != nil {
		if errors.Is(err, telephony.ErrCallEnded) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bridge: wait for stream start: %w", err)
	}

	b.mu.Lock()
	b.info = Info{CallSid: start.CallSid, StreamSid: start.StreamSid, StartedAt: time.Now()}
	b.mu.Unlock()
	b.logger = b.logger.With("call_sid", start.CallSid, "stream_sid", start.StreamSid)

	settings := b.deps.Settings()
	sess, err := b.deps.Opener.Open(ctx, sessionConfig(settings))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bridge: open session: %w", err)
	}
	defer sess.Disconnect()

	provider := sess.Provider()
	b.mu.Lock()
	b.info.Provider = provider
	b.mu.Unlock()
	b.logger = b.logger.With("provider", provider)
	b.logger.Info("bridge: session open")

	decoder, err := playback.DecoderFor(settings.Playback.Codec.MIMEType(), OutputSampleRate)
	if err != nil {
		return fmt.Errorf("bridge: playback decoder: %w", err)
	}
	player := playback.NewPlayer(b.call.NewDevice, decoder, OutputSampleRate,
		playback.WithQueueSize(settings.Playback.QueueSize),
		playback.WithLogger(b.logger),
		playback.WithDecodeErrorHook(func(error) { b.recordError(provider, "decode") }),
	)
	sess.AttachPlayback(player)
	sess.OnError(func(err error) {
		if errors.Is(err, s2s.ErrDevice) && b.hungUp() {
			b.logger.Debug("bridge: capture ended with call", "err", err)
			return
		}
		b.logger.Warn("bridge: session error", "err", err)
		b.recordError(provider, errorKind(err))
	})

	if err := sess.AttachCapture(ctx, b.call.Stream()); err != nil {
		return fmt.Errorf("bridge: attach capture: %w", err)
	}
	return b.pump(ctx, sess, player)
}

// pump consumes session events until the call or the session ends.
func (b *Bridge) pump(ctx context.Context, sess s2s.SpeechSession, player *playback.Player) error {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.call.Done():
			b.logger.Info("bridge: caller hung up")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if done := b.handle(ctx, sess, player, ev); done {
				return nil
			}
		}
	}
}

func (b *Bridge) handle(ctx context.Context, sess s2s.SpeechSession, player *playback.Player, ev s2s.InboundEvent) (done bool) {
	switch ev.Kind {
	case s2s.EventTextDelta:
		b.logger.Debug("bridge: assistant text", "text", ev.Text)
	case s2s.EventTranscriptDelta:
		b.logger.Debug("bridge: transcript", "role", ev.Role, "text", ev.Text)
	case s2s.EventInterrupted:
		dropped := player.Flush()
		if err := b.call.Clear(ctx); err != nil {
			b.logger.Warn("bridge: clear buffered audio", "err", err)
		}
		b.logger.Debug("bridge: caller interrupted", "dropped_chunks", dropped)
	case s2s.EventError:
		b.logger.Warn("bridge: provider error", "err", ev.Err)
		b.recordError(sess.Provider(), errorKind(ev.Err))
	case s2s.EventClosed:
		b.logger.Info("bridge: session closed by provider")
		return true
	}
	return false
}

// hungUp reports whether the media stream has finished.
func (b *Bridge) hungUp() bool {
	select {
	case <-b.call.Done():
		return true
	default:
		return false
	}
}

func (b *Bridge) recordError(provider, kind string) {
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordProviderError(context.Background(), provider, kind)
	}
}

// sessionConfig maps the provider entry at each fallback index to a session
// config.
func sessionConfig(cfg *config.Config) resilience.ConfigFunc {
	entries := cfg.Providers.All()
	return func(index int, _ s2s.Provider) s2s.Config {
		sc := s2s.Config{
			OutputSampleRate:  OutputSampleRate,
			FrameSize:         cfg.Capture.FrameSize,
			PollInterval:      cfg.Capture.PollInterval,
			ConnectTimeout:    cfg.Session.ConnectTimeout,
			KeepaliveInterval: cfg.Session.KeepaliveInterval,
		}
		if index >= 0 && index < len(entries) {
			e := entries[index]
			sc.Model = e.Model
			sc.Voice = e.Voice
			sc.Instructions = e.Instructions
		}
		return sc
	}
}

// errorKind classifies err for the provider error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, s2s.ErrRemote):
		return "remote"
	case errors.Is(err, s2s.ErrTransport):
		return "transport"
	case errors.Is(err, s2s.ErrProtocol):
		return "protocol"
	case errors.Is(err, s2s.ErrDecode):
		return "decode"
	case errors.Is(err, s2s.ErrDevice):
		return "device"
	default:
		return "other"
	}
}

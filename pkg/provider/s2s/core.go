package s2s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/audio/capture"
	"github.com/tiendavoz/callbridge/pkg/audio/playback"
)

// Protocol is the provider-specific half of a session: credential rules,
// the endpoint, outbound message builders and the inbound demultiplexer.
type Protocol interface {
	// Name is the provider name used in logs and errors.
	Name() string

	// Validate reports ErrMissingCredential if creds lack a required value.
	Validate(creds Credentials) error

	// Endpoint returns the URL and upgrade headers for creds and cfg.
	Endpoint(creds Credentials, cfg Config) (string, http.Header)

	// SetupMessage returns the first message sent on a new connection.
	SetupMessage(cfg Config) (Message, error)

	// AudioMessage wraps one PCM16 frame at cfg.InputSampleRate.
	AudioMessage(frame audio.AudioFrame) (Message, error)

	// TextMessages returns the messages that submit a user text turn.
	TextMessages(text string) ([]Message, error)

	// Demux turns one inbound message into zero or more events, in order.
	// Unknown message tags yield no events and no error.
	Demux(typ MessageType, data []byte) ([]InboundEvent, error)
}

// Observer receives session lifecycle notifications, typically for metrics.
// Methods must not block.
type Observer interface {
	Connected(provider string, elapsed time.Duration)
	Closed(provider string)
	FrameSent(provider string)
	EventReceived(provider string, kind EventKind)
	ProtocolError(provider string)
}

type nopObserver struct{}

func (nopObserver) Connected(string, time.Duration) {}
func (nopObserver) Closed(string)                   {}
func (nopObserver) FrameSent(string)                {}
func (nopObserver) EventReceived(string, EventKind) {}
func (nopObserver) ProtocolError(string)            {}

const (
	defaultKeepaliveInterval = 20 * time.Second
	keepaliveTimeout         = 5 * time.Second
	eventBufferSize          = 256
)

// CoreOption configures a [Core].
type CoreOption func(*Core)

// WithDialer sets the transport dialer. Default: a [WebSocketDialer].
func WithDialer(d Dialer) CoreOption {
	return func(c *Core) { c.dialer = d }
}

// WithLogger sets the session logger. Default: slog.Default().
func WithLogger(l *slog.Logger) CoreOption {
	return func(c *Core) { c.logger = l }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) CoreOption {
	return func(c *Core) { c.obs = o }
}

// Core implements [SpeechSession] on top of a [Protocol]. It owns the state
// machine, the pending queue, the transport and the attached audio resources.
type Core struct {
	proto  Protocol
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	obs    Observer

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below and serialises transport writes.
	mu          sync.Mutex
	state       State
	pending     *pendingQueue
	conn        Transport
	node        capture.Node
	stream      capture.MediaStream
	player      *playback.Player
	onError     func(error)
	loopStarted bool

	stateVal atomic.Int32
	speaking atomic.Bool

	convMu sync.Mutex
	conv   *audio.FormatConverter

	events     chan InboundEvent
	eventsOnce sync.Once
	closeOnce  sync.Once
	connOnce   sync.Once
}

var _ SpeechSession = (*Core)(nil)

// NewCore returns a disconnected session speaking proto.
func NewCore(proto Protocol, cfg Config, opts ...CoreOption) *Core {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		proto:   proto,
		cfg:     cfg,
		dialer:  &WebSocketDialer{},
		logger:  slog.Default(),
		obs:     nopObserver{},
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		pending: newPendingQueue(),
		events:  make(chan InboundEvent, eventBufferSize),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("provider", proto.Name())
	if cfg.InputSampleRate > 0 {
		c.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: cfg.InputSampleRate, Channels: 1}}
	}
	return c
}

// Provider implements [SpeechSession].
func (c *Core) Provider() string { return c.proto.Name() }

// State implements [SpeechSession].
func (c *Core) State() State { return State(c.stateVal.Load()) }

// Speaking reports whether the assistant has produced audio since the last
// interruption.
func (c *Core) Speaking() bool { return c.speaking.Load() }

// Config returns the session configuration with defaults applied.
func (c *Core) Config() Config { return c.cfg }

// Events implements [SpeechSession].
func (c *Core) Events() <-chan InboundEvent { return c.events }

// OnError implements [SpeechSession].
func (c *Core) OnError(handler func(error)) {
	c.mu.Lock()
	c.onError = handler
	c.mu.Unlock()
}

// setState performs a legal transition. Caller holds c.mu.
func (c *Core) setState(to State) bool {
	from := c.state
	if !canTransition(from, to) {
		return false
	}
	c.state = to
	c.stateVal.Store(int32(to))
	c.logger.Debug("s2s: state transition", "from", from, "to", to)
	if from == StateOpen && to == StateClosed {
		c.obs.Closed(c.proto.Name())
	}
	return true
}

// Connect implements [SpeechSession].
func (c *Core) Connect(ctx context.Context, creds Credentials) error {
	name := c.proto.Name()
	if err := c.proto.Validate(creds); err != nil {
		return fmt.Errorf("%s: connect: %w", name, err)
	}

	c.mu.Lock()
	if !c.setState(StateConnecting) {
		st := c.state
		c.mu.Unlock()
		if st == StateClosed {
			return fmt.Errorf("%s: connect: %w", name, ErrSessionClosed)
		}
		return fmt.Errorf("%s: connect: session already %s", name, st)
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, c.cfg.ConnectTimeout)
		defer cancelTimeout()
	}
	// Disconnect during Connect aborts the dial and the setup writes.
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	start := time.Now()
	url, header := c.proto.Endpoint(creds, c.cfg)
	conn, err := c.dialer.Dial(dialCtx, url, header)
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("%s: dial: %w: %w", name, ErrTransport, err)
	}

	setup, err := c.proto.SetupMessage(c.cfg)
	if err != nil {
		_ = conn.Close()
		c.Disconnect()
		return fmt.Errorf("%s: build setup: %w", name, err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%s: connect: %w", name, ErrSessionClosed)
	}
	c.conn = conn

	if err := conn.Write(dialCtx, setup.Type, setup.Data); err != nil {
		c.mu.Unlock()
		c.Disconnect()
		return fmt.Errorf("%s: send setup: %w: %w", name, ErrTransport, err)
	}
	queued := c.pending.drain()
	for _, msg := range queued {
		if err := conn.Write(dialCtx, msg.Type, msg.Data); err != nil {
			c.mu.Unlock()
			c.Disconnect()
			return fmt.Errorf("%s: flush queue: %w: %w", name, ErrTransport, err)
		}
	}
	c.pending = nil
	c.setState(StateOpen)
	c.loopStarted = true
	c.mu.Unlock()

	connCtx, connCancel := context.WithCancel(c.ctx)
	go c.receiveLoop(connCtx, connCancel, conn)
	if c.cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop(connCtx, conn)
	}

	elapsed := time.Since(start)
	c.obs.Connected(name, elapsed)
	c.logger.Info("s2s: session open", "flushed", len(queued), "elapsed", elapsed)
	return nil
}

// Send implements [SpeechSession].
func (c *Core) Send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected, StateConnecting:
		c.pending.push(msg)
	case StateOpen:
		if err := c.conn.Write(c.ctx, msg.Type, msg.Data); err != nil {
			c.logger.Warn("s2s: send failed", "err", err)
		}
	default:
		c.logger.Debug("s2s: session closed, dropping message", "bytes", len(msg.Data))
	}
}

// SendAudio implements [SpeechSession]. Frames at a rate other than
// Config.InputSampleRate are resampled first.
func (c *Core) SendAudio(frame audio.AudioFrame) {
	if c.conv != nil {
		c.convMu.Lock()
		frame = c.conv.Convert(frame)
		c.convMu.Unlock()
	}
	msg, err := c.proto.AudioMessage(frame)
	if err != nil {
		c.logger.Warn("s2s: encode audio frame", "err", err)
		return
	}
	c.Send(msg)
	c.obs.FrameSent(c.proto.Name())
}

// SendText implements [SpeechSession].
func (c *Core) SendText(text string) {
	msgs, err := c.proto.TextMessages(text)
	if err != nil {
		c.logger.Warn("s2s: encode text turn", "err", err)
		return
	}
	for _, m := range msgs {
		c.Send(m)
	}
}

// HandleMessage implements [SpeechSession].
func (c *Core) HandleMessage(typ MessageType, data []byte) ([]InboundEvent, error) {
	return c.proto.Demux(typ, data)
}

// AttachCapture implements [SpeechSession]. The stream's tracks are released
// by Disconnect even when AttachCapture fails.
func (c *Core) AttachCapture(ctx context.Context, stream capture.MediaStream) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("%s: attach capture: %w", c.proto.Name(), ErrSessionClosed)
	}
	if c.node != nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: attach capture: already attached", c.proto.Name())
	}
	c.stream = stream
	c.mu.Unlock()

	enc := capture.NewEncoder(c.cfg.FrameSize, stream.SampleRate(), c.SendAudio)
	node, err := capture.Start(ctx, stream, enc, capture.Options{
		Pumps:   []capture.Pump{capture.WorkerPump{}, capture.PollPump{Interval: c.cfg.PollInterval}},
		OnError: c.reportError,
		Logger:  c.logger,
	})
	if err != nil {
		return fmt.Errorf("%s: attach capture: %w", c.proto.Name(), err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		node.Disconnect()
		return fmt.Errorf("%s: attach capture: %w", c.proto.Name(), ErrSessionClosed)
	}
	c.node = node
	c.mu.Unlock()

	c.logger.Info("s2s: capture attached", "pump", node.Pump(), "frame_size", c.cfg.FrameSize)
	return nil
}

// AttachPlayback implements [SpeechSession]. A player attached to a closed
// session is closed immediately.
func (c *Core) AttachPlayback(player *playback.Player) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = player.Close()
		return
	}
	c.player = player
	c.mu.Unlock()
}

// Play implements [SpeechSession].
func (c *Core) Play(chunk []byte) {
	c.mu.Lock()
	p := c.player
	c.mu.Unlock()
	if p == nil {
		c.logger.Debug("s2s: no player attached, dropping audio", "bytes", len(chunk))
		return
	}
	p.Play(chunk)
}

// Disconnect implements [SpeechSession]. Resources are released in order:
// transport, capture node, playback device, media tracks.
func (c *Core) Disconnect() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		prev := c.state
		c.setState(StateClosed)
		dropped := 0
		if c.pending != nil {
			dropped = c.pending.len()
			c.pending = nil
		}
		conn, node, player, stream := c.conn, c.node, c.player, c.stream
		started := c.loopStarted
		c.mu.Unlock()

		if conn != nil {
			c.closeTransport(conn)
		}
		if node != nil {
			node.Disconnect()
		}
		if player != nil {
			if err := player.Close(); err != nil {
				c.logger.Warn("s2s: close playback device", "err", err)
			}
		}
		if stream != nil {
			for _, tr := range stream.Tracks() {
				tr.Stop()
			}
		}
		if !started {
			c.closeEvents()
		}
		c.logger.Info("s2s: session disconnected", "from", prev, "dropped_pending", dropped)
	})
}

func (c *Core) closeTransport(conn Transport) {
	c.connOnce.Do(func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("s2s: close transport", "err", err)
		}
	})
}

func (c *Core) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func (c *Core) reportError(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	c.logger.Error("s2s: session error", "err", err)
	if h != nil {
		h(err)
	}
}

// emit delivers ev unless the session is being torn down locally.
func (c *Core) emit(ev InboundEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Core) receiveLoop(ctx context.Context, cancel context.CancelFunc, conn Transport) {
	defer c.closeEvents()
	defer cancel()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				// Local Disconnect: best-effort closed marker.
				select {
				case c.events <- InboundEvent{Kind: EventClosed}:
				default:
				}
				return
			}
			c.remoteClosed(conn, err)
			return
		}

		events, err := c.proto.Demux(typ, data)
		if err != nil {
			c.obs.ProtocolError(c.proto.Name())
			c.logger.Warn("s2s: dropping inbound message", "err", err, "bytes", len(data))
			continue
		}
		for _, ev := range events {
			if !c.dispatch(ev) {
				return
			}
		}
	}
}

func (c *Core) dispatch(ev InboundEvent) bool {
	switch ev.Kind {
	case EventAudioChunk:
		c.speaking.Store(true)
		c.Play(ev.Data)
	case EventInterrupted:
		c.speaking.Store(false)
		c.logger.Debug("s2s: interrupted")
	case EventError:
		c.logger.Warn("s2s: provider error", "err", ev.Err)
	}
	c.obs.EventReceived(c.proto.Name(), ev.Kind)
	return c.emit(ev)
}

// remoteClosed handles the connection ending without a local Disconnect.
// Resources other than the transport stay attached until Disconnect.
func (c *Core) remoteClosed(conn Transport, err error) {
	c.mu.Lock()
	c.setState(StateClosed)
	c.mu.Unlock()
	c.closeTransport(conn)

	if !errors.Is(err, io.EOF) {
		terr := fmt.Errorf("%s: %w: %w", c.proto.Name(), ErrTransport, err)
		c.reportError(terr)
		if !c.emit(ErrorEvent(terr)) {
			return
		}
	} else {
		c.logger.Info("s2s: provider closed the session")
	}
	c.emit(InboundEvent{Kind: EventClosed})
}

func (c *Core) keepaliveLoop(ctx context.Context, conn Transport) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("s2s: keepalive ping failed", "err", err)
			}
		}
	}
}

// Package mock provides test doubles for the s2s package interfaces.
//
// Use Dialer and Transport to drive a real [s2s.Core] without a network:
// Dialer records every dial attempt and Transport records every outbound
// message and replays scripted inbound ones.
//
//	tr := mock.NewTransport()
//	d := &mock.Dialer{Transport: tr}
//	sess := openai.New(openai.WithDialer(d)).NewSession(cfg)
//	_ = sess.Connect(ctx, s2s.Credentials{Token: "tok"})
//	tr.Inject(s2s.MessageText, []byte(`{"type":"response.output_text.delta","delta":"hi"}`))
//
// Use Provider and Session to test callers of [s2s.Provider] and
// [s2s.SpeechSession] without any protocol.
package mock

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/audio/capture"
	"github.com/tiendavoz/callbridge/pkg/audio/playback"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// ── Dialer ───────────────────────────────────────────────────────────────────

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	URL    string
	Header http.Header
}

// Dialer is a mock implementation of s2s.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Transport is returned by Dial. If nil, Dial returns a new Transport.
	Transport *Transport

	// Err, if non-nil, is returned by Dial.
	Err error

	// Calls records every call to Dial in order.
	Calls []DialCall
}

// Dial records the call and returns Transport, Err.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (s2s.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, DialCall{URL: url, Header: header.Clone()})
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Transport == nil {
		d.Transport = NewTransport()
	}
	return d.Transport, nil
}

// CallCount returns the number of Dial calls. Thread-safe.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Calls)
}

var _ s2s.Dialer = (*Dialer)(nil)

// ── Transport ────────────────────────────────────────────────────────────────

// Written records one outbound message.
type Written struct {
	Type s2s.MessageType
	Data []byte
}

type inbound struct {
	typ  s2s.MessageType
	data []byte
	err  error
}

// Transport is a mock implementation of s2s.Transport.
type Transport struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	written    []Written
	closeCalls int
	pingCalls  int

	in     chan inbound
	closed chan struct{}
	once   sync.Once
}

// NewTransport returns an open Transport.
func NewTransport() *Transport {
	return &Transport{
		in:     make(chan inbound, 64),
		closed: make(chan struct{}),
	}
}

// Inject queues an inbound message for Read.
func (t *Transport) Inject(typ s2s.MessageType, data []byte) {
	t.in <- inbound{typ: typ, data: data}
}

// InjectError makes the next Read fail with err. Use io.EOF for a normal
// remote closure.
func (t *Transport) InjectError(err error) {
	t.in <- inbound{err: err}
}

// Read returns the next injected message.
func (t *Transport) Read(ctx context.Context) (s2s.MessageType, []byte, error) {
	select {
	case m := <-t.in:
		return m.typ, m.data, m.err
	case <-t.closed:
		return 0, nil, errors.New("mock: transport closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write records the message and returns WriteErr.
func (t *Transport) Write(_ context.Context, typ s2s.MessageType, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteErr != nil {
		return t.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.written = append(t.written, Written{Type: typ, Data: cp})
	return nil
}

// Ping records the call.
func (t *Transport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingCalls++
	return nil
}

// Close records the call and unblocks pending reads.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	t.mu.Unlock()
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Written returns a copy of every message written so far. Thread-safe.
func (t *Transport) Written() []Written {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Written, len(t.written))
	copy(out, t.written)
	return out
}

// CloseCalls returns how many times Close was called. Thread-safe.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// PingCalls returns how many times Ping was called. Thread-safe.
func (t *Transport) PingCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingCalls
}

var _ s2s.Transport = (*Transport)(nil)

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// Creds and CredsErr are returned by Credentials.
	Creds    s2s.Credentials
	CredsErr error

	// NewSessionFunc, if set, builds the session returned by NewSession.
	// Otherwise a new Session is returned.
	NewSessionFunc func(cfg s2s.Config) s2s.SpeechSession

	// SessionConfigs records the config of every NewSession call.
	SessionConfigs []s2s.Config

	// Sessions records every session handed out.
	Sessions []s2s.SpeechSession
}

// Name returns ProviderName.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Credentials returns Creds, CredsErr.
func (p *Provider) Credentials(context.Context) (s2s.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Creds, p.CredsErr
}

// NewSession records the call and returns a fresh session.
func (p *Provider) NewSession(cfg s2s.Config) s2s.SpeechSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SessionConfigs = append(p.SessionConfigs, cfg)
	var sess s2s.SpeechSession
	if p.NewSessionFunc != nil {
		sess = p.NewSessionFunc(cfg)
	} else {
		sess = NewSession(p.Name())
	}
	p.Sessions = append(p.Sessions, sess)
	return sess
}

var _ s2s.Provider = (*Provider)(nil)

// ── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SpeechSession. It records calls
// and exposes EventsCh so tests can script inbound events.
type Session struct {
	mu sync.Mutex

	name  string
	state s2s.State

	// EventsCh is returned by Events. Disconnect closes it.
	EventsCh chan s2s.InboundEvent

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// AttachCaptureErr, if non-nil, is returned by AttachCapture.
	AttachCaptureErr error

	ConnectCalls    []s2s.Credentials
	Sent            []s2s.Message
	AudioFrames     []audio.AudioFrame
	Texts           []string
	Played          [][]byte
	Streams         []capture.MediaStream
	Player          *playback.Player
	DisconnectCalls int

	onError func(error)
	once    sync.Once
}

// NewSession returns a disconnected Session named name.
func NewSession(name string) *Session {
	return &Session{name: name, EventsCh: make(chan s2s.InboundEvent, 64)}
}

func (s *Session) Provider() string { return s.name }

func (s *Session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connect(_ context.Context, creds s2s.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectCalls = append(s.ConnectCalls, creds)
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	if s.state == s2s.StateClosed {
		return s2s.ErrSessionClosed
	}
	s.state = s2s.StateOpen
	return nil
}

func (s *Session) Send(msg s2s.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, msg)
}

func (s *Session) SendAudio(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AudioFrames = append(s.AudioFrames, frame)
}

func (s *Session) SendText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
}

// HandleMessage returns no events.
func (s *Session) HandleMessage(s2s.MessageType, []byte) ([]s2s.InboundEvent, error) {
	return nil, nil
}

func (s *Session) Events() <-chan s2s.InboundEvent { return s.EventsCh }

func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// FireError invokes the registered error handler with err.
func (s *Session) FireError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (s *Session) AttachCapture(_ context.Context, stream capture.MediaStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Streams = append(s.Streams, stream)
	return s.AttachCaptureErr
}

func (s *Session) AttachPlayback(player *playback.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Player = player
}

func (s *Session) Play(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, chunk)
}

// Disconnect records the call, closes EventsCh once and closes the player.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.DisconnectCalls++
	s.state = s2s.StateClosed
	p := s.Player
	s.mu.Unlock()
	s.once.Do(func() {
		close(s.EventsCh)
		if p != nil {
			_ = p.Close()
		}
	})
}

// AttachedPlayer returns Player. Thread-safe.
func (s *Session) AttachedPlayer() *playback.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Player
}

// AttachedStreams returns a copy of Streams. Thread-safe.
func (s *Session) AttachedStreams() []capture.MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.MediaStream(nil), s.Streams...)
}

// Disconnects returns DisconnectCalls. Thread-safe.
func (s *Session) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DisconnectCalls
}

var _ s2s.SpeechSession = (*Session)(nil)

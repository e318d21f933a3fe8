// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// Sessions dial the Realtime WebSocket with a short-lived token minted by a
// [TokenMinter] and exchange JSON events. Audio travels base64-encoded PCM16
// at 24 kHz inside input_audio_buffer.append (outbound) and
// response.output_audio.delta (inbound) envelopes. The first message on every
// connection is session.update.
//
// The token is sent as an Authorization bearer header rather than the query
// parameter used by the browser flow, which cannot set headers.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// Compile-time assertions that Provider and protocol satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Protocol = (*protocol)(nil)

// Name is the registry name of this provider.
const Name = "openai-realtime"

const (
	defaultModel      = "gpt-4o-realtime-preview"
	defaultBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultVoice      = "alloy"
	defaultSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithMinter sets the source of ephemeral session tokens.
func WithMinter(m TokenMinter) Option {
	return func(p *Provider) { p.minter = m }
}

// WithDialer overrides the transport dialer for new sessions.
func WithDialer(d s2s.Dialer) Option {
	return func(p *Provider) { p.coreOpts = append(p.coreOpts, s2s.WithDialer(d)) }
}

// WithLogger sets the logger for new sessions.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.coreOpts = append(p.coreOpts, s2s.WithLogger(l)) }
}

// WithObserver registers a lifecycle observer on new sessions.
func WithObserver(o s2s.Observer) Option {
	return func(p *Provider) { p.coreOpts = append(p.coreOpts, s2s.WithObserver(o)) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	model    string
	baseURL  string
	minter   TokenMinter
	coreOpts []s2s.CoreOption
}

// New creates a new OpenAI Realtime Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return Name }

// Credentials mints a fresh ephemeral token. Without a minter it returns empty
// credentials, which Connect rejects with s2s.ErrMissingCredential.
func (p *Provider) Credentials(ctx context.Context) (s2s.Credentials, error) {
	if p.minter == nil {
		return s2s.Credentials{}, nil
	}
	tok, err := p.minter.Mint(ctx)
	if err != nil {
		return s2s.Credentials{}, fmt.Errorf("openai: mint token: %w", err)
	}
	return s2s.Credentials{Token: tok}, nil
}

// NewSession returns an unconnected session. Zero-valued fields of cfg take
// the provider defaults.
func (p *Provider) NewSession(cfg s2s.Config) s2s.SpeechSession {
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.InputSampleRate == 0 {
		cfg.InputSampleRate = defaultSampleRate
	}
	if cfg.OutputSampleRate == 0 {
		cfg.OutputSampleRate = defaultSampleRate
	}
	return s2s.NewCore(&protocol{baseURL: p.baseURL}, cfg, p.coreOpts...)
}

// ── protocol ───────────────────────────────────────────────────────────────────

type protocol struct {
	baseURL string
}

func (*protocol) Name() string { return Name }

func (*protocol) Validate(creds s2s.Credentials) error {
	if strings.TrimSpace(creds.Token) == "" {
		return fmt.Errorf("openai: ephemeral token: %w", s2s.ErrMissingCredential)
	}
	return nil
}

func (pr *protocol) Endpoint(creds s2s.Credentials, cfg s2s.Config) (string, http.Header) {
	wsURL := fmt.Sprintf("%s?model=%s", pr.baseURL, url.QueryEscape(cfg.Model))
	return wsURL, http.Header{
		"Authorization": []string{"Bearer " + creds.Token},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}
}

func (*protocol) SetupMessage(cfg s2s.Config) (s2s.Message, error) {
	return s2s.JSONMessage(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Model:             cfg.Model,
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
			InputAudioTranscription: &inputAudioTranscription{
				Model: "whisper-1",
			},
		},
	})
}

func (*protocol) AudioMessage(frame audio.AudioFrame) (s2s.Message, error) {
	return AppendAudioMessage(frame.Data)
}

func (*protocol) TextMessages(text string) ([]s2s.Message, error) {
	item, err := s2s.JSONMessage(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s2s.JSONMessage(typedMessage{Type: "response.create"})
	if err != nil {
		return nil, err
	}
	return []s2s.Message{item, resp}, nil
}

func (*protocol) Demux(_ s2s.MessageType, data []byte) ([]s2s.InboundEvent, error) {
	return demux(data)
}

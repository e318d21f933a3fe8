// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It dials the BidiGenerateContent WebSocket with the API key in the query
// string and exchanges JSON messages. The setup message is always sent first;
// captured audio follows as realtimeInput.mediaChunks with mime type
// "audio/pcm;rate=16000". Replies arrive as 24 kHz PCM16 inlineData parts.
//
// Known protocol ambiguity: the service sometimes delivers JSON messages in
// binary frames, and binary frames may also carry bare audio. Binary payloads
// are therefore parsed as JSON first and treated as raw PCM16 audio only when
// that fails. A raw audio payload that happens to be valid JSON would be
// misclassified; the wire format offers no way to tell them apart.
package gemini

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
const Name = "gemini-live"

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputSampleRate  = 16000
	outputSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	coreOpts []s2s.CoreOption
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
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

// Credentials returns the configured API key.
func (p *Provider) Credentials(context.Context) (s2s.Credentials, error) {
	return s2s.Credentials{APIKey: p.apiKey}, nil
}

// NewSession returns an unconnected session. Audio rates are fixed by the
// service: 16 kHz in, 24 kHz out.
func (p *Provider) NewSession(cfg s2s.Config) s2s.SpeechSession {
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	cfg.InputSampleRate = inputSampleRate
	cfg.OutputSampleRate = outputSampleRate
	return s2s.NewCore(&protocol{baseURL: p.baseURL}, cfg, p.coreOpts...)
}

// ── protocol ───────────────────────────────────────────────────────────────────

type protocol struct {
	baseURL string
}

func (*protocol) Name() string { return Name }

func (*protocol) Validate(creds s2s.Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" {
		return fmt.Errorf("gemini: api key: %w", s2s.ErrMissingCredential)
	}
	return nil
}

func (pr *protocol) Endpoint(creds s2s.Credentials, _ s2s.Config) (string, http.Header) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		pr.baseURL, url.QueryEscape(creds.APIKey),
	)
	return wsURL, http.Header{
		"Content-Type": []string{"application/json"},
	}
}

func (*protocol) SetupMessage(cfg s2s.Config) (s2s.Message, error) {
	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return s2s.JSONMessage(msg)
}

func (*protocol) AudioMessage(frame audio.AudioFrame) (s2s.Message, error) {
	return RealtimeAudioMessage(frame.Data, frame.SampleRate)
}

func (*protocol) TextMessages(text string) ([]s2s.Message, error) {
	msg, err := s2s.JSONMessage(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
	if err != nil {
		return nil, err
	}
	return []s2s.Message{msg}, nil
}

func (*protocol) Demux(typ s2s.MessageType, data []byte) ([]s2s.InboundEvent, error) {
	return demux(typ, data)
}

// Package s2s defines the speech-to-speech session abstraction used to bridge
// a live microphone to a remote realtime voice model.
//
// A [SpeechSession] owns one duplex WebSocket to a provider, the capture node
// feeding it and the playback device rendering its replies. Concrete
// providers (OpenAI Realtime, Gemini Live) supply only a [Protocol]: the wire
// vocabulary and the mapping from wire tags to [InboundEvent] values. The
// generic lifecycle lives in [Core]:
//
//	disconnected ──Connect──▶ connecting ──setup sent──▶ open
//	      │                        │                       │
//	      └──────Disconnect────────┴──────error/close──────┴──▶ closed
//
// Messages sent before the session is open are held in a FIFO that is drained
// exactly once, right after the setup message. A session is never reused:
// callers create a new one for every conversation attempt.
package s2s

import (
	"context"
	"time"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/audio/capture"
	"github.com/tiendavoz/callbridge/pkg/audio/playback"
)

// Credentials carries the secrets needed to open a session. Which field is
// required depends on the provider: OpenAI Realtime needs a short-lived Token
// minted out-of-band, Gemini Live needs an APIKey.
type Credentials struct {
	APIKey string
	Token  string
}

// Config is the per-session configuration sent in the provider setup message.
type Config struct {
	// Model is the provider model identifier.
	Model string

	// Voice is the provider voice identifier.
	Voice string

	// Instructions is the system prompt for the assistant.
	Instructions string

	// InputSampleRate is the PCM16 rate of captured audio sent to the provider.
	InputSampleRate int

	// OutputSampleRate is the PCM16 rate of audio returned by the provider.
	OutputSampleRate int

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int

	// PollInterval is the capture period used when the stream must be polled
	// instead of pushed. Zero selects capture.DefaultPollInterval.
	PollInterval time.Duration

	// ConnectTimeout bounds Connect. Zero means no timeout beyond ctx.
	ConnectTimeout time.Duration

	// KeepaliveInterval is the WebSocket ping period once open. Zero selects
	// the default of 20s; a negative value disables pings.
	KeepaliveInterval time.Duration
}

// DefaultFrameSize is the capture frame length used when Config.FrameSize is zero.
const DefaultFrameSize = 4096

// SpeechSession is one call's connection to a remote speech service.
//
// All methods are safe for concurrent use. The caller exclusively owns the
// session and must call Disconnect on every exit path.
type SpeechSession interface {
	// Provider returns the provider name (e.g. "openai-realtime").
	Provider() string

	// State returns the current lifecycle state.
	State() State

	// Connect validates creds, dials the provider, sends the setup message and
	// flushes queued messages. It fails with ErrMissingCredential before any
	// network I/O when a required credential is blank.
	Connect(ctx context.Context, creds Credentials) error

	// Send transmits msg when open and queues it otherwise. It never fails;
	// queued messages are dropped if the session closes without opening.
	Send(msg Message)

	// SendAudio encodes frame in the provider's wire format and sends it.
	SendAudio(frame audio.AudioFrame)

	// SendText sends a user text turn.
	SendText(text string)

	// HandleMessage demultiplexes one raw inbound message into events.
	HandleMessage(typ MessageType, data []byte) ([]InboundEvent, error)

	// Events returns the inbound event stream. It is closed once the session
	// reaches the closed state.
	Events() <-chan InboundEvent

	// OnError registers a callback for transport and device failures.
	OnError(handler func(error))

	// AttachCapture starts pumping stream into the session as PCM16 frames.
	AttachCapture(ctx context.Context, stream capture.MediaStream) error

	// AttachPlayback routes inbound audio chunks to player.
	AttachPlayback(player *playback.Player)

	// Play decodes and schedules chunk on the attached player.
	Play(chunk []byte)

	// Disconnect tears the session down. Idempotent; never fails.
	Disconnect()
}

// Provider creates sessions for one remote speech service.
type Provider interface {
	// Name is the registry name of the provider.
	Name() string

	// Credentials returns the secrets for a new session. Providers that need a
	// short-lived token mint it here.
	Credentials(ctx context.Context) (Credentials, error)

	// NewSession returns a fresh, unconnected session.
	NewSession(cfg Config) SpeechSession
}

package s2s

import (
	"errors"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

var (
	// ErrMissingCredential is returned by Connect when a required secret or
	// token is absent or blank. No socket is opened.
	ErrMissingCredential = errors.New("s2s: missing credential")

	// ErrTransport reports a low-level socket failure, before or after open.
	ErrTransport = errors.New("s2s: transport error")

	// ErrProtocol reports an inbound message that could not be parsed under
	// any of the provider's documented strategies.
	ErrProtocol = errors.New("s2s: protocol error")

	// ErrRemote wraps failures reported by the provider in-band, such as an
	// OpenAI "error" event or a Gemini "goAway".
	ErrRemote = errors.New("s2s: remote error")

	// ErrSessionClosed is returned by Connect on a session that already
	// reached the closed state. Sessions are single-use.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrDecode aliases [audio.ErrDecode] so callers can match all session
	// failures against one package.
	ErrDecode = audio.ErrDecode

	// ErrDevice aliases [audio.ErrDevice].
	ErrDevice = audio.ErrDevice
)

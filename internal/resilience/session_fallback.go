package resilience

import (
	"context"
	"fmt"

	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// SessionFallback opens speech sessions with automatic failover across
// providers. Each provider has its own circuit breaker; a provider whose
// Credentials or Connect call fails counts a failure and the next one is
// tried. Failover covers only session setup. Once a session is open, a
// mid-call failure is reported through the session's events and the caller
// decides whether to open a new one.
type SessionFallback struct {
	group *FallbackGroup[sessionTarget]
}

type sessionTarget struct {
	index    int
	provider s2s.Provider
}

// ConfigFunc returns the session config for the provider at index, where 0
// is the primary and fallbacks follow in the order they were added.
type ConfigFunc func(index int, p s2s.Provider) s2s.Config

// NewSessionFallback creates a [SessionFallback] with primary as the
// preferred provider.
func NewSessionFallback(primary s2s.Provider, cfg FallbackConfig) *SessionFallback {
	return &SessionFallback{
		group: NewFallbackGroup(sessionTarget{index: 0, provider: primary}, primary.Name(), cfg),
	}
}

// AddFallback registers p after all previously added providers.
func (f *SessionFallback) AddFallback(p s2s.Provider) {
	f.group.AddFallback(p.Name(), sessionTarget{index: len(f.group.Names()), provider: p})
}

// Names returns the provider names in try order.
func (f *SessionFallback) Names() []string { return f.group.Names() }

// States returns each provider's breaker state.
func (f *SessionFallback) States() map[string]State { return f.group.States() }

// Open fetches credentials and connects a fresh session on the first healthy
// provider. A session whose Connect fails is disconnected before the next
// provider is tried, so the caller only ever owns the returned session.
func (f *SessionFallback) Open(ctx context.Context, configure ConfigFunc) (s2s.SpeechSession, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, t sessionTarget) (s2s.SpeechSession, error) {
		creds, err := t.provider.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		sess := t.provider.NewSession(configure(t.index, t.provider))
		if err := sess.Connect(ctx, creds); err != nil {
			sess.Disconnect()
			return nil, err
		}
		return sess, nil
	})
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tiendavoz/callbridge/internal/observe"
	"github.com/tiendavoz/callbridge/pkg/audio/telephony"
)

// ErrShuttingDown is returned by [Manager.Shutdown] when live calls did not
// finish before the deadline.
var ErrShuttingDown = errors.New("bridge: calls still active at shutdown deadline")

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	Deps

	// MaxCalls caps concurrent calls. Zero or less means unlimited.
	MaxCalls int

	// CallOptions are passed to every [telephony.NewCall].
	CallOptions []telephony.CallOption
}

// Manager accepts media-stream WebSockets and runs one [Bridge] per call.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	bridges  map[*Bridge]struct{}
	reserved int
	draining bool
}

// NewManager returns a Manager ready to serve.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		bridges: make(map[*Bridge]struct{}),
	}
}

// Active returns the number of calls being served, including calls whose
// upgrade is in progress.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// Calls returns a snapshot of live calls that have started, oldest first.
func (m *Manager) Calls() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.bridges))
	for b := range m.bridges {
		if info := b.Info(); info.CallSid != "" {
			infos = append(infos, info)
		}
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// Get returns the bridge serving callSid.
func (m *Manager) Get(callSid string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := range m.bridges {
		if b.Info().CallSid == callSid {
			return b, true
		}
	}
	return nil, false
}

// reserve claims a call slot. It fails when draining or at capacity.
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining || (m.cfg.MaxCalls > 0 && m.reserved >= m.cfg.MaxCalls) {
		return false
	}
	m.reserved++
	m.wg.Add(1)
	return true
}

func (m *Manager) release(b *Bridge) {
	m.mu.Lock()
	if b != nil {
		delete(m.bridges, b)
	}
	m.reserved--
	m.mu.Unlock()
	m.wg.Done()
}

// ServeHTTP upgrades a media-stream request and serves the call until it
// ends. Requests beyond MaxCalls or during shutdown get 503 before the
// upgrade.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.reserve() {
		http.Error(w, "no call capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.cfg.Logger.Warn("bridge: media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		m.release(nil)
		return
	}

	// Hijacked connections outlive server shutdown, so the call is bound to
	// the manager's lifetime instead of the request's. Request values such
	// as the trace span are kept.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()
	defer cancel()

	logger := observe.Logger(ctx, m.cfg.Logger).With("remote", r.RemoteAddr)
	call := telephony.NewCall(conn, append([]telephony.CallOption{telephony.WithLogger(logger)}, m.cfg.CallOptions...)...)
	deps := m.cfg.Deps
	deps.Logger = logger
	b := New(call, deps)

	m.mu.Lock()
	m.bridges[b] = struct{}{}
	m.mu.Unlock()
	defer m.release(b)

	if met := m.cfg.Metrics; met != nil {
		met.ActiveCalls.Add(ctx, 1)
		defer met.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	}

	start := time.Now()
	if err := b.Serve(ctx); err != nil {
		logger.Error("bridge: call failed", "err", err, "duration", time.Since(start))
		return
	}
	logger.Info("bridge: call finished", "call_sid", b.Info().CallSid, "duration", time.Since(start))
}

// CallsHandler serves [Manager.Calls] as JSON.
func (m *Manager) CallsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(m.Calls()); err != nil {
		m.cfg.Logger.Warn("bridge: encode calls", "err", err)
	}
}

// Shutdown stops accepting calls, ends every live call and waits for the
// bridges to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	active := m.reserved
	m.mu.Unlock()

	m.cfg.Logger.Info("bridge: shutting down", "active_calls", active)
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrShuttingDown, ctx.Err())
	}
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

// DefaultPollInterval is the PollPump tick used when none is configured.
const DefaultPollInterval = 20 * time.Millisecond

// Node is a running pump. Disconnect stops it; calling it more than once is a
// no-op. Disconnect does not stop the stream's tracks.
type Node interface {
	// Pump returns the name of the strategy that is running.
	Pump() string
	Disconnect()
}

// Pump is one strategy for moving samples from a stream into an [Encoder].
type Pump interface {
	// Name identifies the strategy in logs.
	Name() string

	// Init prepares a node for stream without starting it. A non-nil error
	// means the strategy cannot serve this stream.
	Init(stream MediaStream) (starter, error)
}

// starter is a prepared node.
type starter interface {
	Node
	start(ctx context.Context, enc *Encoder, onErr func(error))
}

// Options configures [Start].
type Options struct {
	// Pumps is the ordered list of strategies to try. Default: WorkerPump then
	// PollPump.
	Pumps []Pump

	// OnError is called once if the stream goes inactive while capturing.
	OnError func(error)

	// Logger receives fallback warnings. Default: slog.Default().
	Logger *slog.Logger
}

// Start runs the first pump in opts.Pumps whose Init succeeds. When the
// preferred pump fails and a later one is selected, the failure is logged at
// WARN. If no pump can serve stream, Start returns an error wrapping
// [audio.ErrDevice].
func Start(ctx context.Context, stream MediaStream, enc *Encoder, opts Options) (Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if stream == nil || !stream.Active() {
		return nil, fmt.Errorf("capture: %w: %w", audio.ErrDevice, ErrStreamInactive)
	}

	pumps := opts.Pumps
	if len(pumps) == 0 {
		pumps = []Pump{WorkerPump{}, PollPump{}}
	}

	onErr := opts.OnError
	if onErr == nil {
		onErr = func(err error) { logger.Error("capture: stream error", "err", err) }
	}

	var errs []error
	for _, p := range pumps {
		node, err := p.Init(stream)
		if err != nil {
			logger.Warn("capture: pump unavailable, falling back", "pump", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(errs) > 0 {
			logger.Warn("capture: using fallback pump", "pump", p.Name())
		}
		node.start(ctx, enc, onErr)
		return node, nil
	}
	return nil, fmt.Errorf("capture: %w: %w", audio.ErrDevice, errors.Join(errs...))
}

// ── Worker pump ──────────────────────────────────────────────────────────────

// WorkerPump consumes a [PushStream] on a dedicated goroutine. It is the
// preferred strategy.
type WorkerPump struct{}

var _ Pump = WorkerPump{}

// Name implements [Pump].
func (WorkerPump) Name() string { return "worker" }

// Init implements [Pump].
func (WorkerPump) Init(stream MediaStream) (starter, error) {
	ps, ok := stream.(PushStream)
	if !ok {
		return nil, errors.New("stream does not push samples")
	}
	ch := ps.Samples()
	if ch == nil {
		return nil, errors.New("stream has no sample channel")
	}
	return &workerNode{stream: ps, samples: ch, done: make(chan struct{})}, nil
}

type workerNode struct {
	stream  PushStream
	samples <-chan []float32

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (n *workerNode) Pump() string { return "worker" }

func (n *workerNode) start(ctx context.Context, enc *Encoder, onErr func(error)) {
	n.wg.Add(1)
	go func() {
		err := n.run(ctx, enc)
		// Release waiters before reporting so onErr may call Disconnect.
		n.wg.Done()
		if err != nil {
			onErr(err)
		}
	}()
}

func (n *workerNode) run(ctx context.Context, enc *Encoder) error {
	for {
		select {
		case <-n.done:
			return nil
		case <-ctx.Done():
			return nil
		case buf, ok := <-n.samples:
			if !ok {
				if !n.stream.Active() {
					return fmt.Errorf("capture: %w: %w", audio.ErrDevice, ErrStreamInactive)
				}
				return nil
			}
			enc.OnSamples(buf)
		}
	}
}

func (n *workerNode) Disconnect() {
	n.stopOnce.Do(func() { close(n.done) })
	n.wg.Wait()
}

// ── Poll pump ────────────────────────────────────────────────────────────────

// PollPump reads a [PullStream] on a ticker. It is the fallback strategy for
// streams that cannot push.
type PollPump struct {
	// Interval between reads. Default: [DefaultPollInterval].
	Interval time.Duration

	// BufferSize is the read buffer length in samples. Default: 1024.
	BufferSize int
}

var _ Pump = PollPump{}

// Name implements [Pump].
func (PollPump) Name() string { return "poll" }

// Init implements [Pump].
func (p PollPump) Init(stream MediaStream) (starter, error) {
	ps, ok := stream.(PullStream)
	if !ok {
		return nil, errors.New("stream does not support polling")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	size := p.BufferSize
	if size <= 0 {
		size = 1024
	}
	return &pollNode{
		stream:   ps,
		interval: interval,
		buf:      make([]float32, size),
		done:     make(chan struct{}),
	}, nil
}

type pollNode struct {
	stream   PullStream
	interval time.Duration
	buf      []float32

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (n *pollNode) Pump() string { return "poll" }

func (n *pollNode) start(ctx context.Context, enc *Encoder, onErr func(error)) {
	n.wg.Add(1)
	go func() {
		err := n.run(ctx, enc)
		n.wg.Done()
		if err != nil {
			onErr(err)
		}
	}()
}

func (n *pollNode) run(ctx context.Context, enc *Encoder) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.drain(enc); err != nil {
				return fmt.Errorf("capture: %w: %w", audio.ErrDevice, err)
			}
		}
	}
}

// drain reads until the stream has nothing buffered.
func (n *pollNode) drain(enc *Encoder) error {
	for {
		k, err := n.stream.ReadSamples(n.buf)
		if k > 0 {
			// Encoder copies, so buf can be reused.
			enc.OnSamples(n.buf[:k])
		}
		if err != nil {
			return err
		}
		if k < len(n.buf) {
			return nil
		}
	}
}

func (n *pollNode) Disconnect() {
	n.stopOnce.Do(func() { close(n.done) })
	n.wg.Wait()
}

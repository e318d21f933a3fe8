package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

// Option configures a [Player].
type Option func(*Player)

// WithQueueSize sets how many undecoded chunks may wait for the dispatch
// goroutine before Play starts dropping. Default: 256.
func WithQueueSize(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the player's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.logger = l }
}

// WithDecodeErrorHook registers fn to be called for every chunk dropped
// because it failed to decode.
func WithDecodeErrorHook(fn func(error)) Option {
	return func(p *Player) { p.onDecodeError = fn }
}

// Player decodes chunks and schedules them on a device in arrival order.
// Play never blocks. Safe for concurrent use.
type Player struct {
	factory    DeviceFactory
	decoder    Decoder
	sampleRate int

	queueSize     int
	logger        *slog.Logger
	onDecodeError func(error)

	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	device    Device
	created   int
	closed    bool
	closeOnce sync.Once
}

// NewPlayer returns a running Player. The first device is created lazily on
// the first chunk.
func NewPlayer(factory DeviceFactory, decoder Decoder, sampleRate int, opts ...Option) *Player {
	p := &Player{
		factory:    factory,
		decoder:    decoder,
		sampleRate: sampleRate,
		queueSize:  256,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan []byte, p.queueSize)
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Play enqueues chunk for decoding and playback. Chunks are dropped with a
// warning when the player is closed or its queue is full.
func (p *Player) Play(chunk []byte) {
	select {
	case <-p.done:
		p.logger.Debug("playback: player closed, dropping chunk", "bytes", len(chunk))
		return
	default:
	}
	select {
	case p.queue <- chunk:
	default:
		p.logger.Warn("playback: queue full, dropping chunk", "bytes", len(chunk))
	}
}

// DevicesCreated returns how many devices the player has instantiated.
func (p *Player) DevicesCreated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Flush discards chunks that are queued but not yet scheduled and returns
// how many were dropped. Audio already handed to the device is unaffected.
func (p *Player) Flush() int {
	n := 0
	for {
		select {
		case <-p.queue:
			n++
		default:
			return n
		}
	}
}

// Close stops dispatch, discards queued chunks and closes the current device.
// Calling Close more than once is a no-op.
func (p *Player) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.mu.Lock()
		p.closed = true
		dev := p.device
		p.device = nil
		p.mu.Unlock()

		if dev != nil {
			err = dev.Close()
		}
	})
	return err
}

func (p *Player) dispatch() {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.done
		cancel()
	}()

	for {
		select {
		case <-p.done:
			return
		case chunk := <-p.queue:
			if err := p.playOne(ctx, chunk); err != nil {
				p.logger.Warn("playback: chunk dropped", "bytes", len(chunk), "err", err)
			}
		}
	}
}

func (p *Player) playOne(ctx context.Context, chunk []byte) error {
	buf, err := p.decoder.Decode(chunk)
	if err != nil {
		if p.onDecodeError != nil {
			p.onDecodeError(err)
		}
		return err
	}

	dev, err := p.ensureDevice()
	if err != nil {
		return err
	}

	if dev.State() == DeviceSuspended {
		if err := dev.Resume(ctx); err != nil {
			return fmt.Errorf("playback: resume device: %w: %w", audio.ErrDevice, err)
		}
	}
	if err := dev.Schedule(buf); err != nil {
		return fmt.Errorf("playback: schedule: %w: %w", audio.ErrDevice, err)
	}
	return nil
}

// ensureDevice returns the current device, creating a new one if there is
// none or the previous one was closed.
func (p *Player) ensureDevice() (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("playback: player closed")
	}
	if p.device != nil && p.device.State() != DeviceClosed {
		return p.device, nil
	}
	if p.device != nil {
		p.logger.Info("playback: device closed, creating a new one")
	}
	dev, err := p.factory(p.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("playback: create device: %w: %w", audio.ErrDevice, err)
	}
	p.device = dev
	p.created++
	return dev, nil
}

package playback_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/audio/playback"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

type fakeDevice struct {
	mu        sync.Mutex
	state     playback.DeviceState
	scheduled []playback.Buffer
	resumes   int
	closes    int
}

func (d *fakeDevice) State() playback.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDevice) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumes++
	d.state = playback.DeviceRunning
	return nil
}

func (d *fakeDevice) Schedule(buf playback.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, buf)
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	d.state = playback.DeviceClosed
	return nil
}

func (d *fakeDevice) setState(s playback.DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scheduled)
}

type deviceRecorder struct {
	mu      sync.Mutex
	devices []*fakeDevice
	initial playback.DeviceState
}

func (r *deviceRecorder) factory(int) (playback.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &fakeDevice{state: r.initial}
	r.devices = append(r.devices, d)
	return d, nil
}

func (r *deviceRecorder) get(i int) *fakeDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.devices) {
		return nil
	}
	return r.devices[i]
}

func pcmChunk(vals ...int16) []byte {
	return audio.Int16sToBytes(vals)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// ── Player ───────────────────────────────────────────────────────────────────

func TestPlayer_PlaysInOrder(t *testing.T) {
	t.Parallel()

	rec := &deviceRecorder{}
	p := playback.NewPlayer(rec.factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	defer p.Close()

	for i := int16(1); i <= 20; i++ {
		p.Play(pcmChunk(i * 100))
	}
	waitFor(t, func() bool { d := rec.get(0); return d != nil && d.count() == 20 })

	dev := rec.get(0)
	for i, buf := range dev.scheduled {
		want := audio.PCM16ToFloat32(int16(i+1) * 100)
		if buf.Samples[0] != want {
			t.Fatalf("buffer %d sample = %v, want %v", i, buf.Samples[0], want)
		}
	}
	if p.DevicesCreated() != 1 {
		t.Errorf("DevicesCreated = %d, want 1", p.DevicesCreated())
	}
}

func TestPlayer_RecreatesClosedDevice(t *testing.T) {
	t.Parallel()

	rec := &deviceRecorder{}
	p := playback.NewPlayer(rec.factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	defer p.Close()

	p.Play(pcmChunk(1, 2))
	waitFor(t, func() bool { d := rec.get(0); return d != nil && d.count() == 1 })

	rec.get(0).Close()

	p.Play(pcmChunk(3, 4))
	waitFor(t, func() bool { d := rec.get(1); return d != nil && d.count() == 1 })

	if p.DevicesCreated() != 2 {
		t.Errorf("DevicesCreated = %d, want 2", p.DevicesCreated())
	}
	if rec.get(0).count() != 1 {
		t.Error("closed device received a buffer")
	}
}

func TestPlayer_ResumesSuspendedDevice(t *testing.T) {
	t.Parallel()

	rec := &deviceRecorder{initial: playback.DeviceSuspended}
	p := playback.NewPlayer(rec.factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	defer p.Close()

	p.Play(pcmChunk(5))
	waitFor(t, func() bool { d := rec.get(0); return d != nil && d.count() == 1 })

	dev := rec.get(0)
	dev.setState(playback.DeviceSuspended)
	p.Play(pcmChunk(6))
	waitFor(t, func() bool { return dev.count() == 2 })

	dev.mu.Lock()
	resumes := dev.resumes
	dev.mu.Unlock()
	if resumes != 2 {
		t.Errorf("resumes = %d, want 2", resumes)
	}
}

func TestPlayer_DropsUndecodableChunk(t *testing.T) {
	t.Parallel()

	rec := &deviceRecorder{}
	var mu sync.Mutex
	var decodeErrs []error
	p := playback.NewPlayer(rec.factory, playback.PCM16Decoder{SampleRate: 24000}, 24000,
		playback.WithDecodeErrorHook(func(err error) {
			mu.Lock()
			decodeErrs = append(decodeErrs, err)
			mu.Unlock()
		}))
	defer p.Close()

	p.Play([]byte{1, 2, 3})
	p.Play(pcmChunk(7))
	waitFor(t, func() bool { d := rec.get(0); return d != nil && d.count() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(decodeErrs) != 1 || !errors.Is(decodeErrs[0], audio.ErrDecode) {
		t.Errorf("decode errors = %v, want one ErrDecode", decodeErrs)
	}
}

func TestPlayer_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	rec := &deviceRecorder{}
	p := playback.NewPlayer(rec.factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	p.Play(pcmChunk(1))
	waitFor(t, func() bool { d := rec.get(0); return d != nil && d.count() == 1 })

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c := rec.get(0).closes; c != 1 {
		t.Errorf("device closes = %d, want 1", c)
	}

	// Play after Close is dropped silently.
	p.Play(pcmChunk(2))
	if rec.get(1) != nil {
		t.Error("device created after Close")
	}
}

// gatedDevice blocks Schedule until release is closed.
type gatedDevice struct {
	fakeDevice
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gatedDevice) Schedule(buf playback.Buffer) error {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.fakeDevice.Schedule(buf)
}

func TestPlayer_FlushDropsQueuedChunks(t *testing.T) {
	t.Parallel()

	dev := &gatedDevice{
		fakeDevice: fakeDevice{state: playback.DeviceRunning},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	factory := func(int) (playback.Device, error) { return dev, nil }
	p := playback.NewPlayer(factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	defer p.Close()

	p.Play(pcmChunk(1))
	<-dev.entered
	for i := range 3 {
		p.Play(pcmChunk(int16(i + 2)))
	}

	if n := p.Flush(); n != 3 {
		t.Errorf("Flush = %d, want 3", n)
	}
	close(dev.release)
	waitFor(t, func() bool { return dev.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if c := dev.count(); c != 1 {
		t.Errorf("scheduled = %d, want only the in-flight chunk", c)
	}
}

func TestPlayer_FactoryFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	var mu sync.Mutex
	factory := func(int) (playback.Device, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, errors.New("no output")
	}
	p := playback.NewPlayer(factory, playback.PCM16Decoder{SampleRate: 24000}, 24000)
	defer p.Close()

	p.Play(pcmChunk(1))
	p.Play(pcmChunk(2))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 2 })
}

// ── Decoders ─────────────────────────────────────────────────────────────────

func TestDecoderFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime    string
		want    string
		wantErr bool
	}{
		{mime: "audio/pcm;rate=24000", want: "playback.PCM16Decoder"},
		{mime: "audio/wav", want: "playback.WAVDecoder"},
		{mime: "audio/x-wav", want: "playback.WAVDecoder"},
		{mime: "audio/mpeg", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			dec, err := playback.DecoderFor(tt.mime, 24000)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecoderFor: %v", err)
			}
			switch dec.(type) {
			case playback.PCM16Decoder:
				if tt.want != "playback.PCM16Decoder" {
					t.Errorf("got PCM16Decoder, want %s", tt.want)
				}
			case playback.WAVDecoder:
				if tt.want != "playback.WAVDecoder" {
					t.Errorf("got WAVDecoder, want %s", tt.want)
				}
			default:
				t.Errorf("unexpected decoder %T", dec)
			}
		})
	}
}

func TestPCM16Decoder_Errors(t *testing.T) {
	t.Parallel()

	d := playback.PCM16Decoder{SampleRate: 16000}
	for _, chunk := range [][]byte{nil, {1}, {1, 2, 3}} {
		if _, err := d.Decode(chunk); !errors.Is(err, audio.ErrDecode) {
			t.Errorf("Decode(%v) err = %v, want ErrDecode", chunk, err)
		}
	}
	buf, err := d.Decode(pcmChunk(-32768, 32767))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Samples[0] != -1 || buf.SampleRate != 16000 {
		t.Errorf("buf = %+v", buf)
	}
}

// wavBytes builds a mono 16-bit PCM RIFF/WAVE file.
func wavBytes(rate int, samples []int16) []byte {
	var b bytes.Buffer
	dataLen := uint32(len(samples) * 2)
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, 36+dataLen)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*2))
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, dataLen)
	binary.Write(&b, binary.LittleEndian, samples)
	return b.Bytes()
}

func TestWAVDecoder_SameRate(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 16384, -16384, 8192}
	buf, err := playback.WAVDecoder{SampleRate: 16000}.Decode(wavBytes(16000, samples))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != len(samples) {
		t.Fatalf("len = %d, want %d", len(buf.Samples), len(samples))
	}
	want := []float64{0, 0.5, -0.5, 0.25}
	for i, w := range want {
		if math.Abs(float64(buf.Samples[i])-w) > 1e-3 {
			t.Errorf("sample %d = %v, want %v", i, buf.Samples[i], w)
		}
	}
}

func TestWAVDecoder_FullScaleMatchesPCM16(t *testing.T) {
	t.Parallel()

	samples := []int16{32767, -32768, 16384, -1}
	wavBuf, err := playback.WAVDecoder{SampleRate: 24000}.Decode(wavBytes(24000, samples))
	if err != nil {
		t.Fatalf("WAV Decode: %v", err)
	}
	pcmBuf, err := playback.PCM16Decoder{SampleRate: 24000}.Decode(audio.Int16sToBytes(samples))
	if err != nil {
		t.Fatalf("PCM16 Decode: %v", err)
	}
	if len(wavBuf.Samples) != len(pcmBuf.Samples) {
		t.Fatalf("len = %d, want %d", len(wavBuf.Samples), len(pcmBuf.Samples))
	}
	for i := range samples {
		if math.Abs(float64(wavBuf.Samples[i]-pcmBuf.Samples[i])) > 1e-6 {
			t.Errorf("sample %d: wav %v, pcm16 %v", i, wavBuf.Samples[i], pcmBuf.Samples[i])
		}
	}
	if wavBuf.Samples[0] != 1 || wavBuf.Samples[1] != -1 {
		t.Errorf("full scale = %v, %v; want 1, -1", wavBuf.Samples[0], wavBuf.Samples[1])
	}
}

func TestWAVDecoder_Resamples(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 800)
	buf, err := playback.WAVDecoder{SampleRate: 16000}.Decode(wavBytes(8000, samples))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", buf.SampleRate)
	}
	if n := len(buf.Samples); n < 1400 || n > 1610 {
		t.Errorf("len = %d, want about 1600", n)
	}
}

func TestWAVDecoder_Garbage(t *testing.T) {
	t.Parallel()

	if _, err := (playback.WAVDecoder{SampleRate: 16000}).Decode([]byte("not a wav file")); !errors.Is(err, audio.ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestOpusDecoder_RoundTrip(t *testing.T) {
	t.Parallel()

	const rate, frame = 48000, 960
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, frame)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	packet, err := enc.Encode(pcm, frame, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := playback.NewOpusDecoder(rate)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	buf, err := dec.Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(buf.Samples) != frame {
		t.Errorf("len = %d, want %d", len(buf.Samples), frame)
	}
	if _, err := dec.Decode(nil); !errors.Is(err, audio.ErrDecode) {
		t.Errorf("empty packet err = %v, want ErrDecode", err)
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	b := playback.Buffer{Samples: make([]float32, 2400), SampleRate: 24000}
	if got := b.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
}

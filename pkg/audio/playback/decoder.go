package playback

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"layeh.com/gopus"

	"github.com/tiendavoz/callbridge/pkg/audio"
)

// Decoder turns one encoded chunk into a playable buffer. Failures wrap
// [audio.ErrDecode].
type Decoder interface {
	Decode(chunk []byte) (Buffer, error)
}

// DecoderFor returns the decoder for a MIME type. Parameters such as
// "audio/pcm;rate=24000" are accepted; sampleRate is used for raw PCM and as
// the target rate for containers.
func DecoderFor(mime string, sampleRate int) (Decoder, error) {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mime)), ";")
	switch base {
	case "audio/pcm", "audio/l16", "":
		return PCM16Decoder{SampleRate: sampleRate}, nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		return WAVDecoder{SampleRate: sampleRate}, nil
	case "audio/opus":
		return NewOpusDecoder(sampleRate)
	default:
		return nil, fmt.Errorf("playback: unsupported mime type %q", mime)
	}
}

// ── PCM16 ────────────────────────────────────────────────────────────────────

// PCM16Decoder decodes raw little-endian mono PCM16.
type PCM16Decoder struct {
	SampleRate int
}

// Decode implements [Decoder].
func (d PCM16Decoder) Decode(chunk []byte) (Buffer, error) {
	if len(chunk) == 0 {
		return Buffer{}, fmt.Errorf("playback: pcm16: empty chunk: %w", audio.ErrDecode)
	}
	if len(chunk)%2 != 0 {
		return Buffer{}, fmt.Errorf("playback: pcm16: odd byte count %d: %w", len(chunk), audio.ErrDecode)
	}
	return Buffer{Samples: audio.DecodePCM16(chunk), SampleRate: d.SampleRate}, nil
}

// ── WAV ──────────────────────────────────────────────────────────────────────

// WAVDecoder decodes a complete RIFF/WAVE chunk, folds it to mono and
// resamples it to SampleRate.
type WAVDecoder struct {
	SampleRate int
}

// Decode implements [Decoder].
func (d WAVDecoder) Decode(chunk []byte) (Buffer, error) {
	s, format, err := wav.Decode(bytes.NewReader(chunk))
	if err != nil {
		return Buffer{}, fmt.Errorf("playback: wav: %w: %w", audio.ErrDecode, err)
	}
	defer s.Close()

	var src beep.Streamer = s
	if format.Precision == 2 {
		src = fullScale16{s}
	}
	rate := int(format.SampleRate)
	if d.SampleRate > 0 && rate != d.SampleRate {
		src = beep.Resample(4, format.SampleRate, beep.SampleRate(d.SampleRate), src)
		rate = d.SampleRate
	}

	var out []float32
	buf := make([][2]float64, 512)
	for {
		n, ok := src.Stream(buf)
		for _, fr := range buf[:n] {
			out = append(out, float32((fr[0]+fr[1])/2))
		}
		if !ok {
			break
		}
	}
	if err := src.Err(); err != nil {
		return Buffer{}, fmt.Errorf("playback: wav: %w: %w", audio.ErrDecode, err)
	}
	if len(out) == 0 {
		return Buffer{}, fmt.Errorf("playback: wav: no samples: %w", audio.ErrDecode)
	}
	return Buffer{Samples: out, SampleRate: rate}, nil
}

// fullScale16 undoes the 1/65535 scale wav.Decode applies to 16-bit samples,
// which leaves full scale at ±0.5. Samples come out on the same scale as
// [PCM16Decoder].
type fullScale16 struct {
	beep.Streamer
}

func (f fullScale16) Stream(samples [][2]float64) (int, bool) {
	n, ok := f.Streamer.Stream(samples)
	for i := range samples[:n] {
		for c := range samples[i] {
			v := int16(math.Round(samples[i][c] * (1<<16 - 1)))
			samples[i][c] = float64(audio.PCM16ToFloat32(v))
		}
	}
	return n, ok
}

// ── Opus ─────────────────────────────────────────────────────────────────────

// OpusDecoder decodes single mono Opus packets. Decoder state carries across
// packets, so one OpusDecoder must serve exactly one stream.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *gopus.Decoder
	sampleRate int
}

// NewOpusDecoder returns an Opus decoder producing mono audio at sampleRate,
// which must be one of 8000, 12000, 16000, 24000 or 48000.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("playback: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate}, nil
}

// Decode implements [Decoder].
func (d *OpusDecoder) Decode(chunk []byte) (Buffer, error) {
	if len(chunk) == 0 {
		return Buffer{}, fmt.Errorf("playback: opus: empty packet: %w", audio.ErrDecode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// 120 ms is the longest frame Opus allows.
	maxFrame := d.sampleRate * 120 / 1000
	pcm, err := d.dec.Decode(chunk, maxFrame, false)
	if err != nil {
		return Buffer{}, fmt.Errorf("playback: opus: %w: %w", audio.ErrDecode, err)
	}
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = audio.PCM16ToFloat32(s)
	}
	return Buffer{Samples: out, SampleRate: d.sampleRate}, nil
}

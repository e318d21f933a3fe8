package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type typedMessage struct {
	Type string `json:"type"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Model                   string                   `json:"model,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AppendAudioMessage wraps PCM16 bytes in an input_audio_buffer.append event.
func AppendAudioMessage(pcm []byte) (s2s.Message, error) {
	return s2s.JSONMessage(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// InterruptMessage returns the response.audio_interrupt control message that
// asks the server to stop the assistant's current audio.
func InterruptMessage() s2s.Message {
	msg, _ := s2s.JSONMessage(typedMessage{Type: "response.audio_interrupt"})
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// contentPart is one element of a multi-part message.
type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// transcription events that carry the full text
	Transcript string `json:"transcript,omitempty"`

	// response.content_part.added
	Part *contentPart `json:"part,omitempty"`

	// response.output_item.done
	Item *outputItem `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// eventTable maps single-payload server event tags to the event they produce.
var eventTable = map[string]s2s.EventKind{
	"response.output_audio.delta":                        s2s.EventAudioChunk,
	"response.audio.delta":                               s2s.EventAudioChunk,
	"response.output_text.delta":                         s2s.EventTextDelta,
	"response.text.delta":                                s2s.EventTextDelta,
	"response.output_audio_transcript.delta":             s2s.EventTranscriptDelta,
	"response.audio_transcript.delta":                    s2s.EventTranscriptDelta,
	"conversation.item.input_audio_transcription.delta": s2s.EventTranscriptDelta,
	"input_audio_buffer.speech_started":                  s2s.EventInterrupted,
	"response.audio_interrupt":                           s2s.EventInterrupted,
	"error":                                              s2s.EventError,
}

// multipartTags carry content parts instead of a single delta.
var multipartTags = map[string]bool{
	"response.content_part.added": true,
	"response.output_item.done":   true,
}

func demux(data []byte) ([]s2s.InboundEvent, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("openai: %w: %w", s2s.ErrProtocol, err)
	}

	if multipartTags[evt.Type] {
		return demuxParts(&evt)
	}

	kind, ok := eventTable[evt.Type]
	if !ok {
		return nil, nil
	}

	switch kind {
	case s2s.EventAudioChunk:
		if evt.Delta == "" {
			return nil, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, fmt.Errorf("openai: %s: %w: %w", evt.Type, s2s.ErrProtocol, err)
		}
		return []s2s.InboundEvent{s2s.AudioChunk(pcm)}, nil

	case s2s.EventTextDelta:
		if evt.Delta == "" {
			return nil, nil
		}
		return []s2s.InboundEvent{s2s.TextDelta(evt.Delta)}, nil

	case s2s.EventTranscriptDelta:
		text := evt.Delta
		if text == "" {
			text = evt.Transcript
		}
		if text == "" {
			return nil, nil
		}
		role := "assistant"
		if evt.Type == "conversation.item.input_audio_transcription.delta" {
			role = "user"
		}
		return []s2s.InboundEvent{s2s.TranscriptDelta(role, text)}, nil

	case s2s.EventInterrupted:
		return []s2s.InboundEvent{s2s.Interrupted()}, nil

	case s2s.EventError:
		return []s2s.InboundEvent{s2s.ErrorEvent(remoteError(evt.Error))}, nil
	}
	return nil, nil
}

// demuxParts yields one event per audio or text part, in part order.
func demuxParts(evt *serverEvent) ([]s2s.InboundEvent, error) {
	var parts []contentPart
	if evt.Part != nil {
		parts = append(parts, *evt.Part)
	}
	if evt.Item != nil {
		parts = append(parts, evt.Item.Content...)
	}

	var out []s2s.InboundEvent
	for _, p := range parts {
		switch p.Type {
		case "audio", "output_audio":
			if p.Audio == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.Audio)
			if err != nil {
				return nil, fmt.Errorf("openai: %s: %w: %w", evt.Type, s2s.ErrProtocol, err)
			}
			out = append(out, s2s.AudioChunk(pcm))
		case "text", "output_text":
			if p.Text == "" {
				continue
			}
			out = append(out, s2s.TextDelta(p.Text))
		}
	}
	return out, nil
}

func remoteError(d *serverErrorDetail) error {
	if d == nil {
		return fmt.Errorf("openai: %w: unspecified", s2s.ErrRemote)
	}
	code := d.Code
	if code == "" {
		code = d.Type
	}
	return fmt.Errorf("openai: %w: %s: %s", s2s.ErrRemote, code, d.Message)
}

package s2s

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates [InboundEvent] variants.
type EventKind int

const (
	// EventAudioChunk carries raw decoded audio bytes in Data.
	EventAudioChunk EventKind = iota + 1

	// EventTextDelta carries partial model text in Text.
	EventTextDelta

	// EventTranscriptDelta carries a partial transcript of spoken audio in Text.
	EventTranscriptDelta

	// EventInterrupted signals that the user interrupted the assistant.
	EventInterrupted

	// EventError carries a remote or transport failure in Err.
	EventError

	// EventClosed is the last event before the stream ends.
	EventClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudioChunk:
		return "audio_chunk"
	case EventTextDelta:
		return "text_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InboundEvent is one demultiplexed unit of an inbound wire message.
type InboundEvent struct {
	Kind EventKind

	// Data is set for EventAudioChunk.
	Data []byte

	// Text is set for EventTextDelta and EventTranscriptDelta.
	Text string

	// Role is "user" or "assistant" for EventTranscriptDelta when the
	// provider says whose speech was transcribed.
	Role string

	// Err is set for EventError.
	Err error
}

// AudioChunk returns an EventAudioChunk event.
func AudioChunk(data []byte) InboundEvent { return InboundEvent{Kind: EventAudioChunk, Data: data} }

// TextDelta returns an EventTextDelta event.
func TextDelta(text string) InboundEvent { return InboundEvent{Kind: EventTextDelta, Text: text} }

// TranscriptDelta returns an EventTranscriptDelta event.
func TranscriptDelta(role, text string) InboundEvent {
	return InboundEvent{Kind: EventTranscriptDelta, Role: role, Text: text}
}

// Interrupted returns an EventInterrupted event.
func Interrupted() InboundEvent { return InboundEvent{Kind: EventInterrupted} }

// ErrorEvent returns an EventError event.
func ErrorEvent(err error) InboundEvent { return InboundEvent{Kind: EventError, Err: err} }

// MessageType is the WebSocket frame type of a raw message.
type MessageType int

const (
	// MessageText is a UTF-8 text frame.
	MessageText MessageType = iota + 1

	// MessageBinary is a binary frame.
	MessageBinary
)

// Message is one outbound wire message.
type Message struct {
	Type MessageType
	Data []byte
}

// JSONMessage marshals v into a text message.
func JSONMessage(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("s2s: marshal: %w", err)
	}
	return Message{Type: MessageText, Data: data}, nil
}

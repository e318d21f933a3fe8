package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media-stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Event is one JSON message on a Twilio media stream, in either direction.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *StartInfo `json:"start,omitempty"`
	Media *Media     `json:"media,omitempty"`
	Stop  *StopInfo  `json:"stop,omitempty"`
	Mark  *Mark      `json:"mark,omitempty"`
}

// StartInfo describes the call once the stream starts.
type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat is the codec of the media payloads. Twilio always sends
// audio/x-mulaw at 8000 Hz mono.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one base64 μ-law payload.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopInfo identifies the call whose stream ended.
type StopInfo struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Mark names a playback checkpoint.
type Mark struct {
	Name string `json:"name"`
}

// ParseEvent decodes one inbound text frame.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("telephony: parse event: %w", err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("telephony: parse event: missing event name")
	}
	return ev, nil
}

// Payload returns the decoded μ-law bytes of a media event.
func (ev Event) Payload() ([]byte, error) {
	if ev.Media == nil {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: media payload: %w", err)
	}
	return b, nil
}

// MediaEvent builds an outbound media event for streamSid.
func MediaEvent(streamSid string, mulaw []byte) Event {
	return Event{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &Media{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// MarkEvent builds an outbound mark event.
func MarkEvent(streamSid, name string) Event {
	return Event{Event: EventMark, StreamSid: streamSid, Mark: &Mark{Name: name}}
}

// ClearEvent builds an outbound clear event, which discards audio Twilio has
// buffered but not yet played.
func ClearEvent(streamSid string) Event {
	return Event{Event: EventClear, StreamSid: streamSid}
}

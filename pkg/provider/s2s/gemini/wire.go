package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// RealtimeAudioMessage wraps PCM16 bytes in a realtimeInput media chunk.
// A zero rate is sent as 16000.
func RealtimeAudioMessage(pcm []byte, rate int) (s2s.Message, error) {
	if rate <= 0 {
		rate = inputSampleRate
	}
	return s2s.JSONMessage(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// demux maps one server message to events. setupComplete and turnComplete
// yield nothing; an interrupted serverContent drops its audio and text and
// yields Interrupted after any error events.
func demux(typ s2s.MessageType, data []byte) ([]s2s.InboundEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		if typ == s2s.MessageBinary {
			if len(data) == 0 {
				return nil, nil
			}
			// Not JSON: the frame is bare PCM16 audio.
			return []s2s.InboundEvent{s2s.AudioChunk(data)}, nil
		}
		return nil, fmt.Errorf("gemini: %w: %w", s2s.ErrProtocol, err)
	}

	var out []s2s.InboundEvent

	if msg.Error != nil {
		out = append(out, s2s.ErrorEvent(fmt.Errorf("gemini: %w: %d %s: %s",
			s2s.ErrRemote, msg.Error.Code, msg.Error.Status, msg.Error.Message)))
	}
	if msg.GoAway != nil {
		out = append(out, s2s.ErrorEvent(fmt.Errorf("gemini: %w: server going away (time left %s)",
			s2s.ErrRemote, msg.GoAway.TimeLeft)))
	}

	sc := msg.ServerContent
	if sc == nil {
		return out, nil
	}
	if sc.Interrupted {
		return append(out, s2s.Interrupted()), nil
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, s2s.TranscriptDelta("user", sc.InputTranscription.Text))
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/"):
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("gemini: inlineData: %w: %w", s2s.ErrProtocol, err)
				}
				if len(pcm) > 0 {
					out = append(out, s2s.AudioChunk(pcm))
				}
			case p.Text != "":
				out = append(out, s2s.TextDelta(p.Text))
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, s2s.TranscriptDelta("assistant", sc.OutputTranscription.Text))
	}
	return out, nil
}

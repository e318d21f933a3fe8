package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tiendavoz/callbridge/pkg/audio"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s/gemini"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server that hands each accepted
// conn and its upgrade request to handler.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readRaw(conn *websocket.Conn) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Logf("writeFrame: %v (may be expected on close)", err)
	}
}

func demux(t *testing.T, typ s2s.MessageType, raw string) []s2s.InboundEvent {
	t.Helper()
	sess := gemini.New("key").NewSession(s2s.Config{})
	defer sess.Disconnect()
	evs, err := sess.HandleMessage(typ, []byte(raw))
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", raw, err)
	}
	return evs
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SetupFirstThenQueued(t *testing.T) {
	t.Parallel()

	got := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msgs []map[string]any
		for range 3 {
			m, err := readRaw(conn)
			if err != nil {
				break
			}
			msgs = append(msgs, m)
		}
		got <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("gemini-test"))
	sess := p.NewSession(s2s.Config{Voice: "Puck", Instructions: "be brief", KeepaliveInterval: -1})
	defer sess.Disconnect()

	sess.SendAudio(audio.AudioFrame{Data: []byte{1, 0, 2, 0}, SampleRate: 16000, Channels: 1})
	sess.SendText("hello")

	if err := sess.Connect(context.Background(), s2s.Credentials{APIKey: "test-key"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var msgs []map[string]any
	select {
	case msgs = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for messages")
	}
	if len(msgs) != 3 {
		t.Fatalf("received %d messages, want 3", len(msgs))
	}

	setup, ok := msgs[0]["setup"].(map[string]any)
	if !ok {
		t.Fatalf("first message = %v, want setup", msgs[0])
	}
	if setup["model"] != "models/gemini-test" {
		t.Errorf("model = %v, want models/gemini-test", setup["model"])
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("setup missing inputAudioTranscription")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("setup missing outputAudioTranscription")
	}
	gen, _ := setup["generationConfig"].(map[string]any)
	speech, _ := gen["speechConfig"].(map[string]any)
	voice, _ := speech["voiceConfig"].(map[string]any)
	prebuilt, _ := voice["prebuiltVoiceConfig"].(map[string]any)
	if prebuilt["voiceName"] != "Puck" {
		t.Errorf("voice = %v, want Puck", prebuilt["voiceName"])
	}

	rt, ok := msgs[1]["realtimeInput"].(map[string]any)
	if !ok {
		t.Fatalf("second message = %v, want realtimeInput", msgs[1])
	}
	chunks, _ := rt["mediaChunks"].([]any)
	if len(chunks) != 1 {
		t.Fatalf("mediaChunks = %v", rt["mediaChunks"])
	}
	chunk, _ := chunks[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %v", chunk["mimeType"])
	}
	if chunk["data"] != base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}) {
		t.Errorf("data = %v", chunk["data"])
	}

	if _, ok := msgs[2]["clientContent"]; !ok {
		t.Errorf("third message = %v, want clientContent", msgs[2])
	}
}

func TestConnect_APIKeyInQuery(t *testing.T) {
	t.Parallel()

	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("abc+123", gemini.WithBaseURL(wsURL(srv)))
	creds, err := p.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	sess := p.NewSession(s2s.Config{KeepaliveInterval: -1})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case k := <-keys:
		if k != "abc+123" {
			t.Errorf("key = %q, want abc+123", k)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_BlankKeyMakesNoDial(t *testing.T) {
	t.Parallel()

	d := &mock.Dialer{}
	sess := gemini.New("", gemini.WithDialer(d)).NewSession(s2s.Config{})
	defer sess.Disconnect()

	err := sess.Connect(context.Background(), s2s.Credentials{Token: "ignored"})
	if !errors.Is(err, s2s.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if d.CallCount() != 0 {
		t.Errorf("dial calls = %d, want 0", d.CallCount())
	}
	if sess.State() != s2s.StateDisconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
}

func TestReceive_BinaryFramesOverWire(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if _, err := readRaw(conn); err != nil {
			return
		}
		writeFrame(t, conn, websocket.MessageBinary, []byte(`{"setupComplete":{}}`))
		writeFrame(t, conn, websocket.MessageBinary, []byte{0x10, 0x00, 0x20, 0x00})
		writeFrame(t, conn, websocket.MessageBinary, []byte(`{"serverContent":{"outputTranscription":{"text":"hi"}}}`))
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).NewSession(s2s.Config{KeepaliveInterval: -1})
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), s2s.Credentials{APIKey: "k"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []s2s.EventKind{s2s.EventAudioChunk, s2s.EventTranscriptDelta}
	for i, kind := range want {
		select {
		case ev := <-sess.Events():
			if ev.Kind != kind {
				t.Errorf("event %d = %v, want %v", i, ev.Kind, kind)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

// ── Demultiplexing ────────────────────────────────────────────────────────────

func TestDemux_ServerContent(t *testing.T) {
	t.Parallel()

	raw := `{"serverContent":{` +
		`"inputTranscription":{"text":"hello"},` +
		`"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + b64("pcm") + `"}},{"text":"hey"}]},` +
		`"outputTranscription":{"text":"hey there"}}}`

	evs := demux(t, s2s.MessageText, raw)
	if len(evs) != 4 {
		t.Fatalf("events = %d, want 4: %+v", len(evs), evs)
	}
	if evs[0].Kind != s2s.EventTranscriptDelta || evs[0].Role != "user" || evs[0].Text != "hello" {
		t.Errorf("event 0 = %+v, want user transcript", evs[0])
	}
	if evs[1].Kind != s2s.EventAudioChunk || string(evs[1].Data) != "pcm" {
		t.Errorf("event 1 = %+v, want audio chunk", evs[1])
	}
	if evs[2].Kind != s2s.EventTextDelta || evs[2].Text != "hey" {
		t.Errorf("event 2 = %+v, want text delta", evs[2])
	}
	if evs[3].Kind != s2s.EventTranscriptDelta || evs[3].Role != "assistant" {
		t.Errorf("event 3 = %+v, want assistant transcript", evs[3])
	}
}

func TestDemux_InterruptedYieldsOnlyInterrupted(t *testing.T) {
	t.Parallel()

	raw := `{"serverContent":{"interrupted":true,"modelTurn":{"parts":[{"text":"stale"}]},"outputTranscription":{"text":"stale"}}}`
	evs := demux(t, s2s.MessageText, raw)
	if len(evs) != 1 || evs[0].Kind != s2s.EventInterrupted {
		t.Errorf("events = %+v, want exactly one Interrupted", evs)
	}
}

func TestDemux_InterruptedKeepsErrors(t *testing.T) {
	t.Parallel()

	raw := `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"},"serverContent":{"interrupted":true,"modelTurn":{"parts":[{"text":"stale"}]}}}`
	evs := demux(t, s2s.MessageText, raw)
	if len(evs) != 2 {
		t.Fatalf("events = %+v, want Error then Interrupted", evs)
	}
	if evs[0].Kind != s2s.EventError || !errors.Is(evs[0].Err, s2s.ErrRemote) {
		t.Errorf("events[0] = %+v, want remote Error", evs[0])
	}
	if evs[1].Kind != s2s.EventInterrupted {
		t.Errorf("events[1] = %+v, want Interrupted", evs[1])
	}
}

func TestDemux_RemoteErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"error":{"code":400,"message":"bad request","status":"INVALID_ARGUMENT"}}`,
		`{"goAway":{"timeLeft":"5s"}}`,
	} {
		evs := demux(t, s2s.MessageText, raw)
		if len(evs) != 1 || evs[0].Kind != s2s.EventError {
			t.Errorf("%s: events = %+v, want one Error", raw, evs)
			continue
		}
		if !errors.Is(evs[0].Err, s2s.ErrRemote) {
			t.Errorf("%s: err = %v, want ErrRemote", raw, evs[0].Err)
		}
	}
}

func TestDemux_Ignored(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"setupComplete":{}}`,
		`{"serverContent":{"turnComplete":true}}`,
		`{}`,
	} {
		if evs := demux(t, s2s.MessageText, raw); len(evs) != 0 {
			t.Errorf("%s: events = %+v, want none", raw, evs)
		}
	}
}

func TestDemux_BinaryFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		kind s2s.EventKind
	}{
		{name: "json in binary frame", data: `{"serverContent":{"interrupted":true}}`, kind: s2s.EventInterrupted},
		{name: "raw pcm", data: "\x01\x00\xff\x7f", kind: s2s.EventAudioChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evs := demux(t, s2s.MessageBinary, tt.data)
			if len(evs) != 1 || evs[0].Kind != tt.kind {
				t.Fatalf("events = %+v, want one %v", evs, tt.kind)
			}
			if tt.kind == s2s.EventAudioChunk && string(evs[0].Data) != tt.data {
				t.Errorf("data = %v, want raw payload", evs[0].Data)
			}
		})
	}
}

func TestDemux_MalformedText(t *testing.T) {
	t.Parallel()

	sess := gemini.New("k").NewSession(s2s.Config{})
	defer sess.Disconnect()

	for _, raw := range []string{
		`not json`,
		`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"***"}}]}}}`,
	} {
		if _, err := sess.HandleMessage(s2s.MessageText, []byte(raw)); !errors.Is(err, s2s.ErrProtocol) {
			t.Errorf("%s: err = %v, want ErrProtocol", raw, err)
		}
	}
}

func TestRealtimeAudioMessage_DefaultRate(t *testing.T) {
	t.Parallel()

	msg, err := gemini.RealtimeAudioMessage([]byte{0, 0}, 0)
	if err != nil {
		t.Fatalf("RealtimeAudioMessage: %v", err)
	}
	if !strings.Contains(string(msg.Data), `audio/pcm;rate=16000`) {
		t.Errorf("message = %s", msg.Data)
	}
}

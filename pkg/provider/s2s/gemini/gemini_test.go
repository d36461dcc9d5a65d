package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent receives one event or fails the test on timeout.
func nextEvent(t *testing.T, sess s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return s2s.Event{}
}

// connect dials the test server with a default config and consumes the setup
// message server-side.
func connect(t *testing.T, handler func(conn *websocket.Conn)) s2s.SessionHandle {
	t.Helper()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		handler(conn)
	})
	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ── Setup message ─────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupPayload struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	setupCh := make(chan setupPayload, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupPayload
		readJSON(t, conn, &msg)
		setupCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("test-live-model"))
	sess, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:        "You are a friendly assistant.",
		Voice:               "Kore",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var msg setupPayload
	select {
	case msg = <-setupCh:
	case <-time.After(3 * time.Second):
		t.Fatal("no setup message received")
	}

	if msg.Setup.Model != "models/test-live-model" {
		t.Errorf("model = %q; want models/test-live-model", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if msg.Setup.GenerationConfig.SpeechConfig == nil {
		t.Fatal("speechConfig missing")
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voiceName = %q; want Kore", got)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) != 1 ||
		msg.Setup.SystemInstruction.Parts[0].Text != "You are a friendly assistant." {
		t.Errorf("systemInstruction = %+v; want the persona prompt", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil {
		t.Error("inputAudioTranscription missing; want {}")
	}
	if msg.Setup.OutputAudioTranscription == nil {
		t.Error("outputAudioTranscription missing; want {}")
	}
}

// ── Outbound audio ────────────────────────────────────────────────────────────

func TestSendMedia_WritesRealtimeInput(t *testing.T) {
	t.Parallel()

	type inputPayload struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	inputCh := make(chan inputPayload, 1)
	sess := connect(t, func(conn *websocket.Conn) {
		var msg inputPayload
		readJSON(t, conn, &msg)
		inputCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	blob := audio.EncodeFrame(audio.Frame{Samples: make([]float32, audio.FrameSize), SampleRate: audio.CaptureRate})
	if err := sess.SendMedia(blob); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	var msg inputPayload
	select {
	case msg = <-inputCh:
	case <-time.After(3 * time.Second):
		t.Fatal("no realtimeInput message received")
	}

	if len(msg.RealtimeInput.MediaChunks) != 1 {
		t.Fatalf("mediaChunks = %d; want 1", len(msg.RealtimeInput.MediaChunks))
	}
	chunk := msg.RealtimeInput.MediaChunks[0]
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunk.MIMEType)
	}
	if chunk.Data != blob.Data {
		t.Error("chunk data does not match the encoded blob")
	}
}

func TestSendMedia_AfterClose(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess.Close()

	blob := audio.Blob{MIMEType: "audio/pcm;rate=16000", Data: ""}
	if err := sess.SendMedia(blob); err == nil {
		t.Error("SendMedia after Close succeeded; want error")
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestReceive_AudioChunk(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	sess := connect(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := nextEvent(t, sess)
	if ev.Audio == nil {
		t.Fatalf("event = %+v; want audio", ev)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio = %v; want %v", ev.Audio, pcm)
	}
}

func TestReceive_OrderedSignals(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hello "},
				"outputTranscription": map[string]any{"text": "hi there "},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := nextEvent(t, sess)
	if ev.Transcript == nil || ev.Transcript.Role != s2s.RoleUser || ev.Transcript.Text != "hello " {
		t.Errorf("event 1 = %+v; want user transcript \"hello \"", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Transcript == nil || ev.Transcript.Role != s2s.RoleAgent || ev.Transcript.Text != "hi there " {
		t.Errorf("event 2 = %+v; want agent transcript \"hi there \"", ev)
	}
	ev = nextEvent(t, sess)
	if !ev.TurnComplete {
		t.Errorf("event 3 = %+v; want turnComplete", ev)
	}
}

func TestReceive_InterruptedPrecedesAudio(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{0x00, 0x00}),
						}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	if ev := nextEvent(t, sess); !ev.Interrupted {
		t.Errorf("event 1 = %+v; want interrupted", ev)
	}
	if ev := nextEvent(t, sess); ev.Audio == nil {
		t.Errorf("event 2 = %+v; want audio", ev)
	}
}

func TestReceive_SkipsMalformedAudio(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		// First chunk carries invalid base64, second is valid; only the
		// second must surface.
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "!!!not-base64!!!"}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString([]byte{0x0A, 0x0B})}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := nextEvent(t, sess)
	if ev.Audio == nil || len(ev.Audio) != 2 {
		t.Fatalf("event = %+v; want the single valid audio chunk", ev)
	}
}

func TestReceive_ServiceErrorEndsSession(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 8, "message": "quota exceeded"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("got an event; want channel close after service error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel did not close after service error")
	}

	err := sess.Err()
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Err = %v; want the service error", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	sess := connect(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

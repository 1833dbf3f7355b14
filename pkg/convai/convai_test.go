package convai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sonorlabs/switchboard/pkg/audio"
	"github.com/sonorlabs/switchboard/pkg/convai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server standing in for the agent
// endpoint. The handler receives the accepted conn; the server is closed when
// the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// startSignedURLServer serves the signed-URL lookup, pointing callers at target.
func startSignedURLServer(t *testing.T, target string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"signed_url": target})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startBrokenSignedURLServer always answers 500.
func startBrokenSignedURLServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signed URL service unavailable", http.StatusInternalServerError)
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

// consumeInitiation reads and discards the initiation record every session
// sends first.
func consumeInitiation(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
}

// ── TestConnect ────────────────────────────────────────────────────────────────

func TestConnect_PrefersSignedURL(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if !sess.ViaSignedURL() {
		t.Error("ViaSignedURL() = false; want signed transport")
	}
}

func TestConnect_SignedURLFailure_FallsBackToDirect(t *testing.T) {
	t.Parallel()

	apiKeyHeader := make(chan string, 1)
	agentIDQuery := make(chan string, 1)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		apiKeyHeader <- r.Header.Get("xi-api-key")
		agentIDQuery <- r.URL.Query().Get("agent_id")
		consumeInitiation(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	brokenSrv := startBrokenSignedURLServer(t)

	p := convai.New("my-secret-key",
		convai.WithSignedURLEndpoint(brokenSrv.URL),
		convai.WithEndpoint(wsURL(agentSrv)),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "agent-7"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if sess.ViaSignedURL() {
		t.Error("ViaSignedURL() = true; want direct transport after fallback")
	}
	select {
	case key := <-apiKeyHeader:
		if key != "my-secret-key" {
			t.Errorf("xi-api-key = %q; want my-secret-key", key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
	select {
	case id := <-agentIDQuery:
		if id != "agent-7" {
			t.Errorf("agent_id = %q; want agent-7", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsInitiationWithDynamicVariables(t *testing.T) {
	t.Parallel()

	type initMsg struct {
		Type string `json:"type"`
		Data struct {
			DynamicVariables map[string]any `json:"dynamic_variables"`
		} `json:"conversation_initiation_client_data"`
	}

	received := make(chan initMsg, 1)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg initMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	brokenSrv := startBrokenSignedURLServer(t)

	p := convai.New("key",
		convai.WithSignedURLEndpoint(brokenSrv.URL),
		convai.WithEndpoint(wsURL(agentSrv)),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{
		AgentID: "agent-1",
		DynamicVariables: map[string]any{
			"caller_phone": "+15551234567",
			"call_mode":    "discovery",
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "conversation_initiation_client_data" {
			t.Errorf("type = %q; want conversation_initiation_client_data", msg.Type)
		}
		if got := msg.Data.DynamicVariables["caller_phone"]; got != "+15551234567" {
			t.Errorf("caller_phone = %v; want +15551234567", got)
		}
		if got := msg.Data.DynamicVariables["call_mode"]; got != "discovery" {
			t.Errorf("call_mode = %v; want discovery", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for initiation record")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	brokenSrv := startBrokenSignedURLServer(t)

	p := convai.New("key",
		convai.WithSignedURLEndpoint(brokenSrv.URL),
		convai.WithEndpoint(wsURL(agentSrv)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, convai.SessionConfig{AgentID: "a"}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── TestSendAudio ──────────────────────────────────────────────────────────────

func TestSendAudio_EncodesUserAudioChunk(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}

	received := make(chan chunkMsg, 1)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wantAudio := []byte{0xFF, 0x7E, 0x00, 0x80}
	if err := sess.SendAudio(wantAudio); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		got, err := base64.StdEncoding.DecodeString(msg.UserAudioChunk)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantAudio) {
			t.Errorf("decoded audio = %v; want %v", got, wantAudio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for user_audio_chunk")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()

	if err := sess.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

// ── TestAudio ──────────────────────────────────────────────────────────────────

func TestAudio_DeliversNestedAudioEvent(t *testing.T) {
	t.Parallel()

	wantAudio := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantAudio)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":        "audio",
			"audio_event": map[string]any{"audio_base_64": encoded},
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantAudio) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantAudio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}

	if !sess.AgentHasSpoken() {
		t.Error("AgentHasSpoken() = false after agent audio arrived")
	}
}

func TestAudio_DeliversDirectAudioString(t *testing.T) {
	t.Parallel()

	wantAudio := []byte("raw ulaw bytes")
	encoded := base64.StdEncoding.EncodeToString(wantAudio)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{"type": "audio", "audio": encoded})
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case chunk := <-sess.Audio():
		if string(chunk) != string(wantAudio) {
			t.Errorf("audio chunk = %q; want %q", chunk, wantAudio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── TestPing ───────────────────────────────────────────────────────────────────

func TestPing_AnsweredWithPong(t *testing.T) {
	t.Parallel()

	type pongMsg struct {
		Type    string          `json:"type"`
		EventID json.RawMessage `json:"event_id"`
	}

	received := make(chan pongMsg, 1)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 42},
		})
		var msg pongMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "pong" {
			t.Errorf("type = %q; want pong", msg.Type)
		}
		if string(msg.EventID) != "42" {
			t.Errorf("event_id = %s; want 42", msg.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
}

// ── TestInterruption ───────────────────────────────────────────────────────────

func TestInterruption_Signals(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{"type": "interruption"})
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Interruptions():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for interruption signal")
	}
}

// ── TestMetadata ───────────────────────────────────────────────────────────────

func TestMetadata_ParsesNegotiatedFormats(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"user_input_audio_format":   "pcm_16000",
				"agent_output_audio_format": "ulaw_8000",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case meta := <-sess.Metadata():
		if meta.InputFormat != audio.FormatPCM16_16000 {
			t.Errorf("InputFormat = %q; want pcm_16000", meta.InputFormat)
		}
		if meta.OutputFormat != audio.FormatULaw8000 {
			t.Errorf("OutputFormat = %q; want ulaw_8000", meta.OutputFormat)
		}
		if meta.Optimistic {
			t.Error("Optimistic = true for real metadata")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for metadata")
	}

	if sess.State() != convai.StateReady {
		t.Errorf("State() = %v; want ready", sess.State())
	}
}

func TestMetadata_FallbackAssumesULaw(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		// Never send metadata; the fallback timer must fire.
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key",
		convai.WithSignedURLEndpoint(signedSrv.URL),
		convai.WithMetadataFallback(50*time.Millisecond),
		convai.WithNudgeSchedule(nil),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case meta := <-sess.Metadata():
		if !meta.Optimistic {
			t.Error("Optimistic = false; want optimistic fallback metadata")
		}
		if meta.InputFormat != audio.FormatULaw8000 || meta.OutputFormat != audio.FormatULaw8000 {
			t.Errorf("fallback formats = %q/%q; want ulaw_8000 both ways", meta.InputFormat, meta.OutputFormat)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for fallback metadata")
	}
}

// ── TestNudges ─────────────────────────────────────────────────────────────────

func TestNudges_SentWhileAgentSilent(t *testing.T) {
	t.Parallel()

	type record struct {
		Type string `json:"type"`
		Body struct {
			Message string `json:"message"`
		} `json:"user_message"`
	}

	records := make(chan record, 3)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		for range 3 {
			var msg record
			readJSON(t, conn, &msg)
			records <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key",
		convai.WithSignedURLEndpoint(signedSrv.URL),
		convai.WithMetadataFallback(time.Hour),
		convai.WithNudgeSchedule([]time.Duration{
			20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond,
		}),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wantTypes := []string{"user_message", "user_message", "conversation_start"}
	for i, want := range wantTypes {
		select {
		case msg := <-records:
			if msg.Type != want {
				t.Errorf("nudge %d type = %q; want %q", i, msg.Type, want)
			}
			if want == "user_message" && msg.Body.Message == "" {
				t.Errorf("nudge %d has empty message", i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for nudge %d", i)
		}
	}
}

func TestNudges_CancelledByAgentAudio(t *testing.T) {
	t.Parallel()

	extraRecords := make(chan string, 4)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":        "audio",
			"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString([]byte{1})},
		})
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				close(extraRecords)
				return
			}
			extraRecords <- string(data)
		}
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key",
		convai.WithSignedURLEndpoint(signedSrv.URL),
		convai.WithMetadataFallback(time.Hour),
		convai.WithNudgeSchedule([]time.Duration{50 * time.Millisecond}),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Audio():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for agent audio")
	}

	// Wait past the nudge deadline; nothing more should have been written.
	time.Sleep(150 * time.Millisecond)
	select {
	case rec := <-extraRecords:
		t.Errorf("unexpected record after agent audio: %s", rec)
	default:
	}
}

// ── TestErrorRecord ────────────────────────────────────────────────────────────

func TestErrorRecord_FailsSession(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"message": "agent exploded"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session termination")
	}

	if sess.State() != convai.StateFailed {
		t.Errorf("State() = %v; want failed", sess.State())
	}
	if err := sess.Err(); err == nil {
		t.Error("Err() = nil; want the agent error")
	} else if !strings.Contains(err.Error(), "agent exploded") {
		t.Errorf("Err() = %v; want substring %q", err, "agent exploded")
	}
}

// ── TestClose ──────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.State() != convai.StateClosed {
		t.Errorf("State() = %v; want closed", sess.State())
	}
}

func TestClose_ClosesAudioChannel(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()

	select {
	case _, open := <-sess.Audio():
		if open {
			t.Error("Audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}
}

// ── TestConcurrentSendAudio ────────────────────────────────────────────────────

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key", convai.WithSignedURLEndpoint(signedSrv.URL))
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = sess.SendAudio([]byte{0xFF, 0xFE, 0xFD, 0xFC})
			}
		})
	}
	wg.Wait()
}

// ── TestTurnControls ───────────────────────────────────────────────────────────

func TestTurnControls_SendTaggedRecords(t *testing.T) {
	t.Parallel()

	types := make(chan string, 4)

	agentSrv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		consumeInitiation(t, conn)
		for range 4 {
			var msg struct {
				Type string `json:"type"`
			}
			readJSON(t, conn, &msg)
			types <- msg.Type
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	signedSrv := startSignedURLServer(t, wsURL(agentSrv))

	p := convai.New("key",
		convai.WithSignedURLEndpoint(signedSrv.URL),
		convai.WithMetadataFallback(time.Hour),
		convai.WithNudgeSchedule(nil),
	)
	sess, err := p.Connect(context.Background(), convai.SessionConfig{AgentID: "a"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendTurnStart(); err != nil {
		t.Fatalf("SendTurnStart: %v", err)
	}
	if err := sess.SendActivity(); err != nil {
		t.Fatalf("SendActivity: %v", err)
	}
	if err := sess.SendTurnEnd(); err != nil {
		t.Fatalf("SendTurnEnd: %v", err)
	}
	if err := sess.SendUserMessage("hi"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	want := []string{"user_audio_start", "user_activity", "user_audio_end", "user_message"}
	for i, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Errorf("record %d type = %q; want %q", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for record %d", i)
		}
	}
}

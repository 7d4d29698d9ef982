package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyglotcast/polyglotcast/internal/gateway/protocol"
	"github.com/polyglotcast/polyglotcast/internal/session"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
	"github.com/polyglotcast/polyglotcast/pkg/events"
)

type fakeASR struct{}

func (fakeASR) Stream(ctx context.Context, cfg engine.StreamConfig) (engine.AsrStream, error) {
	return &fakeStream{events: make(chan engine.AsrEvent)}, nil
}

func (fakeASR) Close() error { return nil }

type fakeStream struct {
	mu     sync.Mutex
	events chan engine.AsrEvent
	closed bool
}

func (s *fakeStream) Send(ctx context.Context, frame []byte) error { return nil }

func (s *fakeStream) Events() <-chan engine.AsrEvent { return s.events }

func (s *fakeStream) CloseSend() error { return s.Close() }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (engine.Translation, error) {
	return engine.Translation{Text: "[" + targetLang + "] " + text}, nil
}

func (fakeTranslator) Close() error { return nil }

func init() {
	registry.ASR.Register("google", func(config map[string]string) (engine.StreamingASR, error) {
		return fakeASR{}, nil
	})
	registry.MT.Register("google", func(config map[string]string) (engine.Translator, error) {
		return fakeTranslator{}, nil
	})
}

func newTestAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()
	hub := events.NewHub("test")
	reg := session.NewRegistry(hub, nil, 0)
	api := &API{
		Registry:   reg,
		Hub:        hub,
		SampleRate: 16000,
	}
	api.WS = &Handler{Registry: reg, Hub: hub, TTSEnabled: false}
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return api, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) sessionResponse {
	t.Helper()
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSessionStartAndJoin(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US", "tier": "basic"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	started := decodeSession(t, resp)
	if !started.Success || started.SessionID == "" || len(started.SessionCode) != 4 {
		t.Fatalf("start response %+v", started)
	}

	resp = postJSON(t, srv.URL+"/session/join", map[string]any{
		"sessionCode": strings.ToLower(started.SessionCode),
		"targetLang":  "es",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	joined := decodeSession(t, resp)
	if !joined.Success || joined.SessionID != started.SessionID {
		t.Fatalf("join response %+v", joined)
	}
}

func TestSessionStartRequiresSourceLang(t *testing.T) {
	_, srv := newTestAPI(t)
	resp := postJSON(t, srv.URL+"/session/start", map[string]any{"tier": "basic"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionJoinUnknownCode(t *testing.T) {
	_, srv := newTestAPI(t)
	resp := postJSON(t, srv.URL+"/session/join", map[string]any{"sessionCode": "ZZZZ", "targetLang": "es"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSecondSessionConflicts(t *testing.T) {
	_, srv := newTestAPI(t)
	postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"})
	resp := postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return m
}

func TestHostConnectGetsSessionReady(t *testing.T) {
	_, srv := newTestAPI(t)
	started := decodeSession(t, postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"}))

	conn := dialWS(t, srv, "role=host&sessionId="+started.SessionID)
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeSessionReady || frame["sessionCode"] != started.SessionCode {
		t.Fatalf("frame %v", frame)
	}
}

func TestListenerConnectJoinsSession(t *testing.T) {
	api, srv := newTestAPI(t)
	started := decodeSession(t, postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"}))

	conn := dialWS(t, srv, "sessionCode="+started.SessionCode+"&targetLang=es")
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeSessionJoined {
		t.Fatalf("frame %v", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if api.Registry.Stats(started.SessionID).ListenerCount == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener never registered")
}

func TestListenerTTSRejectedWhenDisabled(t *testing.T) {
	_, srv := newTestAPI(t)
	started := decodeSession(t, postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"}))

	conn := dialWS(t, srv, "sessionCode="+started.SessionCode+"&targetLang=es")
	readFrame(t, conn) // session_joined

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"tts/start","languageCode":"es-ES"}`))
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeError {
		t.Fatalf("frame %v, want error", frame)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	_, srv := newTestAPI(t)
	started := decodeSession(t, postJSON(t, srv.URL+"/session/start", map[string]any{"sourceLang": "en-US"}))

	conn := dialWS(t, srv, "sessionCode="+started.SessionCode+"&targetLang=es")
	readFrame(t, conn) // session_joined

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`))
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeError {
		t.Fatalf("frame %v, want error", frame)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":7}`))
	frame = readFrame(t, conn)
	if frame["type"] != protocol.TypePong {
		t.Fatalf("frame %v, want pong", frame)
	}
}

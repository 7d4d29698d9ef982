package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/polyglotcast/polyglotcast/internal/gateway/protocol"
	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/radio"
	"github.com/polyglotcast/polyglotcast/internal/session"
	"github.com/polyglotcast/polyglotcast/internal/speech/codec"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/pkg/events"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

const maxInboundBytes = 1 << 20

// Handler serves the /ws endpoint for both roles.
type Handler struct {
	Registry *session.Registry
	Router   *radio.Router
	Hub      *events.Hub
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// TTSEnabled arms listener radio queues; when false tts/* frames
	// are rejected with invalid_state.
	TTSEnabled bool

	// Per-listener queue sizing; zero values take the radio defaults.
	TTSMaxConcurrent int64
	TTSQueueLimit    int

	// OutboundLimit caps each connection's send queue; zero takes the
	// pump default.
	OutboundLimit int
}

func (h *Handler) newPump(conn wsWriter, sessionID, connID string, logger *slog.Logger) *Pump {
	pump := NewPump(conn, sessionID, connID, h.Hub, logger, h.Metrics)
	if h.OutboundLimit > 0 {
		pump.limit = h.OutboundLimit
	}
	return pump
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxInboundBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	switch r.URL.Query().Get("role") {
	case "host":
		h.serveHost(conn, r)
	default:
		h.serveListener(conn, r)
	}
}

func (h *Handler) serveHost(conn *websocket.Conn, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sess, ok := h.Registry.Lookup(sessionID)
	if !ok {
		writeDirectError(conn, string(fault.InvalidState), "unknown session")
		return
	}
	task := h.Registry.Task(sessionID)
	if task == nil {
		writeDirectError(conn, string(fault.InvalidState), "session has no pipeline")
		return
	}

	connID := xid.New().String()
	logger := h.logger().With(
		slog.String("session_id", sessionID),
		slog.String("conn_id", connID),
		slog.String("role", "host"))

	pump := h.newPump(conn, sessionID, connID, logger)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go pump.Run(ctx)

	if !h.Registry.AttachHost(sessionID, pump) {
		return
	}
	defer h.Registry.DetachHost(sessionID)

	pump.Deliver(protocol.TypeSessionReady, protocol.SessionReady{
		Type:        protocol.TypeSessionReady,
		SessionCode: sess.Code,
	})
	logger.Info("host connected")

	// Browser hosts may ship opus packets instead of raw pcm16.
	var opusDec *codec.OpusWriter
	if r.URL.Query().Get("encoding") == "opus" {
		opusDec = codec.NewOpusWriter(writerFunc(func(pcm []byte) (int, error) {
			if err := task.Audio(ctx, pcm); err != nil {
				return 0, err
			}
			return len(pcm), nil
		}))
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("host disconnected", slog.String("reason", err.Error()))
			return
		}
		msg, err := protocol.DecodeClientFrame(data)
		if err != nil {
			logger.Debug("dropping malformed frame", slog.String("error", err.Error()))
			pump.Deliver(protocol.TypeError, protocol.ServerError{
				Type: protocol.TypeError, Code: string(fault.Protocol), Message: err.Error(),
			})
			continue
		}

		switch m := msg.(type) {
		case protocol.Init:
			// Pipeline parameters are fixed at session start; init just
			// re-acknowledges readiness for reconnecting hosts.
			pump.Deliver(protocol.TypeSessionReady, protocol.SessionReady{
				Type:        protocol.TypeSessionReady,
				SessionCode: sess.Code,
			})
		case protocol.Audio:
			raw, err := base64.StdEncoding.DecodeString(m.AudioData)
			if err != nil {
				pump.Deliver(protocol.TypeError, protocol.ServerError{
					Type: protocol.TypeError, Code: string(fault.Protocol), Message: "audioData is not base64",
				})
				continue
			}
			if opusDec != nil {
				_, err = opusDec.Write(raw)
			} else {
				err = task.Audio(ctx, raw)
			}
			if err != nil && fault.CodeOf(err) != fault.QuotaExceeded {
				pump.Deliver(protocol.TypeError, protocol.ServerError{
					Type: protocol.TypeError, Code: string(fault.CodeOf(err)), Message: err.Error(),
				})
			}
		case protocol.AudioEnd:
			task.AudioEnd()
		case protocol.Ping:
			pump.Deliver(protocol.TypePong, protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})
		default:
			pump.Deliver(protocol.TypeError, protocol.ServerError{
				Type: protocol.TypeError, Code: string(fault.InvalidState), Message: "frame not valid for host role",
			})
		}
	}
}

func (h *Handler) serveListener(conn *websocket.Conn, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("sessionCode")
	sess, ok := h.Registry.LookupByCode(code)
	if !ok {
		writeDirectError(conn, string(fault.InvalidState), "unknown session code")
		return
	}
	targetLang := q.Get("targetLang")
	if targetLang == "" {
		writeDirectError(conn, string(fault.Protocol), "targetLang is required")
		return
	}

	connID := xid.New().String()
	logger := h.logger().With(
		slog.String("session_id", sess.ID),
		slog.String("conn_id", connID),
		slog.String("role", "listener"))

	pump := h.newPump(conn, sess.ID, connID, logger)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go pump.Run(ctx)

	l := &session.Listener{
		Lang: targetLang,
		Name: q.Get("userName"),
		Sink: pump,
	}
	if !h.Registry.AddListener(sess.ID, l) {
		writeDirectError(conn, string(fault.InvalidState), "session ended")
		return
	}
	defer func() {
		if l.Queue != nil {
			l.Queue.Close()
		}
		h.Registry.RemoveListener(sess.ID, l.ID)
	}()

	pump.Deliver(protocol.TypeSessionJoined, protocol.SessionReady{
		Type:        protocol.TypeSessionJoined,
		SessionCode: sess.Code,
	})
	logger.Info("listener joined", slog.String("target_lang", targetLang))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info("listener disconnected", slog.String("reason", err.Error()))
			return
		}
		msg, err := protocol.DecodeClientFrame(data)
		if err != nil {
			pump.Deliver(protocol.TypeError, protocol.ServerError{
				Type: protocol.TypeError, Code: string(fault.Protocol), Message: err.Error(),
			})
			continue
		}

		switch m := msg.(type) {
		case protocol.ChangeLanguage:
			h.Registry.ChangeLanguage(sess.ID, l.ID, m.TargetLang)
			if l.Queue != nil {
				l.Queue.SwitchLanguage(m.TargetLang, "")
			}
		case protocol.TTSStart:
			if !h.TTSEnabled || h.Router == nil {
				pump.Deliver(protocol.TypeError, protocol.ServerError{
					Type: protocol.TypeError, Code: string(fault.InvalidState), Message: "tts is not enabled",
				})
				continue
			}
			if l.Queue == nil {
				l.Queue = radio.NewQueue(h.Router, radio.QueueConfig{
					SessionID:     sess.ID,
					ListenerID:    l.ID,
					MaxConcurrent: h.TTSMaxConcurrent,
					Limit:         h.TTSQueueLimit,
					Hub:           h.Hub,
					Logger:        logger,
				})
				go h.forwardAudio(ctx, l.Queue, pump)
			}
			mode := m.Mode
			if mode == "" {
				mode = "unary"
			}
			l.Queue.Start(radio.StartConfig{
				LanguageCode: m.LanguageCode,
				VoiceName:    m.VoiceName,
				Tier:         m.Tier,
				Mode:         mode,
				SSML:         ssmlFromMap(m.SSMLOptions),
				Prompt:       m.TTSPrompt,
				Intensity:    clampIntensity(m.Intensity),
				StartFrom:    m.StartFromSegmentID,
			})
			pump.Deliver(protocol.TypeTTSAck, protocol.TTSAck{Type: protocol.TypeTTSAck, Action: "start"})
		case protocol.TTSControl:
			if l.Queue == nil {
				pump.Deliver(protocol.TypeError, protocol.ServerError{
					Type: protocol.TypeError, Code: string(fault.InvalidState), Message: "tts not started",
				})
				continue
			}
			var action string
			switch m.Type {
			case protocol.TypeTTSStop:
				l.Queue.Stop()
				action = "stop"
			case protocol.TypeTTSPause:
				l.Queue.Pause()
				action = "pause"
			case protocol.TypeTTSResume:
				l.Queue.Resume()
				action = "resume"
			}
			pump.Deliver(protocol.TypeTTSAck, protocol.TTSAck{Type: protocol.TypeTTSAck, Action: action})
		case protocol.TTSSynthesize:
			if l.Queue == nil {
				pump.Deliver(protocol.TypeError, protocol.ServerError{
					Type: protocol.TypeError, Code: string(fault.InvalidState), Message: "tts/synthesize before tts/start",
				})
				continue
			}
			l.Queue.Synthesize(m.SegmentID, m.Text)
		case protocol.Ping:
			pump.Deliver(protocol.TypePong, protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})
		default:
			pump.Deliver(protocol.TypeError, protocol.ServerError{
				Type: protocol.TypeError, Code: string(fault.InvalidState), Message: "frame not valid for listener role",
			})
		}
	}
}

// forwardAudio ships queue frames to the peer, as one unary payload or a
// chunk stream depending on the mode each frame was synthesized under.
func (h *Handler) forwardAudio(ctx context.Context, q *radio.Queue, pump *Pump) {
	for {
		var f radio.Frame
		select {
		case f = <-q.Frames():
		case <-ctx.Done():
			return
		}
		if f.Mode == "streaming" {
			pump.Deliver(protocol.TypeTTSAudioChunk, protocol.TTSAudioChunk{
				Type:        protocol.TypeTTSAudioChunk,
				SegmentID:   f.SegmentID,
				Seq:         f.Seq,
				IsLast:      f.IsLast,
				ChunkBase64: base64.StdEncoding.EncodeToString(f.Data),
				MimeType:    f.MimeType,
			})
		} else {
			pump.Deliver(protocol.TypeTTSAudio, protocol.TTSAudio{
				Type:      protocol.TypeTTSAudio,
				SegmentID: f.SegmentID,
				Mode:      "unary",
				Audio: protocol.TTSAudioPayload{
					BytesBase64: base64.StdEncoding.EncodeToString(f.Data),
					MimeType:    f.MimeType,
				},
				ResolvedRoute: f.Route,
			})
		}
		if f.IsLast {
			q.MarkPlayed(f.SegmentID)
		}
	}
}

func ssmlFromMap(opts map[string]string) *engine.SSMLOptions {
	if len(opts) == 0 {
		return nil
	}
	ssml := &engine.SSMLOptions{
		Rate:        opts["rate"],
		Pitch:       opts["pitch"],
		EmphasisLvl: opts["emphasis"],
	}
	if v, err := strconv.Atoi(opts["breakMs"]); err == nil {
		ssml.BreakMs = v
	}
	if v, err := strconv.ParseFloat(opts["volume"], 64); err == nil {
		ssml.Volume = v
	}
	return ssml
}

func clampIntensity(v float64) float64 {
	if v < 0 || v > 1 {
		return 0
	}
	return v
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func writeDirectError(conn *websocket.Conn, code, message string) {
	frame := protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(writeTimeout))
}

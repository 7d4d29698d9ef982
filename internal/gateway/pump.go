// Package gateway terminates websocket connections for hosts and
// listeners: it decodes inbound frames into session operations and runs
// the single-writer outbound pump for each peer.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyglotcast/polyglotcast/internal/gateway/protocol"
	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/pkg/events"
)

const (
	outboundLimit = 256
	pingInterval  = 10 * time.Second
	// Two missed client pings close the connection.
	readTimeout  = 2*pingInterval + 5*time.Second
	writeTimeout = 5 * time.Second
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outFrame struct {
	msgType   string
	data      []byte
	droppable bool
	isTTS     bool
}

// Pump is the single-writer outbound queue of one connection. Deliver
// never blocks; when the queue is full it sheds the oldest partial
// caption first, then the oldest non-audio frame. Synthesized audio is
// shed last.
type Pump struct {
	ws        wsWriter
	connID    string
	sessionID string
	logger    *slog.Logger
	meter     *metrics.Metrics
	hub       *events.Hub

	mu      sync.Mutex
	queue   []outFrame
	limit   int
	closed  bool
	dropped int64

	wake chan struct{}
}

// NewPump wraps one websocket connection.
func NewPump(ws wsWriter, sessionID, connID string, hub *events.Hub, logger *slog.Logger, meter *metrics.Metrics) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.Nop()
	}
	return &Pump{
		ws:        ws,
		connID:    connID,
		sessionID: sessionID,
		limit:     outboundLimit,
		logger:    logger.With(slog.String("component", "outbound_pump"), slog.String("conn_id", connID)),
		meter:     meter,
		hub:       hub,
		wake:      make(chan struct{}, 1),
	}
}

// Deliver queues one frame for the peer. Reports false when the frame
// was shed or the connection is gone.
func (p *Pump) Deliver(msgType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("unmarshalable outbound frame", slog.String("type", msgType))
		return false
	}
	f := outFrame{
		msgType:   msgType,
		data:      data,
		droppable: partialFrame(payload),
		isTTS:     strings.HasPrefix(msgType, "tts/"),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	before := p.dropped
	shedOK := true
	if len(p.queue) >= p.limit {
		shedOK = p.shedLocked(f)
	}
	if shedOK {
		p.queue = append(p.queue, f)
	}
	shed := p.dropped > before
	total := p.dropped
	p.mu.Unlock()

	if shed {
		p.recordDrop(total)
	}
	if !shedOK {
		return false
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// shedLocked makes room for an incoming frame. Returns false when the
// incoming frame should be dropped instead.
func (p *Pump) shedLocked(incoming outFrame) bool {
	for i, f := range p.queue {
		if f.droppable {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.dropped++
			return true
		}
	}
	if incoming.droppable {
		p.dropped++
		return false
	}
	for i, f := range p.queue {
		if !f.isTTS {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.dropped++
			return true
		}
	}
	if incoming.isTTS {
		p.queue = p.queue[1:]
		p.dropped++
		return true
	}
	p.dropped++
	return false
}

func (p *Pump) recordDrop(total int64) {
	metrics.Add(context.Background(), p.meter.FramesDropped, 1)
	if p.hub != nil {
		_ = p.hub.Emit(context.Background(), events.BackpressureDrop, p.sessionID, events.BackpressureData{
			ConnectionID: p.connID,
			Dropped:      total,
		})
	}
}

// Dropped returns how many frames this connection has shed.
func (p *Pump) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run writes queued frames until ctx is cancelled or the peer breaks.
func (p *Pump) Run(ctx context.Context) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer p.Close()

	for {
		if f, ok := p.pop(); ok {
			if err := p.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				metrics.Add(ctx, p.meter.FramesDropped, 1)
				return err
			}
			metrics.Add(ctx, p.meter.FramesSent, 1)
			continue
		}

		select {
		case <-p.wake:
		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := p.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case <-ctx.Done():
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		}
	}
}

func (p *Pump) pop() (outFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return outFrame{}, false
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f, true
}

// Close stops accepting frames. Queued frames are discarded.
func (p *Pump) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
}

func partialFrame(payload any) bool {
	switch f := payload.(type) {
	case protocol.Transcript:
		return f.IsPartial
	case protocol.Translation:
		return f.IsPartial
	}
	return false
}

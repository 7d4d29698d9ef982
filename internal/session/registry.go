// Package session holds the live session registry and the per-session
// pipeline task that ties recognition, assembly, translation, and radio
// playback together.
package session

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/polyglotcast/polyglotcast/internal/radio"
	"github.com/polyglotcast/polyglotcast/pkg/events"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

const (
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	initialCodeLen   = 4
	maxCodeLen       = 6
	collisionRetries = 5

	// reconnectGrace is how long a session survives a host disconnect
	// waiting for the host to come back under the same code.
	reconnectGrace = 5 * time.Second
)

// Sink delivers one typed frame to a connected peer. Implementations are
// the gateway's outbound pumps; Deliver must not block and reports false
// when the frame was dropped or the peer is gone.
type Sink interface {
	Deliver(msgType string, payload any) bool
}

// Listener is one subscribed audience member. Queue is non-nil while
// the listener has radio mode armed; the gateway owns its lifecycle.
type Listener struct {
	ID       string
	Lang     string
	Name     string
	Sink     Sink
	Queue    *radio.Queue
	JoinedAt time.Time
}

// Session is the registry record for one live broadcast.
type Session struct {
	ID         string
	Code       string
	Tenant     string
	SourceLang string
	Tier       string
	CreatedAt  time.Time

	// Guarded by the registry lock.
	listeners  map[string]*Listener
	hostSink   Sink
	detachedAt time.Time
	graceTimer *time.Timer
	task       *Task
}

// Stats is the listener census pushed to the host.
type Stats struct {
	ListenerCount  int            `json:"listenerCount"`
	LanguageCounts map[string]int `json:"languageCounts"`
}

// Registry is the only cross-task mutable structure; a single mutex
// guards it and every operation is O(1) in the session count.
type Registry struct {
	logger *slog.Logger
	hub    *events.Hub
	grace  time.Duration

	mu       sync.Mutex
	byCode   map[string]*Session
	byID     map[string]*Session
	byTenant map[string]*Session
}

// NewRegistry creates an empty registry. grace is the host reconnect
// window before an abandoned session tears down; zero takes the default.
func NewRegistry(hub *events.Hub, logger *slog.Logger, grace time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = reconnectGrace
	}
	return &Registry{
		logger:   logger.With(slog.String("component", "registry")),
		hub:      hub,
		grace:    grace,
		byCode:   make(map[string]*Session),
		byID:     make(map[string]*Session),
		byTenant: make(map[string]*Session),
	}
}

// Create starts a new session for tenant. A tenant runs one session at a
// time; replace terminates the previous one, otherwise creation fails.
func (r *Registry) Create(tenant, sourceLang, tier string, replace bool) (*Session, error) {
	r.mu.Lock()

	if prev, ok := r.byTenant[tenant]; ok {
		if !replace {
			r.mu.Unlock()
			return nil, fault.New(fault.InvalidState, "tenant already has an active session")
		}
		r.endLocked(prev)
	}

	code, err := r.generateCodeLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	s := &Session{
		ID:         xid.New().String(),
		Code:       code,
		Tenant:     tenant,
		SourceLang: sourceLang,
		Tier:       tier,
		CreatedAt:  time.Now(),
		listeners:  make(map[string]*Listener),
	}
	r.byCode[code] = s
	r.byID[s.ID] = s
	r.byTenant[tenant] = s
	r.mu.Unlock()

	r.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("code", code),
		slog.String("source_lang", sourceLang),
		slog.String("tier", tier))
	if r.hub != nil {
		_ = r.hub.Emit(context.Background(), events.SessionCreated, s.ID, events.SessionCreatedData{
			Code:       code,
			TenantID:   tenant,
			SourceLang: sourceLang,
			Tier:       tier,
		})
	}
	return s, nil
}

// generateCodeLocked draws a short code, growing it after repeated
// collisions with active codes.
func (r *Registry) generateCodeLocked() (string, error) {
	length := initialCodeLen
	collisions := 0
	for {
		var b strings.Builder
		for i := 0; i < length; i++ {
			b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
		}
		code := b.String()
		if _, taken := r.byCode[code]; !taken {
			return code, nil
		}
		collisions++
		if collisions >= collisionRetries {
			if length >= maxCodeLen {
				return "", fault.New(fault.InvalidState, "session code space exhausted")
			}
			length++
			collisions = 0
		}
	}
}

// LookupByCode finds a session by its short code, case-insensitively.
func (r *Registry) LookupByCode(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCode[strings.ToUpper(code)]
	return s, ok
}

// Lookup finds a session by id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// AddListener attaches a listener to a session.
func (r *Registry) AddListener(sessionID string, l *Listener) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if l.ID == "" {
		l.ID = xid.New().String()
	}
	l.JoinedAt = time.Now()
	s.listeners[l.ID] = l
	task := s.task
	r.mu.Unlock()

	if task != nil {
		task.languageJoined(l.Lang)
		task.censusChanged()
	}
	if r.hub != nil {
		_ = r.hub.Emit(context.Background(), events.ListenerJoined, sessionID, events.ListenerData{
			ListenerID: l.ID, TargetLang: l.Lang, Name: l.Name,
		})
	}
	return true
}

// RemoveListener detaches a listener.
func (r *Registry) RemoveListener(sessionID, listenerID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	l, ok := s.listeners[listenerID]
	if ok {
		delete(s.listeners, listenerID)
	}
	task := s.task
	r.mu.Unlock()

	if ok && task != nil {
		task.languageLeft(l.Lang)
		task.censusChanged()
	}
	if ok && r.hub != nil {
		_ = r.hub.Emit(context.Background(), events.ListenerLeft, sessionID, events.ListenerData{
			ListenerID: listenerID,
		})
	}
}

// ChangeLanguage mutates a listener's target language in place.
func (r *Registry) ChangeLanguage(sessionID, listenerID, lang string) bool {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	l, ok := s.listeners[listenerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := l.Lang
	l.Lang = lang
	task := s.task
	r.mu.Unlock()

	if task != nil && old != lang {
		task.languageJoined(lang)
		task.languageLeft(old)
		task.censusChanged()
	}
	if r.hub != nil {
		_ = r.hub.Emit(context.Background(), events.LanguageChanged, sessionID, events.ListenerData{
			ListenerID: listenerID, TargetLang: lang,
		})
	}
	return true
}

// Listeners returns a snapshot of the session's audience.
func (r *Registry) Listeners(sessionID string) []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// Stats computes the listener census.
func (r *Registry) Stats(sessionID string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{LanguageCounts: map[string]int{}}
	s, ok := r.byID[sessionID]
	if !ok {
		return st
	}
	st.ListenerCount = len(s.listeners)
	for _, l := range s.listeners {
		st.LanguageCounts[l.Lang]++
	}
	return st
}

// AttachHost binds the host connection, cancelling any pending grace
// teardown from a disconnect.
func (r *Registry) AttachHost(sessionID string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return false
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		r.logger.Info("host reconnected within grace",
			slog.String("session_id", sessionID))
	}
	s.hostSink = sink
	s.detachedAt = time.Time{}
	return true
}

// DetachHost drops the host connection and schedules teardown after the
// grace window unless the host reattaches.
func (r *Registry) DetachHost(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	s.hostSink = nil
	s.detachedAt = time.Now()
	s.graceTimer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		cur, ok := r.byID[sessionID]
		if ok && cur.hostSink == nil {
			r.endLocked(cur)
		}
		r.mu.Unlock()
	})
}

// HostSink returns the current host connection, if attached.
func (r *Registry) HostSink(sessionID string) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[sessionID]; ok {
		return s.hostSink
	}
	return nil
}

// End tears a session down and releases its code.
func (r *Registry) End(sessionID string) {
	r.mu.Lock()
	if s, ok := r.byID[sessionID]; ok {
		r.endLocked(s)
	}
	r.mu.Unlock()
}

func (r *Registry) endLocked(s *Session) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	delete(r.byCode, s.Code)
	delete(r.byID, s.ID)
	if r.byTenant[s.Tenant] == s {
		delete(r.byTenant, s.Tenant)
	}
	task := s.task
	s.task = nil

	r.logger.Info("session ended", slog.String("session_id", s.ID), slog.String("code", s.Code))
	if task != nil {
		go task.Stop()
	}
	if r.hub != nil {
		_ = r.hub.Emit(context.Background(), events.SessionEnded, s.ID, events.SessionEndedData{
			Reason:     "ended",
			DurationMs: time.Since(s.CreatedAt).Milliseconds(),
		})
	}
}

// Task returns the pipeline task bound to a session, if any.
func (r *Registry) Task(sessionID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[sessionID]; ok {
		return s.task
	}
	return nil
}

// bindTask attaches the pipeline task to the session record.
func (r *Registry) bindTask(sessionID string, t *Task) {
	r.mu.Lock()
	if s, ok := r.byID[sessionID]; ok {
		s.task = t
	}
	r.mu.Unlock()
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

package radio

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polyglotcast/polyglotcast/internal/metrics"
	"github.com/polyglotcast/polyglotcast/internal/speech/engine"
	"github.com/polyglotcast/polyglotcast/internal/speech/registry"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

// Route resolution reasons.
const (
	reasonRequested  = "requested"
	reasonVoiceBound = "voice_bound"
	reasonLangUnsup  = "lang_unsupported"
	reasonUnhealthy  = "provider_unhealthy"
	reasonSynthError = "synthesis_error"
)

// Router resolves (tier, voice, language) onto a concrete synthesis engine
// and performs the one-step tier fallback on synthesis errors. Provider
// backends are created lazily from the registry and shared across queues.
type Router struct {
	catalog  *Catalog
	provider map[string]string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	synths   map[string]engine.Synthesizer
	breakers map[string]*Breaker
}

// NewRouter creates a router over the catalog.
func NewRouter(catalog *Catalog, provider map[string]string, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Router{
		catalog:  catalog,
		provider: provider,
		logger:   logger.With(slog.String("component", "radio")),
		metrics:  m,
		synths:   make(map[string]engine.Synthesizer),
		breakers: make(map[string]*Breaker),
	}
}

// Resolve picks the synthesis route for a request. Rules in order: a voice
// bound to a tier wins; otherwise the requested tier if it serves the
// language and its provider is healthy; otherwise the next capable tier,
// with the skip recorded in FallbackFrom.
func (r *Router) Resolve(requestedTier, voiceName, lang string) (engine.ResolvedRoute, error) {
	if voiceName != "" {
		if v, ok := r.catalog.Voice(voiceName); ok {
			if t, ok := r.catalog.Tier(v.Tier); ok {
				return r.route(t, voiceName, lang, reasonVoiceBound, nil), nil
			}
		}
	}

	tiers := r.catalog.Tiers()
	start := 0
	for i, t := range tiers {
		if t.Name == requestedTier {
			start = i
			break
		}
	}

	var fallback *engine.Fallback
	for off := 0; off < len(tiers); off++ {
		t := tiers[(start+off)%len(tiers)]
		if !t.Supports(lang) {
			if t.Name == requestedTier {
				fallback = &engine.Fallback{Tier: requestedTier, Reason: reasonLangUnsup}
			}
			continue
		}
		if !r.breaker(t.Provider).Allow() {
			if t.Name == requestedTier {
				fallback = &engine.Fallback{Tier: requestedTier, Reason: reasonUnhealthy}
			}
			continue
		}
		reason := reasonRequested
		if t.Name != requestedTier && fallback != nil {
			reason = fallback.Reason
		}
		return r.route(t, voiceName, lang, reason, fallback), nil
	}

	return engine.ResolvedRoute{}, fault.New(fault.ProviderFatal,
		"no synthesis tier serves language "+lang)
}

func (r *Router) route(t TierSpec, voiceName, lang, reason string, fb *engine.Fallback) engine.ResolvedRoute {
	return engine.ResolvedRoute{
		Tier:          t.Name,
		Engine:        t.Engine,
		Provider:      t.Provider,
		Model:         t.Model,
		VoiceName:     voiceName,
		LanguageCode:  lang,
		AudioEncoding: t.Encoding,
		Reason:        reason,
		FallbackFrom:  fb,
	}
}

// Synthesize runs one unary synthesis on the resolved route, falling back
// exactly one tier on provider error.
func (r *Router) Synthesize(ctx context.Context, route engine.ResolvedRoute, req engine.SynthRequest) (engine.SynthResult, engine.ResolvedRoute, error) {
	metrics.Add(ctx, r.metrics.SynthRequests, 1, attribute.String("tier", route.Tier))

	res, err := r.attempt(ctx, route, req)
	if err == nil {
		return res, route, nil
	}

	next, ferr := r.fallbackRoute(route, route.LanguageCode)
	if ferr != nil {
		return engine.SynthResult{}, route, err
	}
	r.logger.Warn("synthesis failed, falling back one tier",
		slog.String("from", route.Tier),
		slog.String("to", next.Tier),
		slog.Any("error", err))
	metrics.Add(ctx, r.metrics.SynthFallbacks, 1, attribute.String("from", route.Tier))

	res, err = r.attempt(ctx, next, req)
	if err != nil {
		return engine.SynthResult{}, next, err
	}
	return res, next, nil
}

// Stream opens a streaming synthesis on the resolved route. Fallback is
// applied only when the stream fails to open.
func (r *Router) Stream(ctx context.Context, route engine.ResolvedRoute, req engine.SynthRequest) (<-chan engine.AudioChunk, engine.ResolvedRoute, error) {
	metrics.Add(ctx, r.metrics.SynthRequests, 1, attribute.String("tier", route.Tier))

	synth, err := r.synth(route.Provider)
	if err != nil {
		return nil, route, err
	}
	ch, err := synth.SynthesizeStream(ctx, fillRequest(route, req))
	if err == nil {
		r.breaker(route.Provider).RecordSuccess()
		return ch, route, nil
	}
	r.breaker(route.Provider).RecordFailure()

	next, ferr := r.fallbackRoute(route, route.LanguageCode)
	if ferr != nil {
		return nil, route, err
	}
	metrics.Add(ctx, r.metrics.SynthFallbacks, 1, attribute.String("from", route.Tier))
	synth, err = r.synth(next.Provider)
	if err != nil {
		return nil, next, err
	}
	ch, err = synth.SynthesizeStream(ctx, fillRequest(next, req))
	if err != nil {
		r.breaker(next.Provider).RecordFailure()
		return nil, next, err
	}
	r.breaker(next.Provider).RecordSuccess()
	return ch, next, nil
}

func (r *Router) attempt(ctx context.Context, route engine.ResolvedRoute, req engine.SynthRequest) (engine.SynthResult, error) {
	synth, err := r.synth(route.Provider)
	if err != nil {
		return engine.SynthResult{}, err
	}
	res, err := synth.Synthesize(ctx, fillRequest(route, req))
	if err != nil {
		r.breaker(route.Provider).RecordFailure()
		return engine.SynthResult{}, err
	}
	r.breaker(route.Provider).RecordSuccess()
	return res, nil
}

// fallbackRoute finds the next tier below route's that serves the language.
func (r *Router) fallbackRoute(route engine.ResolvedRoute, lang string) (engine.ResolvedRoute, error) {
	tiers := r.catalog.Tiers()
	past := false
	for _, t := range tiers {
		if t.Name == route.Tier {
			past = true
			continue
		}
		if !past || !t.Supports(lang) || !r.breaker(t.Provider).Allow() {
			continue
		}
		next := r.route(t, route.VoiceName, lang, reasonSynthError,
			&engine.Fallback{Tier: route.Tier, Reason: reasonSynthError})
		if vs, ok := r.catalog.Voice(route.VoiceName); ok && vs.Tier != t.Name {
			// The voice belongs to the failed tier; the fallback tier
			// picks its own default voice.
			next.VoiceName = ""
		}
		return next, nil
	}
	return engine.ResolvedRoute{}, fault.New(fault.ProviderFatal, "no fallback tier for "+lang)
}

// fillRequest completes a synthesis request from the route.
func fillRequest(route engine.ResolvedRoute, req engine.SynthRequest) engine.SynthRequest {
	req.LanguageCode = route.LanguageCode
	req.VoiceName = route.VoiceName
	req.Model = route.Model
	if req.AudioEncoding == "" {
		req.AudioEncoding = route.AudioEncoding
	}
	return req
}

func (r *Router) synth(provider string) (engine.Synthesizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.synths[provider]; ok {
		return s, nil
	}
	s, err := registry.TTS.Create(provider, r.provider)
	if err != nil {
		return nil, fault.Wrap(fault.ProviderFatal, "create synthesis backend", err)
	}
	r.synths[provider] = s
	return s, nil
}

func (r *Router) breaker(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(DefaultBreakerConfig())
		r.breakers[provider] = b
	}
	return b
}

// Close releases all provider backends.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.synths {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.synths = map[string]engine.Synthesizer{}
	return first
}

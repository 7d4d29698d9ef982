// Package quota meters streamed host audio against a per-tenant budget
// and gates new host streams when the budget runs out.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/polyglotcast/polyglotcast/pkg/events"
	"github.com/polyglotcast/polyglotcast/pkg/fault"
)

// Budget periods.
const (
	PeriodMonthly = "monthly"
	PeriodDaily   = "daily"
)

const warningThreshold = 0.8

// Store is the usage accounting collaborator.
type Store interface {
	// Usage returns the audio time consumed by tenant in the period.
	Usage(ctx context.Context, tenant, period string) (time.Duration, error)
	// Add accrues consumed audio time for tenant in the period.
	Add(ctx context.Context, tenant, period string, d time.Duration) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed     bool
	Warning     bool
	PercentUsed float64
	Message     string
}

// Gate checks tenants against their streaming budget before the ASR
// adapter starts, and accrues usage while audio flows.
type Gate struct {
	store  Store
	budget time.Duration
	period string
	hub    *events.Hub
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate over the store. budget is the per-period
// allowance of streamed audio.
func NewGate(store Store, budget time.Duration, period string, hub *events.Hub, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if period != PeriodDaily {
		period = PeriodMonthly
	}
	return &Gate{
		store:  store,
		budget: budget,
		period: period,
		hub:    hub,
		logger: logger.With(slog.String("component", "quota")),
		now:    time.Now,
	}
}

// Admit decides whether tenant may start a new host stream. At or above
// the budget the stream is blocked; at 80% a warning rides along.
func (g *Gate) Admit(ctx context.Context, tenant string) (Decision, error) {
	used, err := g.store.Usage(ctx, tenant, g.periodKey())
	if err != nil {
		// Accounting outage must not take the product down; admit and log.
		g.logger.Error("quota lookup failed, admitting", slog.String("tenant", tenant), slog.Any("error", err))
		return Decision{Allowed: true}, nil
	}
	return g.decide(ctx, tenant, used), nil
}

// Record accrues streamed audio time and re-evaluates the decision so
// in-flight streams learn when they cross a threshold.
func (g *Gate) Record(ctx context.Context, tenant string, d time.Duration) (Decision, error) {
	key := g.periodKey()
	if err := g.store.Add(ctx, tenant, key, d); err != nil {
		return Decision{Allowed: true}, fault.Wrap(fault.ProviderTransient, "accrue quota usage", err)
	}
	used, err := g.store.Usage(ctx, tenant, key)
	if err != nil {
		return Decision{Allowed: true}, nil
	}
	return g.decide(ctx, tenant, used), nil
}

func (g *Gate) decide(ctx context.Context, tenant string, used time.Duration) Decision {
	if g.budget <= 0 {
		return Decision{Allowed: true}
	}
	pct := float64(used) / float64(g.budget) * 100

	switch {
	case used >= g.budget:
		g.emit(ctx, events.QuotaExceeded, tenant, pct)
		return Decision{
			Allowed:     false,
			PercentUsed: pct,
			Message:     "streaming budget exhausted for this period",
		}
	case float64(used) >= float64(g.budget)*warningThreshold:
		g.emit(ctx, events.QuotaWarning, tenant, pct)
		return Decision{
			Allowed:     true,
			Warning:     true,
			PercentUsed: pct,
			Message:     "approaching the streaming budget for this period",
		}
	default:
		return Decision{Allowed: true, PercentUsed: pct}
	}
}

func (g *Gate) emit(ctx context.Context, t events.EventType, tenant string, pct float64) {
	if g.hub == nil {
		return
	}
	_ = g.hub.Emit(ctx, t, "", events.QuotaData{
		TenantID:    tenant,
		PercentUsed: pct,
	})
}

// periodKey buckets usage by the configured period.
func (g *Gate) periodKey() string {
	now := g.now().UTC()
	if g.period == PeriodDaily {
		return now.Format("2006-01-02")
	}
	return now.Format("2006-01")
}

// Package metrics records operational measurements for the sync server:
// live session count, dispatch outcomes, and patch push volume. The
// instruments bind to the global OpenTelemetry meter, so they stay no-ops
// unless a meter provider is registered at startup.
package metrics

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	sessionsOpen  metric.Int64UpDownCounter
	actionsTotal  metric.Int64Counter
	patchesPushed metric.Int64Counter
	patchOps      metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/statorhq/stator")

	var err error
	if sessionsOpen, err = meter.Int64UpDownCounter("stator.sessions.open",
		metric.WithDescription("Live sync sessions."),
	); err != nil {
		log.Printf("register sessions gauge: %v", err)
	}
	if actionsTotal, err = meter.Int64Counter("stator.actions.total",
		metric.WithDescription("Dispatched actions by outcome."),
	); err != nil {
		log.Printf("register actions counter: %v", err)
	}
	if patchesPushed, err = meter.Int64Counter("stator.patches.pushed",
		metric.WithDescription("Patch frames pushed to clients."),
	); err != nil {
		log.Printf("register patches counter: %v", err)
	}
	if patchOps, err = meter.Int64Counter("stator.patches.ops",
		metric.WithDescription("Individual diff operations pushed to clients."),
	); err != nil {
		log.Printf("register patch ops counter: %v", err)
	}
}

// SessionOpened records one more live session.
func SessionOpened(ctx context.Context) {
	sessionsOpen.Add(ctx, 1)
}

// SessionClosed records one less live session.
func SessionClosed(ctx context.Context) {
	sessionsOpen.Add(ctx, -1)
}

// ActionDispatched records the outcome of one dispatched action.
func ActionDispatched(ctx context.Context, action, outcome string) {
	actionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// PatchPushed records one patch frame carrying ops operations.
func PatchPushed(ctx context.Context, ops int) {
	patchesPushed.Add(ctx, 1)
	patchOps.Add(ctx, int64(ops))
}

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/teambook/internal/types"
)

// Instruments for the teambook counters. All creation goes through the
// global meter, so before Init (or with telemetry disabled) every call
// is a no-op.
var (
	instrumentsOnce sync.Once

	verbCalls    metric.Int64Counter
	eventsSeen   metric.Int64Counter
	streamConns  metric.Int64UpDownCounter
	sweepRemoved metric.Int64Counter
)

func instruments() {
	instrumentsOnce.Do(func() {
		m := Meter("")
		verbCalls, _ = m.Int64Counter("teambook.verbs",
			metric.WithDescription("Kernel verb invocations by verb and outcome"))
		eventsSeen, _ = m.Int64Counter("teambook.events",
			metric.WithDescription("Events dispatched on the bus by item and event type"))
		streamConns, _ = m.Int64UpDownCounter("teambook.stream.connections",
			metric.WithDescription("Live streaming connections"))
		sweepRemoved, _ = m.Int64Counter("teambook.sweep.removed",
			metric.WithDescription("Rows removed by retention sweeps"))
	})
}

// CountVerb records one kernel verb invocation.
func CountVerb(ctx context.Context, verb string, success bool) {
	instruments()
	verbCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.Bool("success", success),
	))
}

// StreamConnected records a streaming connection opening (delta +1) or
// closing (delta -1).
func StreamConnected(ctx context.Context, delta int64) {
	instruments()
	streamConns.Add(ctx, delta)
}

// CountSwept records rows removed by a retention sweep.
func CountSwept(ctx context.Context, concern string, n int) {
	if n <= 0 {
		return
	}
	instruments()
	sweepRemoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("concern", concern)))
}

// Observer counts every event dispatched on the bus. It satisfies the
// eventbus handler contract; register it once per process.
type Observer struct{}

func (Observer) ID() string                 { return "telemetry" }
func (Observer) Handles() []types.EventType { return nil }
func (Observer) Priority() int              { return 95 }

func (Observer) Handle(ctx context.Context, e *types.Event) error {
	if e == nil {
		return nil
	}
	instruments()
	eventsSeen.Add(ctx, 1, metric.WithAttributes(
		attribute.String("item_type", string(e.ItemType)),
		attribute.String("event_type", string(e.EventType)),
	))
	return nil
}

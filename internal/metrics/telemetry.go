package metrics

import (
	"ledgerbot/internal/domain"
)

// Telemetry receives gateway events. Implementations must not block the
// caller for long; the webhook acknowledgment waits on the pipeline.
type Telemetry interface {
	// Ack is called once per webhook POST with the acknowledged status.
	Ack(status string)
	// Delivery is called once per processed message with its audit record.
	Delivery(d domain.Delivery)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Ack(string) {}
func (Nop) Delivery(domain.Delivery) {}

// Fanout forwards each event to every sink.
type Fanout []Telemetry

func (f Fanout) Ack(status string) {
	for _, t := range f {
		t.Ack(status)
	}
}

func (f Fanout) Delivery(d domain.Delivery) {
	for _, t := range f {
		t.Delivery(d)
	}
}

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 90}

// Prometheus records events into a MetricsCollector.
type Prometheus struct {
	c *MetricsCollector
}

func NewPrometheus(c *MetricsCollector) *Prometheus {
	return &Prometheus{c: c}
}

func (p *Prometheus) Ack(status string) {
	p.c.Counter("ledgerbot_webhook_acks_total", "Webhook deliveries acknowledged, by status",
		Label("status", status)).Inc()
}

func (p *Prometheus) Delivery(d domain.Delivery) {
	p.c.Counter("ledgerbot_messages_total", "Messages processed, by kind and final state",
		Labels(Label("kind", string(d.Kind)), Label("state", d.State))).Inc()
	if d.Action != "" {
		p.c.Counter("ledgerbot_ledger_calls_total", "Ledger backend calls, by action and outcome",
			Labels(Label("action", d.Action), Label("outcome", d.Outcome))).Inc()
	}
	if d.Intent != "" {
		p.c.Counter("ledgerbot_intents_total", "Classified intents, by kind",
			Label("intent", string(d.Intent))).Inc()
	}
	p.c.Histogram("ledgerbot_pipeline_seconds", "Pipeline latency in seconds", "", latencyBuckets).
		Observe(d.Duration.Seconds())
}

package strait

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCallCount             = []string{"strait", "call", "count"}
	MetricCallLatency           = []string{"strait", "call", "latency"}
	MetricConnEstCount          = []string{"strait", "connection", "established", "count"}
	MetricConnErrorCount        = []string{"strait", "connection", "error", "count"}
	MetricConnClosedCount       = []string{"strait", "connection", "closed", "count"}
	MetricHandshakeErrorCount   = []string{"strait", "handshake", "error", "count"}
	MetricPoolEndpoints         = []string{"strait", "pool", "endpoints"}
	MetricPoolReady             = []string{"strait", "pool", "ready"}
	MetricLimiterWaiting        = []string{"strait", "limiter", "waiting"}
	MetricServerStreamCount     = []string{"strait", "server", "stream", "count"}
	MetricServerStreamLatency   = []string{"strait", "server", "stream", "latency"}
	MetricServerConnCount       = []string{"strait", "server", "connection", "count"}
	MetricServerRejectedCount   = []string{"strait", "server", "connection", "rejected", "count"}
	MetricServerStreamQueueTime = []string{"strait", "server", "stream", "queue", "time"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelCode     TelemetryLabel = "code"
	LabelService  TelemetryLabel = "service"
	LabelMethod   TelemetryLabel = "method"
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelLimiter  TelemetryLabel = "limiter"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so appending call-specific labels never
// aliases the static ones.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}

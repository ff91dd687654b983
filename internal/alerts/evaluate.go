package alerts

import (
	"fmt"

	"github.com/google/uuid"

	"tunwatch/internal/config"
	"tunwatch/internal/model"
)

// Evaluate checks one sample against the thresholds and returns every alert
// condition it triggers. Pure: no shared state, no side effects; rate limiting
// is the manager's job.
//
// A sample without a latency reading is already covered by the down condition
// and is not evaluated for high latency.
func Evaluate(sample model.Sample, th config.Thresholds) []model.AlertEvent {
	var events []model.AlertEvent

	if !sample.Up {
		events = append(events, newEvent(sample, model.ConditionDown, model.SeverityCritical,
			"tunnel down", 0, 0))
	}

	if sample.Up && sample.HasLatency && sample.LatencyMS > th.MaxLatencyMS {
		events = append(events, newEvent(sample, model.ConditionHighLatency, model.SeverityWarning,
			fmt.Sprintf("high latency: %.1fms", sample.LatencyMS), sample.LatencyMS, th.MaxLatencyMS))
	}

	if sample.PacketLossPct > th.MaxPacketLossPct {
		events = append(events, newEvent(sample, model.ConditionPacketLoss, model.SeverityWarning,
			fmt.Sprintf("packet loss: %.2f%%", sample.PacketLossPct), sample.PacketLossPct, th.MaxPacketLossPct))
	}

	// Zero throughput is the down case, not low throughput.
	if sample.ThroughputMbps > 0 && sample.ThroughputMbps < th.MinThroughputMbps {
		events = append(events, newEvent(sample, model.ConditionLowThroughput, model.SeverityInfo,
			fmt.Sprintf("low throughput: %.2f Mbps", sample.ThroughputMbps), sample.ThroughputMbps, th.MinThroughputMbps))
	}

	return events
}

func newEvent(sample model.Sample, cond model.Condition, sev model.Severity, msg string, observed, threshold float64) model.AlertEvent {
	return model.AlertEvent{
		ID:        uuid.NewString(),
		Tunnel:    sample.Tunnel,
		Condition: cond,
		Severity:  sev,
		Timestamp: sample.Timestamp,
		Message:   msg,
		Observed:  observed,
		Threshold: threshold,
	}
}

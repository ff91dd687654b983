package model

import "time"

// Tunnel describes one monitored point-to-point tunnel. Built from config at
// startup and never mutated afterwards; the watchdog loop that owns it is the
// only writer of its runtime state.
type Tunnel struct {
	Name           string
	Interface      string
	Remote         string // host:port of the remote tunnel endpoint
	ProbePort      int    // UDP echo responder port on the remote side
	Unit           string // transport service unit
	ForwardUnits   []string
	ForwardedPorts []int
	Shaping        bool
}

// Sample is a point-in-time measurement of one tunnel. Immutable once recorded.
type Sample struct {
	Tunnel         string    `json:"tunnel" yaml:"tunnel"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Up             bool      `json:"up" yaml:"up"`
	LatencyMS      float64   `json:"latency_ms" yaml:"latency_ms"`
	HasLatency     bool      `json:"has_latency" yaml:"has_latency"`
	ThroughputMbps float64   `json:"throughput_mbps" yaml:"throughput_mbps"`
	PacketLossPct  float64   `json:"packet_loss_pct" yaml:"packet_loss_pct"`
	IfaceErrors    uint64    `json:"iface_errors" yaml:"iface_errors"`
	PublicAddr     string    `json:"public_addr,omitempty" yaml:"public_addr,omitempty"`
}

// Severity of an alert event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Condition identifies what an alert is about. The (tunnel, condition,
// severity) triple is the dedup key in the alert log.
type Condition string

const (
	ConditionDown              Condition = "tunnel_down"
	ConditionHighLatency       Condition = "high_latency"
	ConditionPacketLoss        Condition = "packet_loss"
	ConditionLowThroughput     Condition = "low_throughput"
	ConditionRecoveryExhausted Condition = "recovery_exhausted"
)

// AlertEvent is a single entry in the alert log. Immutable once created.
type AlertEvent struct {
	ID        string    `json:"id"`
	Tunnel    string    `json:"tunnel"`
	Condition Condition `json:"condition"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
}

// Aggregate holds min/max/avg over the current metrics window for one metric.
type Aggregate struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
	Avg float64 `json:"avg" yaml:"avg"`
}

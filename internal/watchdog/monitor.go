package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tunwatch/internal/alerts"
	"tunwatch/internal/config"
	"tunwatch/internal/metrics"
	"tunwatch/internal/model"
	"tunwatch/internal/pool"
	"tunwatch/internal/store"
	"tunwatch/internal/svcctl"
)

// Phase of one tunnel's recovery state machine.
type Phase string

const (
	PhaseHealthy    Phase = "healthy"
	PhaseSuspect    Phase = "suspect"
	PhaseRecovering Phase = "recovering"
	// PhaseFailed is terminal for the automatic loop; only an explicit
	// external reset re-enters healthy.
	PhaseFailed Phase = "failed"
)

// monitor owns one tunnel's state machine. All mutation happens on the
// tunnel's own loop goroutine; the mutex only guards snapshot reads from the
// telemetry side.
type monitor struct {
	tunnel  model.Tunnel
	wd      config.WatchdogConfig
	th      config.Thresholds
	sampler Sampler
	metrics *metrics.Store
	alerts  *alerts.Manager
	svc     svcctl.Manager
	pool    *pool.Pool

	// reassertShaping reinstalls the tunnel's obfuscation profile after a
	// successful recovery. Set by the watchdog, nil when shaping is off.
	reassertShaping func(ctx context.Context)

	sleep func(ctx context.Context, d time.Duration) error
	log   *logrus.Entry

	mu               sync.Mutex
	phase            Phase
	consecutiveFails int
	recoveryAttempts int
	backoff          time.Duration
}

// tick runs one monitoring cycle: sample, record, evaluate, and advance the
// state machine (possibly through a full recovery sequence).
func (m *monitor) tick(ctx context.Context) {
	sample := m.sampler.Sample(ctx, m.tunnel)
	m.metrics.Record(m.tunnel.Name, sample)

	events := alerts.Evaluate(sample, m.th)
	failed := false
	for _, event := range events {
		m.alerts.Raise(event)
		if event.Severity == model.SeverityCritical || event.Severity == model.SeverityWarning {
			failed = true
		}
	}

	switch m.currentPhase() {
	case PhaseFailed:
		// Keep sampling for telemetry; no automatic action until reset.
	case PhaseHealthy:
		if failed {
			m.setPhase(PhaseSuspect)
			m.setFails(1)
			m.log.WithField("phase", PhaseSuspect).Warn("tunnel degraded")
		}
	case PhaseSuspect:
		if !failed {
			m.setPhase(PhaseHealthy)
			m.setFails(0)
			m.log.Info("tunnel recovered without intervention")
			return
		}
		fails := m.addFail()
		if fails >= m.th.ConsecutiveFailures {
			m.recover(ctx)
		}
	}
}

// recover drives restart attempts with exponential backoff until the tunnel
// is healthy again or attempts are exhausted.
func (m *monitor) recover(ctx context.Context) {
	m.setPhase(PhaseRecovering)
	m.log.WithField("phase", PhaseRecovering).Warn("starting recovery")

	for {
		m.mu.Lock()
		m.recoveryAttempts++
		attempt := m.recoveryAttempts
		backoff := m.backoff
		m.mu.Unlock()

		if attempt > m.wd.MaxRecoveryAttempts {
			m.fail()
			return
		}

		m.log.WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff}).
			Warn("recovery attempt")
		m.restartServices(ctx)

		if err := m.sleep(ctx, backoff); err != nil {
			return // shutting down
		}
		m.growBackoff()

		sample := m.sampler.Sample(ctx, m.tunnel)
		m.metrics.Record(m.tunnel.Name, sample)

		if sample.Up {
			m.reassert(ctx)
			m.mu.Lock()
			m.phase = PhaseHealthy
			m.consecutiveFails = 0
			m.recoveryAttempts = 0
			m.backoff = m.wd.BackoffBase
			m.mu.Unlock()
			m.log.Info("recovery succeeded")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// restartServices restarts the tunnel units in dependency order: transport
// first, then the forwarders that ride on it.
func (m *monitor) restartServices(ctx context.Context) {
	units := make([]string, 0, 1+len(m.tunnel.ForwardUnits))
	if m.tunnel.Unit != "" {
		units = append(units, m.tunnel.Unit)
	}
	units = append(units, m.tunnel.ForwardUnits...)

	for _, unit := range units {
		if err := m.svc.Restart(ctx, unit); err != nil {
			m.log.WithField("unit", unit).WithError(err).Error("service restart failed")
		}
	}
}

// reassert re-establishes obfuscation state after a successful recovery: the
// restart recreated the interface without shaping rules, and pooled
// connections point at the dead transport.
func (m *monitor) reassert(ctx context.Context) {
	if m.reassertShaping != nil {
		m.reassertShaping(ctx)
	}
	if m.pool != nil {
		m.pool.Rebuild()
	}
}

func (m *monitor) fail() {
	m.setPhase(PhaseFailed)
	m.log.Error("recovery attempts exhausted, manual intervention required")
	m.alerts.Raise(model.AlertEvent{
		ID:        uuid.NewString(),
		Tunnel:    m.tunnel.Name,
		Condition: model.ConditionRecoveryExhausted,
		Severity:  model.SeverityCritical,
		Timestamp: time.Now().UTC(),
		Message:   "recovery exhausted",
		Observed:  float64(m.wd.MaxRecoveryAttempts),
		Threshold: float64(m.wd.MaxRecoveryAttempts),
	})
}

// reset re-arms a failed tunnel. Operator action only.
func (m *monitor) reset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseFailed {
		return false
	}
	m.phase = PhaseHealthy
	m.consecutiveFails = 0
	m.recoveryAttempts = 0
	m.backoff = m.wd.BackoffBase
	return true
}

func (m *monitor) growBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff *= 2
	if m.backoff > m.wd.BackoffCap {
		m.backoff = m.wd.BackoffCap
	}
}

func (m *monitor) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *monitor) setFails(n int) {
	m.mu.Lock()
	m.consecutiveFails = n
	m.mu.Unlock()
}

func (m *monitor) addFail() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFails++
	return m.consecutiveFails
}

func (m *monitor) snapshot() store.TunnelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := store.TunnelStatus{
		Name:             m.tunnel.Name,
		Interface:        m.tunnel.Interface,
		Phase:            string(m.phase),
		ConsecutiveFails: m.consecutiveFails,
		RecoveryAttempts: m.recoveryAttempts,
		Backoff:          m.backoff,
	}
	if sample, ok := m.metrics.Latest(m.tunnel.Name); ok {
		st.LastSample = &sample
	}
	st.Aggregates = m.metrics.Aggregate(m.tunnel.Name)
	if m.pool != nil {
		st.Pool = m.pool.Stats()
	}
	return st
}

func (m *monitor) currentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunwatch/internal/alerts"
	"tunwatch/internal/config"
	"tunwatch/internal/logx"
	"tunwatch/internal/metrics"
	"tunwatch/internal/model"
	"tunwatch/internal/pool"
	"tunwatch/internal/shaping"
	"tunwatch/internal/store"
	"tunwatch/internal/svcctl"
)

// opTimeout bounds individual shaping and persistence operations so a wedged
// tc or iptables cannot stall a monitor loop forever.
const opTimeout = 30 * time.Second

// Sampler collects one measurement for a tunnel.
type Sampler interface {
	Sample(ctx context.Context, tunnel model.Tunnel) model.Sample
}

// Shaper manages obfuscation rules on tunnel interfaces.
type Shaper interface {
	Apply(ctx context.Context, profile shaping.Profile) error
	Reapply(ctx context.Context, profile shaping.Profile) error
	Clear(ctx context.Context, iface string) error
	AppliedInterfaces() []string
}

// Deps are the injectable collaborators. Nil fields are an error; New is
// explicit on purpose so tests wire fakes for every external effect.
type Deps struct {
	Sampler Sampler
	Service svcctl.Manager
	Shaper  Shaper
	Metrics *metrics.Store
	Alerts  *alerts.Manager
}

// Watchdog runs one monitor loop per tunnel and owns the shared shaping,
// pooling, and persistence state around them.
type Watchdog struct {
	cfg      config.Config
	deps     Deps
	monitors map[string]*monitor
	order    []string // tunnel names in config order, for stable snapshots

	saveMu sync.Mutex // serializes status snapshot writes
}

// New builds a watchdog from a validated config. Every tunnel gets its own
// connection pool dialing its remote.
func New(cfg config.Config, deps Deps) (*Watchdog, error) {
	if deps.Sampler == nil || deps.Service == nil || deps.Shaper == nil ||
		deps.Metrics == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("watchdog requires all dependencies")
	}

	w := &Watchdog{
		cfg:      cfg,
		deps:     deps,
		monitors: make(map[string]*monitor),
	}

	for _, tc := range cfg.Tunnels {
		tunnel := model.Tunnel{
			Name:           tc.Name,
			Interface:      tc.Interface,
			Remote:         tc.Remote,
			ProbePort:      tc.ProbePort,
			Unit:           tc.Unit,
			ForwardUnits:   append([]string(nil), tc.ForwardUnits...),
			ForwardedPorts: append([]int(nil), tc.ForwardedPorts...),
			Shaping:        tc.Shaping,
		}
		m := &monitor{
			tunnel:  tunnel,
			wd:      cfg.Watchdog,
			th:      cfg.Thresholds,
			sampler: deps.Sampler,
			metrics: deps.Metrics,
			alerts:  deps.Alerts,
			svc:     deps.Service,
			pool: pool.New(pool.Config{
				Size:             cfg.Pool.Size,
				ReuseRatio:       cfg.Pool.ReuseRatio,
				DialTimeout:      cfg.Pool.DialTimeout,
				MaxAcquireJitter: cfg.Pool.MaxAcquireJitter,
				Remote:           tunnel.Remote,
			}, nil),
			sleep:   sleepCtx,
			log:     logx.With(logrus.Fields{"tunnel": tunnel.Name}),
			phase:   PhaseHealthy,
			backoff: cfg.Watchdog.BackoffBase,
		}
		if tunnel.Shaping {
			profile := w.profileFor(tunnel)
			m.reassertShaping = func(ctx context.Context) {
				opCtx, cancel := context.WithTimeout(ctx, opTimeout)
				defer cancel()
				if err := deps.Shaper.Reapply(opCtx, profile); err != nil {
					m.log.WithError(err).Error("shaping reapply failed")
				}
			}
		}
		w.monitors[tunnel.Name] = m
		w.order = append(w.order, tunnel.Name)
	}
	return w, nil
}

// Run applies initial shaping, starts one loop per tunnel, and blocks until
// the context is canceled. On shutdown it clears shaping rules, closes pools,
// and writes a final status snapshot.
func (w *Watchdog) Run(ctx context.Context) error {
	w.applyInitialShaping(ctx)

	var wg sync.WaitGroup
	for _, name := range w.order {
		m := w.monitors[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, m)
		}()
	}

	<-ctx.Done()
	logx.L().Info("shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(w.cfg.Watchdog.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logx.L().Warn("shutdown grace expired with monitors still running")
	}

	w.teardown()
	return nil
}

func (w *Watchdog) loop(ctx context.Context, m *monitor) {
	ticker := time.NewTicker(w.cfg.Watchdog.PollInterval)
	defer ticker.Stop()

	// Immediate first cycle so a freshly started watchdog has status within
	// one probe timeout rather than one poll interval.
	m.tick(ctx)
	w.persist()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
			w.persist()
		}
	}
}

// applyInitialShaping installs obfuscation profiles before monitoring starts.
// A missing interface is logged and skipped; the monitor loop reasserts the
// profile once recovery brings the interface back.
func (w *Watchdog) applyInitialShaping(ctx context.Context) {
	for _, name := range w.order {
		m := w.monitors[name]
		if !m.tunnel.Shaping {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := w.deps.Shaper.Apply(opCtx, w.profileFor(m.tunnel))
		cancel()
		if err != nil {
			m.log.WithError(err).Warn("initial shaping apply failed")
		}
	}
}

// teardown runs outside the canceled run context; obfuscation rules must not
// outlive the watchdog even on SIGTERM.
func (w *Watchdog) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Watchdog.ShutdownGrace)
	defer cancel()

	for _, iface := range w.deps.Shaper.AppliedInterfaces() {
		if err := w.deps.Shaper.Clear(ctx, iface); err != nil {
			logx.With(logrus.Fields{"iface": iface}).WithError(err).Error("shaping clear failed")
		}
	}
	for _, name := range w.order {
		w.monitors[name].pool.Close()
	}
	w.persist()
}

// persist writes the status snapshot and exported alert log. Failures are
// logged, never fatal: stale telemetry beats a dead watchdog.
func (w *Watchdog) persist() {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	if w.cfg.StatusPath != "" {
		status := &store.Status{Tunnels: w.Snapshot()}
		if err := store.SaveStatus(w.cfg.StatusPath, status); err != nil {
			logx.L().WithError(err).Error("status snapshot write failed")
		}
	}
	if w.cfg.Alerts.ExportPath != "" {
		if err := w.deps.Alerts.ExportJSON(w.cfg.Alerts.ExportPath); err != nil {
			logx.L().WithError(err).Error("alert export failed")
		}
	}
	w.deps.Alerts.Prune(w.cfg.Alerts.Retention)
}

// Snapshot returns the current per-tunnel status in config order.
func (w *Watchdog) Snapshot() []store.TunnelStatus {
	out := make([]store.TunnelStatus, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.monitors[name].snapshot())
	}
	return out
}

// Reset re-arms a failed tunnel so monitoring resumes. Returns an error when
// the tunnel is unknown or not in the failed phase.
func (w *Watchdog) Reset(name string) error {
	m, ok := w.monitors[name]
	if !ok {
		return fmt.Errorf("unknown tunnel %q", name)
	}
	if !m.reset() {
		return fmt.Errorf("tunnel %q is %s, not failed", name, m.currentPhase())
	}
	m.log.Info("tunnel reset by operator")
	return nil
}

// ResetAll re-arms every failed tunnel and returns the names it reset.
// Wired to SIGHUP.
func (w *Watchdog) ResetAll() []string {
	var reset []string
	for _, name := range w.order {
		if w.monitors[name].reset() {
			reset = append(reset, name)
		}
	}
	sort.Strings(reset)
	if len(reset) > 0 {
		logx.With(logrus.Fields{"tunnels": reset}).Info("failed tunnels reset")
	}
	return reset
}

func (w *Watchdog) profileFor(tunnel model.Tunnel) shaping.Profile {
	return shaping.Profile{
		Interface:          tunnel.Interface,
		JitterMeanMS:       w.cfg.Shaping.JitterMeanMS,
		JitterRangeMS:      w.cfg.Shaping.JitterRangeMS,
		PacketSizeVariance: w.cfg.Shaping.PacketSizeVariance,
		TTLRandomize:       w.cfg.Shaping.TTLRandomize,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

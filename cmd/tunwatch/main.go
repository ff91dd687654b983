package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunwatch/internal/alerts"
	"tunwatch/internal/config"
	"tunwatch/internal/execx"
	"tunwatch/internal/logx"
	"tunwatch/internal/metrics"
	"tunwatch/internal/model"
	"tunwatch/internal/sampler"
	"tunwatch/internal/shaping"
	"tunwatch/internal/store"
	"tunwatch/internal/svcctl"
	"tunwatch/internal/telemetry"
	"tunwatch/internal/watchdog"
)

const usage = `tunwatch - tunnel health watchdog with traffic obfuscation

Usage:
  tunwatch init --config <path> [--force]
  tunwatch run --config <path>
  tunwatch status --config <path>
  tunwatch alerts --config <path> [--hours 24] [--severity CRITICAL]
  tunwatch check --config <path> [--tunnel <name>]
  tunwatch shape apply --config <path> [--tunnel <name>]
  tunwatch shape clear --config <path> [--tunnel <name>]
  tunwatch respond [--listen :7201]

Signals (run):
  SIGINT/SIGTERM  graceful shutdown, shaping rules cleared
  SIGHUP          reset tunnels stuck in the failed phase
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "alerts":
		handleAlerts(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "shape":
		handleShape(os.Args[2:])
	case "respond":
		handleRespond(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// handleInit writes a starter config with every default filled in and one
// example tunnel to edit.
func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if !*force {
		if _, err := os.Stat(*configPath); err == nil {
			fatal(fmt.Errorf("%s already exists (use --force to overwrite)", *configPath))
		}
	}

	cfg := config.Config{
		Alerts: config.AlertsConfig{
			ExportPath: "/var/lib/tunwatch/alerts.json",
			LogPath:    "/var/log/tunwatch/alerts.log",
		},
		StatusPath:  "/var/lib/tunwatch/status.yaml",
		STUNServers: []string{"stun.l.google.com:19302"},
		Tunnels: []config.TunnelConfig{{
			Name:      "alpha",
			Interface: "l2tpeth0",
			Remote:    "203.0.113.7:7001",
			ProbePort: 7099,
			Unit:      "tunwatch-tunnel@alpha.service",
			Shaping:   true,
		}},
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if err := logx.Init(cfg.Logging); err != nil {
		fatal(err)
	}

	runner := execx.NewOSRunner(nil, nil)
	deps := watchdog.Deps{
		Sampler: sampler.New(cfg.Watchdog.ProbeTimeout, cfg.STUNServers),
		Service: svcctl.NewSystemd(runner, 0),
		Shaper:  shaping.NewController(runner),
		Metrics: metrics.NewStore(cfg.Watchdog.MetricsWindow),
		Alerts:  alerts.NewManager(cfg.Alerts.SuppressionWindow),
	}
	if cfg.Alerts.LogPath != "" {
		if err := deps.Alerts.MirrorToFile(cfg.Alerts.LogPath); err != nil {
			fatal(err)
		}
	}
	wd, err := watchdog.New(cfg, deps)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	watchHUP(wd)

	if cfg.Telemetry.Listen != "" {
		srv := telemetry.NewServer(cfg.Telemetry.Listen, wd, deps.Alerts)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logx.L().WithError(err).Error("telemetry server exited")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Watchdog.ShutdownGrace)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := wd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if cfg.StatusPath == "" {
		fatal(errors.New("status_path is not configured"))
	}

	status, err := store.LoadStatus(cfg.StatusPath)
	if err != nil {
		fatal(err)
	}
	if len(status.Tunnels) == 0 {
		fmt.Fprintln(os.Stdout, "no status recorded (is the watchdog running?)")
		return
	}

	fmt.Fprintf(os.Stdout, "updated %s\n", status.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "%-12s  %-10s  %-10s  %-6s  %-8s  %-10s  %-10s  %-8s\n",
		"TUNNEL", "IFACE", "PHASE", "FAILS", "ATTEMPTS", "LATENCY", "THROUGHPUT", "LOSS")
	for _, t := range status.Tunnels {
		latency, throughput, loss := "-", "-", "-"
		if t.LastSample != nil {
			if t.LastSample.HasLatency {
				latency = fmt.Sprintf("%.1fms", t.LastSample.LatencyMS)
			}
			throughput = fmt.Sprintf("%.2fMbps", t.LastSample.ThroughputMbps)
			loss = fmt.Sprintf("%.1f%%", t.LastSample.PacketLossPct)
		}
		fmt.Fprintf(os.Stdout, "%-12s  %-10s  %-10s  %-6d  %-8d  %-10s  %-10s  %-8s\n",
			t.Name, t.Interface, t.Phase, t.ConsecutiveFails, t.RecoveryAttempts,
			latency, throughput, loss)
	}
}

func handleAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	hours := fs.Int("hours", 24, "look-back window in hours")
	severity := fs.String("severity", "", "filter: INFO|WARNING|CRITICAL")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	if cfg.Alerts.ExportPath == "" {
		fatal(errors.New("alerts.export_path is not configured"))
	}

	events, err := alerts.LoadJSON(cfg.Alerts.ExportPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(*hours) * time.Hour)
	sev := model.Severity(*severity)
	shown := 0
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if sev != "" && e.Severity != sev {
			continue
		}
		fmt.Fprintf(os.Stdout, "%s  %-8s  %-12s  %-20s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.Severity, e.Tunnel, e.Condition, e.Message)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(os.Stdout, "no alerts in window")
	}
}

// handleCheck runs a single sampling pass and prints the verdicts without
// touching services or shaping rules.
func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tunnelName := fs.String("tunnel", "", "check a single tunnel")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	s := sampler.New(cfg.Watchdog.ProbeTimeout, cfg.STUNServers)
	ctx := context.Background()

	checked := 0
	for _, tc := range selectTunnels(cfg, *tunnelName) {
		tunnel := model.Tunnel{
			Name: tc.Name, Interface: tc.Interface, Remote: tc.Remote, ProbePort: tc.ProbePort,
		}
		sample := s.Sample(ctx, tunnel)
		events := alerts.Evaluate(sample, cfg.Thresholds)

		verdict := "healthy"
		if len(events) > 0 {
			verdict = "degraded"
		}
		latency := "-"
		if sample.HasLatency {
			latency = fmt.Sprintf("%.1fms", sample.LatencyMS)
		}
		fmt.Fprintf(os.Stdout, "%s: up=%t latency=%s throughput=%.2fMbps loss=%.1f%% verdict=%s\n",
			tunnel.Name, sample.Up, latency, sample.ThroughputMbps, sample.PacketLossPct, verdict)
		for _, e := range events {
			fmt.Fprintf(os.Stdout, "  %s %s: %s\n", e.Severity, e.Condition, e.Message)
		}
		checked++
	}
	if checked == 0 {
		fatal(fmt.Errorf("no tunnel matched %q", *tunnelName))
	}
}

func handleShape(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "shape subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "apply":
		shapeApply(args[1:])
	case "clear":
		shapeClear(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown shape subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func shapeApply(args []string) {
	fs := flag.NewFlagSet("shape apply", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tunnelName := fs.String("tunnel", "", "apply to a single tunnel")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	ctrl := shaping.NewController(execx.NewOSRunner(nil, nil))
	ctx := context.Background()

	applied := 0
	for _, tc := range selectTunnels(cfg, *tunnelName) {
		if !tc.Shaping && *tunnelName == "" {
			continue
		}
		profile := shaping.Profile{
			Interface:          tc.Interface,
			JitterMeanMS:       cfg.Shaping.JitterMeanMS,
			JitterRangeMS:      cfg.Shaping.JitterRangeMS,
			PacketSizeVariance: cfg.Shaping.PacketSizeVariance,
			TTLRandomize:       cfg.Shaping.TTLRandomize,
		}
		if err := ctrl.Apply(ctx, profile); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "shaping applied on %s\n", tc.Interface)
		applied++
	}
	if applied == 0 {
		fatal(fmt.Errorf("no shaping-enabled tunnel matched %q", *tunnelName))
	}
}

func shapeClear(args []string) {
	fs := flag.NewFlagSet("shape clear", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tunnelName := fs.String("tunnel", "", "clear a single tunnel")
	_ = fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	ctrl := shaping.NewController(execx.NewOSRunner(nil, nil))
	ctx := context.Background()

	cleared := 0
	for _, tc := range selectTunnels(cfg, *tunnelName) {
		if err := ctrl.Clear(ctx, tc.Interface); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "shaping cleared on %s\n", tc.Interface)
		cleared++
	}
	if cleared == 0 {
		fatal(fmt.Errorf("no tunnel matched %q", *tunnelName))
	}
}

// handleRespond runs the UDP echo responder, the peer-side counterpart of the
// health probe.
func handleRespond(args []string) {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	listen := fs.String("listen", ":7201", "local UDP listen address")
	_ = fs.Parse(args)

	resp, err := sampler.StartResponder(*listen)
	if err != nil {
		fatal(err)
	}
	defer resp.Close()

	fmt.Fprintf(os.Stdout, "echo responder listening on %s\n", resp.LocalAddr())
	waitForSignal()
}

func mustLoadConfig(path string) config.Config {
	if path == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func selectTunnels(cfg config.Config, name string) []config.TunnelConfig {
	if name == "" {
		return cfg.Tunnels
	}
	for _, tc := range cfg.Tunnels {
		if tc.Name == name {
			return []config.TunnelConfig{tc}
		}
	}
	return nil
}

func watchHUP(wd *watchdog.Watchdog) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)
	go func() {
		for range signals {
			wd.ResetAll()
		}
	}()
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"tunwatch/internal/sampler"
)

// Builds the binary and runs a one-shot check against a local echo responder
// over loopback. Gated behind -tags=integration and TUNWATCH_INTEGRATION=1.
func TestCheck_LoopbackEcho(t *testing.T) {
	if os.Getenv("TUNWATCH_INTEGRATION") != "1" {
		t.Skip("set TUNWATCH_INTEGRATION=1 to run")
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "tunwatch")
	run(t, "../..", "go", "build", "-o", bin, "./cmd/tunwatch")

	resp, err := sampler.StartResponder("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartResponder: %v", err)
	}
	defer resp.Close()

	cfgPath := filepath.Join(tmp, "config.yaml")
	cfg := fmt.Sprintf(`watchdog:
  poll_interval: 5s
  probe_timeout: 2s
thresholds:
  consecutive_failures: 3
alerts:
  suppression_window: 5m
tunnels:
  - name: loop
    interface: lo
    remote: %s
`, resp.LocalAddr())
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out := run(t, tmp, bin, "check", "--config", cfgPath)
	if !strings.Contains(out, "up=true") {
		t.Fatalf("expected healthy probe, got:\n%s", out)
	}
}

func run(t *testing.T, dir, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("%s %s: %v\n%s", name, strings.Join(args, " "), err, buf.String())
	}
	return buf.String()
}

package svcctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tunwatch/internal/execx"
)

// ErrServiceControl marks a failed unit operation. Counted toward recovery
// attempt exhaustion by the watchdog.
var ErrServiceControl = errors.New("service control failed")

// Status of a managed unit.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Manager is the service-control interface the watchdog drives during
// recovery. Units are named per tunnel role (transport, forwarders).
type Manager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	// Restart is synchronous: it returns success only once the unit reports
	// running, or an error when the bounded timeout elapses first.
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (Status, error)
}

// Systemd drives units through systemctl.
type Systemd struct {
	r            execx.Runner
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewSystemd creates a systemd manager. waitTimeout bounds how long Restart
// waits for the unit to come back up.
func NewSystemd(r execx.Runner, waitTimeout time.Duration) *Systemd {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	return &Systemd{r: r, waitTimeout: waitTimeout, pollInterval: time.Second}
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	if err := s.r.Run(ctx, "systemctl", "start", unit); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrServiceControl, unit, err)
	}
	return nil
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	if err := s.r.Run(ctx, "systemctl", "stop", unit); err != nil {
		return fmt.Errorf("%w: stop %s: %v", ErrServiceControl, unit, err)
	}
	return nil
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	if err := s.r.Run(ctx, "systemctl", "restart", unit); err != nil {
		return fmt.Errorf("%w: restart %s: %v", ErrServiceControl, unit, err)
	}

	for {
		status, err := s.Status(ctx, unit)
		if err == nil && status == StatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: restart %s: unit not running after %s", ErrServiceControl, unit, s.waitTimeout)
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Systemd) Status(ctx context.Context, unit string) (Status, error) {
	out, err := s.r.Output(ctx, "systemctl", "is-active", unit)
	// systemctl exits non-zero for any state but "active"; the state name is
	// still printed, so parse it from either channel.
	if err != nil {
		out = err.Error()
	}
	switch strings.TrimSpace(out) {
	case "active", "activating", "reloading":
		return StatusRunning, nil
	case "failed":
		return StatusFailed, nil
	case "inactive", "deactivating":
		return StatusStopped, nil
	}
	if err != nil {
		return StatusStopped, fmt.Errorf("%w: status %s: %v", ErrServiceControl, unit, err)
	}
	return StatusStopped, nil
}

var _ Manager = (*Systemd)(nil)

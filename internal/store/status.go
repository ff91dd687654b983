package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tunwatch/internal/metrics"
	"tunwatch/internal/model"
	"tunwatch/internal/pool"
)

// Status is the persisted watchdog snapshot, written after every monitoring
// cycle and read back by the status CLI command.
type Status struct {
	UpdatedAt time.Time      `yaml:"updated_at"`
	Tunnels   []TunnelStatus `yaml:"tunnels"`
}

// TunnelStatus is one tunnel's snapshot.
type TunnelStatus struct {
	Name             string             `yaml:"name"`
	Interface        string             `yaml:"interface"`
	Phase            string             `yaml:"phase"`
	ConsecutiveFails int                `yaml:"consecutive_fails"`
	RecoveryAttempts int                `yaml:"recovery_attempts"`
	Backoff          time.Duration      `yaml:"backoff"`
	LastSample       *model.Sample      `yaml:"last_sample,omitempty"`
	Aggregates       metrics.Aggregates `yaml:"aggregates"`
	Pool             pool.Stats         `yaml:"pool"`
}

// SaveStatus writes the snapshot atomically so a concurrent status command
// never reads a half-written file.
func SaveStatus(path string, status *Status) error {
	if status == nil {
		return nil
	}
	status.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o644)
}

// LoadStatus reads the snapshot. A missing file yields an empty status.
func LoadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Status{}, nil
		}
		return nil, err
	}
	var status Status
	if err := yaml.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

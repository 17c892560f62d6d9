package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/backlog-orch/internal/config"
)

// WindowConfig is one scheduled run window
type WindowConfig struct {
	Name             string          `toml:"name"`
	Cron             string          `toml:"cron"`
	Concurrency      int             `toml:"concurrency"`  // 0 keeps general.max_parallel_tasks
	MaxDuration      config.Duration `toml:"max_duration"` // the run is canceled when it elapses
	NotifyOnComplete bool            `toml:"notify_on_complete"`
}

// ScheduleConfig holds all windows of a schedule file
type ScheduleConfig struct {
	Windows []WindowConfig `toml:"window"`
}

// Validate checks a window and fills in defaults
func (c *WindowConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("window name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = config.Duration(4 * time.Hour)
	}
	return nil
}

// LoadScheduleConfig loads windows from a TOML file. A missing file is an
// empty schedule.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range cfg.Windows {
		if err := cfg.Windows[i].Validate(); err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		if seen[cfg.Windows[i].Name] {
			return nil, fmt.Errorf("window %q defined twice", cfg.Windows[i].Name)
		}
		seen[cfg.Windows[i].Name] = true
	}

	return &cfg, nil
}

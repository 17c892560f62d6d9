package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/backlog-orch/internal/contextguard"
	"github.com/hochfrequenz/backlog-orch/internal/health"
	"github.com/hochfrequenz/backlog-orch/internal/retry"
	"github.com/hochfrequenz/backlog-orch/internal/toolchain"
)

// Duration is a time.Duration written as a string such as "30m" in TOML
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Context       ContextConfig       `toml:"context"`
	Drift         DriftConfig         `toml:"drift"`
	Rebase        RebaseConfig        `toml:"rebase"`
	Retry         RetryConfig         `toml:"retry"`
	Gate          GateConfig          `toml:"gate"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot      string   `toml:"project_root"`
	Manifest         string   `toml:"manifest"`
	WorktreeDir      string   `toml:"worktree_dir"`
	StateDir         string   `toml:"state_dir"`
	DatabasePath     string   `toml:"database_path"`
	MaxParallelTasks int      `toml:"max_parallel_tasks"`
	TaskTimeout      Duration `toml:"task_timeout"`
	MaxAttempts      int      `toml:"max_attempts"`
	ScheduleFile     string   `toml:"schedule_file"`
}

// AgentConfig holds the execution collaborator settings
type AgentConfig struct {
	Command          string   `toml:"command"`
	Model            string   `toml:"model"`
	ExtraArgs        []string `toml:"extra_args"`
	PlanningSessions int      `toml:"planning_sessions"`
	PlanningTimeout  Duration `toml:"planning_timeout"`
	PlannerMaxBytes  int      `toml:"planner_max_bytes"`
	PromptDirs       []string `toml:"prompt_dirs"`
}

// ContextConfig holds the payload limits
type ContextConfig struct {
	MaxBytes            int      `toml:"max_bytes"`
	MaxConstraints      int      `toml:"max_constraints"`
	MaxPitfalls         int      `toml:"max_pitfalls"`
	MaxStatementChars   int      `toml:"max_statement_chars"`
	MaxSnippetLines     int      `toml:"max_snippet_lines"`
	ForbiddenVocabulary []string `toml:"forbidden_vocabulary"`
	TaskIDPattern       string   `toml:"task_id_pattern"`
}

// DriftConfig holds drift detection settings
type DriftConfig struct {
	GrowthRatio  float64  `toml:"growth_ratio"`
	Debounce     Duration `toml:"debounce"`
	AbortOnDrift bool     `toml:"abort_on_drift"`
}

// RebaseConfig holds recovery settings
type RebaseConfig struct {
	Threshold int `toml:"threshold"`
}

// RetryConfig holds the backoff for transient collaborator errors
type RetryConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// GateConfig lists the verification gate checks
type GateConfig struct {
	Checks []CheckConfig `toml:"check"`
}

// CheckConfig is one gate command and the probe proving its tool works
type CheckConfig struct {
	Name    string       `toml:"name"`
	Command string       `toml:"command"`
	Timeout Duration     `toml:"timeout"`
	Probe   *ProbeConfig `toml:"probe,omitempty"`
}

// ProbeConfig is a known-good input for a check
type ProbeConfig struct {
	Command      string            `toml:"command"`
	Files        map[string]string `toml:"files,omitempty"`
	ExpectExit   int               `toml:"expect_exit"`
	ExpectOutput string            `toml:"expect_output"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
	File   string `toml:"file"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	state := filepath.Join(home, ".backlog-orch")
	return &Config{
		General: GeneralConfig{
			ProjectRoot:      "",
			Manifest:         "backlog.yaml",
			WorktreeDir:      filepath.Join(state, "worktrees"),
			StateDir:         state,
			DatabasePath:     filepath.Join(state, "audit.db"),
			MaxParallelTasks: 3,
			TaskTimeout:      Duration(30 * time.Minute),
			MaxAttempts:      5,
			ScheduleFile:     filepath.Join(home, ".config", "backlog-orch", "schedule.toml"),
		},
		Agent: AgentConfig{
			Command:          "claude",
			PlanningSessions: 3,
			PlanningTimeout:  Duration(10 * time.Minute),
			PlannerMaxBytes:  3000,
		},
		Context: ContextConfig{
			MaxBytes:          3000,
			MaxConstraints:    5,
			MaxPitfalls:       3,
			MaxStatementChars: 100,
			MaxSnippetLines:   20,
		},
		Drift: DriftConfig{
			GrowthRatio: 0.5,
			Debounce:    Duration(500 * time.Millisecond),
		},
		Rebase: RebaseConfig{
			Threshold: 2,
		},
		Retry: RetryConfig{
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(30 * time.Second),
			MaxAttempts: 3,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.Manifest = ExpandPath(cfg.General.Manifest)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ScheduleFile = ExpandPath(cfg.General.ScheduleFile)
	cfg.Log.File = ExpandPath(cfg.Log.File)
	for i, dir := range cfg.Agent.PromptDirs {
		cfg.Agent.PromptDirs[i] = ExpandPath(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values a run cannot start without
func (c *Config) Validate() error {
	if c.General.MaxParallelTasks < 1 {
		return fmt.Errorf("general.max_parallel_tasks must be at least 1, got %d", c.General.MaxParallelTasks)
	}
	if c.General.MaxAttempts < 1 {
		return fmt.Errorf("general.max_attempts must be at least 1, got %d", c.General.MaxAttempts)
	}
	if c.Rebase.Threshold < 1 {
		return fmt.Errorf("rebase.threshold must be at least 1, got %d", c.Rebase.Threshold)
	}
	if c.Drift.GrowthRatio <= 0 {
		return fmt.Errorf("drift.growth_ratio must be positive, got %v", c.Drift.GrowthRatio)
	}
	if c.Context.TaskIDPattern != "" {
		if _, err := regexp.Compile(c.Context.TaskIDPattern); err != nil {
			return fmt.Errorf("context.task_id_pattern: %w", err)
		}
	}
	seen := make(map[string]bool)
	for i, ch := range c.Gate.Checks {
		if ch.Name == "" || ch.Command == "" {
			return fmt.Errorf("gate.check #%d needs a name and a command", i+1)
		}
		if seen[ch.Name] {
			return fmt.Errorf("gate.check %q is defined twice", ch.Name)
		}
		seen[ch.Name] = true
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// ContextRules returns the payload limits. Vocabulary left empty keeps the
// built-in list.
func (c *Config) ContextRules() contextguard.Rules {
	rules := contextguard.DefaultRules()
	cc := c.Context
	if cc.MaxBytes > 0 {
		rules.MaxBytes = cc.MaxBytes
	}
	if cc.MaxConstraints > 0 {
		rules.MaxConstraints = cc.MaxConstraints
	}
	if cc.MaxPitfalls > 0 {
		rules.MaxPitfalls = cc.MaxPitfalls
	}
	if cc.MaxStatementChars > 0 {
		rules.MaxStatementChars = cc.MaxStatementChars
	}
	if cc.MaxSnippetLines > 0 {
		rules.MaxSnippetLines = cc.MaxSnippetLines
	}
	if len(cc.ForbiddenVocabulary) > 0 {
		rules.ForbiddenVocabulary = cc.ForbiddenVocabulary
	}
	if cc.TaskIDPattern != "" {
		rules.TaskIDPattern = regexp.MustCompile(cc.TaskIDPattern)
	}
	return rules
}

// RetryPolicy returns the backoff for transient collaborator errors
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.Retry.BaseDelay.Std(),
		MaxDelay:    c.Retry.MaxDelay.Std(),
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// GateChecks returns the verification gate commands
func (c *Config) GateChecks() []toolchain.Check {
	checks := make([]toolchain.Check, 0, len(c.Gate.Checks))
	for _, ch := range c.Gate.Checks {
		checks = append(checks, toolchain.Check{Name: ch.Name, Command: ch.Command, Timeout: ch.Timeout.Std()})
	}
	return checks
}

// Probes returns a health probe per gate check. A check without an explicit
// probe is probed by running its own command.
func (c *Config) Probes() []health.Probe {
	probes := make([]health.Probe, 0, len(c.Gate.Checks))
	for _, ch := range c.Gate.Checks {
		p := health.Probe{Name: ch.Name, Command: ch.Command, Timeout: ch.Timeout.Std()}
		if ch.Probe != nil {
			if ch.Probe.Command != "" {
				p.Command = ch.Probe.Command
			}
			p.Files = ch.Probe.Files
			p.ExpectExit = ch.Probe.ExpectExit
			p.ExpectOutput = ch.Probe.ExpectOutput
		}
		probes = append(probes, p)
	}
	return probes
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "backlog-orch", "config.toml")
}

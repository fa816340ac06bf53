package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finchworks/aviary/internal/otel"
	"github.com/finchworks/aviary/internal/shared"
)

// EngineConfig selects and parameterizes the external reasoning engine.
type EngineConfig struct {
	// Command is the engine binary; resolved through PATH when not absolute.
	Command string `yaml:"command"`
	// Args are extra arguments placed before the generated flags.
	Args []string `yaml:"args"`
	// Model is passed through to the engine when non-empty.
	Model string `yaml:"model"`
	// TimeoutSeconds bounds a single delegation. 0 uses the default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SchedulerConfig tunes the due-task driver.
type SchedulerConfig struct {
	// PollIntervalSeconds is the cadence of the due-task scan.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// Parallelism caps concurrently executing due tasks.
	Parallelism int `yaml:"parallelism"`
}

// PoolConfig tunes handle caching.
type PoolConfig struct {
	// IdleTTLMinutes evicts handles idle longer than this.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
	// SweepIntervalMinutes is the eviction check cadence.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// MemoryConfig tunes the memory collaborator.
type MemoryConfig struct {
	// JournalExcerptTokens budgets the journal excerpt included in prompts.
	JournalExcerptTokens int `yaml:"journal_excerpt_tokens"`
	// IndexerCommand, when set, is invoked to rebuild the semantic index.
	IndexerCommand string `yaml:"indexer_command"`
}

// AgentEntry declares an agent ensured to exist at startup.
type AgentEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Workspace   string `yaml:"workspace"`
	Model       string `yaml:"model"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// Backend selects record storage: "file" or "sqlite".
	Backend string `yaml:"backend"`

	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	Memory    MemoryConfig    `yaml:"memory"`
	OTel      otel.Config     `yaml:"otel"`

	Agents []AgentEntry `yaml:"agents"`

	// Instructions is the shared system-prompt preamble from
	// <home>/instructions.md, prepended to every agent's prompt.
	Instructions string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// InstructionsPath returns the path to the shared instructions file.
func InstructionsPath(homeDir string) string {
	return filepath.Join(homeDir, "instructions.md")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Backend:  "file",
		Engine: EngineConfig{
			Command:        "claude",
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 15,
			Parallelism:         4,
		},
		Pool: PoolConfig{
			IdleTTLMinutes:       30,
			SweepIntervalMinutes: 5,
		},
		Memory: MemoryConfig{
			JournalExcerptTokens: 800,
		},
	}
}

// HomeDir resolves the data root, honoring the AVIARY_HOME override.
func HomeDir() string {
	if override := os.Getenv("AVIARY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aviary")
}

// Load reads config.yaml from the resolved home directory, creating the home
// on first run. Missing config is not an error; NeedsGenesis is set instead.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aviary home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadInstructions(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backend == "" {
		cfg.Backend = "file"
	}
	if strings.TrimSpace(cfg.Engine.Command) == "" {
		cfg.Engine.Command = "claude"
	}
	if cfg.Engine.TimeoutSeconds <= 0 {
		cfg.Engine.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 15
	}
	if cfg.Scheduler.Parallelism <= 0 {
		cfg.Scheduler.Parallelism = 4
	}
	if cfg.Pool.IdleTTLMinutes <= 0 {
		cfg.Pool.IdleTTLMinutes = 30
	}
	if cfg.Pool.SweepIntervalMinutes <= 0 {
		cfg.Pool.SweepIntervalMinutes = 5
	}
	if cfg.Memory.JournalExcerptTokens <= 0 {
		cfg.Memory.JournalExcerptTokens = 800
	}
}

func validate(cfg *Config) error {
	switch cfg.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown backend %q (supported: file, sqlite)", cfg.Backend)
	}
	for _, entry := range cfg.Agents {
		if !shared.ValidAgentName(entry.Name) {
			return fmt.Errorf("invalid agent name %q in agents block", entry.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AVIARY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AVIARY_BACKEND"); raw != "" {
		cfg.Backend = raw
	}
	if raw := os.Getenv("AVIARY_ENGINE_COMMAND"); raw != "" {
		cfg.Engine.Command = raw
	}
	if raw := os.Getenv("AVIARY_ENGINE_MODEL"); raw != "" {
		cfg.Engine.Model = raw
	}
	if raw := os.Getenv("AVIARY_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AVIARY_SCHEDULER_PARALLELISM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.Parallelism = v
		}
	}
	if raw := os.Getenv("AVIARY_IDLE_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pool.IdleTTLMinutes = v
		}
	}
}

func loadInstructions(cfg *Config) {
	if b, err := os.ReadFile(InstructionsPath(cfg.HomeDir)); err == nil {
		cfg.Instructions = string(b)
	}
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a daemon is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "backend=%s|log=%s|engine=%s|poll=%d|par=%d|ttl=%d",
		c.Backend, c.LogLevel, c.Engine.Command,
		c.Scheduler.PollIntervalSeconds, c.Scheduler.Parallelism,
		c.Pool.IdleTTLMinutes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

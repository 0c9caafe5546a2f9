// Package config loads the engine configuration: which workers exist, how
// they run commands, and where results, logs and the ledger live.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker runtimes.
const (
	RuntimeShell  = "shell"
	RuntimeDocker = "docker"
	RuntimeAgent  = "agent"
)

type Config struct {
	Workers        []Worker      `yaml:"workers"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	InfraRetries   *int          `yaml:"infra_retries"`
	LogsDir        string        `yaml:"logs_dir"`
	Store          string        `yaml:"store"`
	Ledger         Ledger        `yaml:"ledger"`
	Server         Server        `yaml:"server"`
	EventQueue     int           `yaml:"event_queue"`
}

type Worker struct {
	ID      string   `yaml:"id"`
	Tags    []string `yaml:"tags"`
	Runtime string   `yaml:"runtime"`
	Address string   `yaml:"address"` // agent base URL
	Workdir string   `yaml:"workdir"`
}

type Ledger struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	KeysDir string `yaml:"keys_dir"`
}

type Server struct {
	Addr string `yaml:"addr"`
	// ProbeSchedule is the cron spec on which offline workers are probed
	// and readmitted.
	ProbeSchedule string `yaml:"probe_schedule"`
}

// HostArch maps GOARCH to the tag CI files usually use for it.
func HostArch() string {
	switch goruntime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	default:
		return goruntime.GOARCH
	}
}

// Default is a single local shell worker able to take jobs tagged with the
// host architecture and docker.
func Default() *Config {
	retries := 1
	return &Config{
		Workers: []Worker{{
			ID:      "local",
			Tags:    []string{HostArch(), "docker"},
			Runtime: RuntimeShell,
		}},
		AcquireTimeout: 10 * time.Minute,
		InfraRetries:   &retries,
		LogsDir:        "./logs",
		Store:          "./blockci.db",
		Ledger: Ledger{
			Enabled: true,
			Path:    "./ledger.jsonl",
			KeysDir: "./keys",
		},
		Server: Server{
			Addr:          ":8080",
			ProbeSchedule: "@every 30s",
		},
		EventQueue: 1024,
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BLOCKCI_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("BLOCKCI_LOGS_DIR"); v != "" {
		c.LogsDir = v
	}
	if v := os.Getenv("BLOCKCI_LEDGER"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
}

func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return errors.New("config: at least one worker is required")
	}
	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("config: worker #%d has no id", i+1)
		}
		if seen[w.ID] {
			return fmt.Errorf("config: worker %q is listed twice", w.ID)
		}
		seen[w.ID] = true
		if len(w.Tags) == 0 {
			return fmt.Errorf("config: worker %q has no tags", w.ID)
		}
		switch w.Runtime {
		case RuntimeShell, RuntimeDocker:
		case RuntimeAgent:
			if w.Address == "" {
				return fmt.Errorf("config: agent worker %q needs an address", w.ID)
			}
		default:
			return fmt.Errorf("config: worker %q has unknown runtime %q", w.ID, w.Runtime)
		}
	}
	if c.AcquireTimeout < 0 {
		return errors.New("config: acquire_timeout must not be negative")
	}
	if c.InfraRetries != nil && *c.InfraRetries < 0 {
		return errors.New("config: infra_retries must not be negative")
	}
	return nil
}

// Retries returns the configured infrastructure retries, 1 when unset.
func (c *Config) Retries() int {
	if c.InfraRetries == nil {
		return 1
	}
	return *c.InfraRetries
}

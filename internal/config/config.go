package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultCommLogCapacity = 10000
	defaultShutdownGrace   = 2 * time.Second
	defaultProbeTimeout    = 5 * time.Second
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// EnginePath, when set, is used verbatim to launch the engine with
	// no PATH fallback.
	EnginePath string
	// EngineArgs are prepended to every engine launch.
	EngineArgs []string
	// WorkingDir is the engine process working directory; empty means
	// inherit the current directory.
	WorkingDir string
	// EngineEnv entries are appended to the engine's inherited
	// environment.
	EngineEnv       map[string]string
	CommLogCapacity int
	ShutdownGrace   time.Duration
	ProbeTimeout    time.Duration
	LogMaxSizeBytes int64
	LogMaxFiles     int
	// TelemetryEndpoint, when set, is where traces are exported; empty
	// leaves the destination to the telemetry package's defaults.
	TelemetryEndpoint string
}

type fileConfig struct {
	Engine        *engineConfig `toml:"engine"`
	ShutdownGrace *string       `toml:"shutdown_grace"`
	ProbeTimeout  *string       `toml:"probe_timeout"`
	LogMaxSizeMB  *int          `toml:"log_max_size_mb"`
	LogMaxFiles   *int          `toml:"log_max_files"`
	OTELEndpoint  *string       `toml:"otel_endpoint"`
}

type engineConfig struct {
	Path            *string           `toml:"path"`
	Args            []string          `toml:"args"`
	WorkingDir      *string           `toml:"working_dir"`
	Env             map[string]string `toml:"env"`
	CommLogCapacity *int              `toml:"comm_log_capacity"`
}

// Load reads config from ~/.flume/config.toml and overlays a project-local
// .flume/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".flume", "config.toml"),
		filepath.Join(workingDir, ".flume", "config.toml"),
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		CommLogCapacity: defaultCommLogCapacity,
		ShutdownGrace:   defaultShutdownGrace,
		ProbeTimeout:    defaultProbeTimeout,
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyEngineOverrides(cfg, decoded.Engine)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if decoded.OTELEndpoint != nil {
		cfg.TelemetryEndpoint = strings.TrimSpace(*decoded.OTELEndpoint)
	}

	return nil
}

func applyEngineOverrides(cfg *Config, engine *engineConfig) {
	if engine == nil {
		return
	}
	if engine.Path != nil {
		cfg.EnginePath = strings.TrimSpace(*engine.Path)
	}
	if engine.Args != nil {
		cfg.EngineArgs = append([]string(nil), engine.Args...)
	}
	if engine.WorkingDir != nil {
		cfg.WorkingDir = strings.TrimSpace(*engine.WorkingDir)
	}
	if engine.Env != nil {
		cfg.EngineEnv = make(map[string]string, len(engine.Env))
		for key, value := range engine.Env {
			cfg.EngineEnv[key] = value
		}
	}
	if engine.CommLogCapacity != nil && *engine.CommLogCapacity > 0 {
		cfg.CommLogCapacity = *engine.CommLogCapacity
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ShutdownGrace != nil {
		parsed, err := parseDuration(*decoded.ShutdownGrace, "shutdown_grace", path)
		if err != nil {
			return err
		}
		cfg.ShutdownGrace = parsed
	}
	if decoded.ProbeTimeout != nil {
		parsed, err := parseDuration(*decoded.ProbeTimeout, "probe_timeout", path)
		if err != nil {
			return err
		}
		cfg.ProbeTimeout = parsed
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be positive", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be positive", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be positive", key, path)
	}
	return parsed, nil
}

// Package config loads kloop settings from an optional TOML file and
// KLOOP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = ".kloop/config.toml"

// Tracker backends.
const (
	BackendCLI  = "cli"
	BackendHTTP = "http"
)

type Config struct {
	Model         string   `toml:"model"`          // KLOOP_MODEL (default "sonnet")
	MaxIterations int      `toml:"max_iterations"` // KLOOP_MAX_ITERATIONS (default 50)
	Pause         Duration `toml:"pause"`          // KLOOP_PAUSE (default 2s)
	ContextFiles  []string `toml:"context_files"`  // KLOOP_CONTEXT_FILES (comma separated, default AGENTS.md)
	NATSURL       string   `toml:"nats_url"`       // KLOOP_NATS_URL (optional, empty = no mirror)
	DatabaseURL   string   `toml:"database_url"`   // KLOOP_DATABASE_URL (optional, empty = no journal)

	Server  ServerConfig  `toml:"server"`
	Tracker TrackerConfig `toml:"tracker"`
	Worker  WorkerConfig  `toml:"worker"`
	Archive ArchiveConfig `toml:"archive"`
}

type ServerConfig struct {
	Enabled   bool   `toml:"enabled"`    // KLOOP_SERVER (default true)
	HTTPAddr  string `toml:"http_addr"`  // KLOOP_HTTP_ADDR (default ":3030")
	GRPCAddr  string `toml:"grpc_addr"`  // KLOOP_GRPC_ADDR (optional, empty = no gRPC health)
	AuthToken string `toml:"auth_token"` // KLOOP_AUTH_TOKEN (optional, empty = auth disabled)
	QueueSize int    `toml:"queue_size"` // KLOOP_QUEUE_SIZE (default 256)
}

type TrackerConfig struct {
	Backend string `toml:"backend"` // KLOOP_BACKEND ("cli" or "http", default "cli")
	Bin     string `toml:"bin"`     // KLOOP_TRACKER_BIN (default "tq")
	URL     string `toml:"url"`     // KLOOP_TRACKER_URL (required for http)
	Token   string `toml:"token"`   // KLOOP_TRACKER_TOKEN
	Actor   string `toml:"actor"`   // KLOOP_TRACKER_ACTOR (default "kloop")
}

type WorkerConfig struct {
	Bin         string   `toml:"bin"`          // KLOOP_WORKER_BIN (default "claude")
	Args        []string `toml:"args"`         // extra arguments, file only
	IdleTimeout Duration `toml:"idle_timeout"` // KLOOP_WORKER_IDLE_TIMEOUT (0 = none)
}

type ArchiveConfig struct {
	Dir        string   `toml:"dir"`         // KLOOP_ARCHIVE_DIR (enables local archive when set)
	S3Bucket   string   `toml:"s3_bucket"`   // KLOOP_ARCHIVE_S3_BUCKET (enables S3 when set)
	S3Prefix   string   `toml:"s3_prefix"`   // KLOOP_ARCHIVE_S3_PREFIX (default "kloop/runs")
	S3Region   string   `toml:"s3_region"`   // KLOOP_ARCHIVE_S3_REGION (default "us-east-1")
	S3Endpoint string   `toml:"s3_endpoint"` // KLOOP_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	Interval   Duration `toml:"interval"`    // KLOOP_ARCHIVE_INTERVAL (0 = only when the run ends)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:         "sonnet",
		MaxIterations: 50,
		Pause:         Duration(2 * time.Second),
		ContextFiles:  []string{"AGENTS.md"},
		Server: ServerConfig{
			Enabled:   true,
			HTTPAddr:  ":3030",
			QueueSize: 256,
		},
		Tracker: TrackerConfig{
			Backend: BackendCLI,
			Bin:     "tq",
			Actor:   "kloop",
		},
		Worker: WorkerConfig{Bin: "claude"},
		Archive: ArchiveConfig{
			S3Prefix: "kloop/runs",
			S3Region: "us-east-1",
		},
	}
}

// Load reads path over the defaults, overlays the environment and
// validates. A missing file is not an error unless required is set.
func Load(path string, required bool) (*Config, error) {
	c := Default()
	if path == "" {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		if !errors.Is(err, os.ErrNotExist) || required {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	c.Model = envOrDefault("KLOOP_MODEL", c.Model)
	c.NATSURL = envOrDefault("KLOOP_NATS_URL", c.NATSURL)
	c.DatabaseURL = envOrDefault("KLOOP_DATABASE_URL", c.DatabaseURL)
	if v := os.Getenv("KLOOP_CONTEXT_FILES"); v != "" {
		c.ContextFiles = splitList(v)
	}

	c.Server.HTTPAddr = envOrDefault("KLOOP_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = envOrDefault("KLOOP_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.AuthToken = envOrDefault("KLOOP_AUTH_TOKEN", c.Server.AuthToken)

	c.Tracker.Backend = envOrDefault("KLOOP_BACKEND", c.Tracker.Backend)
	c.Tracker.Bin = envOrDefault("KLOOP_TRACKER_BIN", c.Tracker.Bin)
	c.Tracker.URL = envOrDefault("KLOOP_TRACKER_URL", c.Tracker.URL)
	c.Tracker.Token = envOrDefault("KLOOP_TRACKER_TOKEN", c.Tracker.Token)
	c.Tracker.Actor = envOrDefault("KLOOP_TRACKER_ACTOR", c.Tracker.Actor)

	c.Worker.Bin = envOrDefault("KLOOP_WORKER_BIN", c.Worker.Bin)

	c.Archive.Dir = envOrDefault("KLOOP_ARCHIVE_DIR", c.Archive.Dir)
	c.Archive.S3Bucket = envOrDefault("KLOOP_ARCHIVE_S3_BUCKET", c.Archive.S3Bucket)
	c.Archive.S3Prefix = envOrDefault("KLOOP_ARCHIVE_S3_PREFIX", c.Archive.S3Prefix)
	c.Archive.S3Region = envOrDefault("KLOOP_ARCHIVE_S3_REGION", c.Archive.S3Region)
	c.Archive.S3Endpoint = envOrDefault("KLOOP_ARCHIVE_S3_ENDPOINT", c.Archive.S3Endpoint)

	var err error
	if c.MaxIterations, err = envInt("KLOOP_MAX_ITERATIONS", c.MaxIterations); err != nil {
		return err
	}
	if c.Server.QueueSize, err = envInt("KLOOP_QUEUE_SIZE", c.Server.QueueSize); err != nil {
		return err
	}
	if c.Pause, err = envDuration("KLOOP_PAUSE", c.Pause); err != nil {
		return err
	}
	if c.Worker.IdleTimeout, err = envDuration("KLOOP_WORKER_IDLE_TIMEOUT", c.Worker.IdleTimeout); err != nil {
		return err
	}
	if c.Archive.Interval, err = envDuration("KLOOP_ARCHIVE_INTERVAL", c.Archive.Interval); err != nil {
		return err
	}
	if v := os.Getenv("KLOOP_SERVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KLOOP_SERVER: %w", err)
		}
		c.Server.Enabled = b
	}
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.Model == "":
		return fmt.Errorf("model is required")
	case c.MaxIterations <= 0:
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	case c.Pause < 0:
		return fmt.Errorf("pause must not be negative")
	case c.Worker.Bin == "":
		return fmt.Errorf("worker.bin is required")
	case c.Worker.IdleTimeout < 0:
		return fmt.Errorf("worker.idle_timeout must not be negative")
	case c.Server.Enabled && c.Server.HTTPAddr == "":
		return fmt.Errorf("server.http_addr is required when the server is enabled")
	case c.Archive.Interval < 0:
		return fmt.Errorf("archive.interval must not be negative")
	case c.Server.QueueSize <= 0:
		return fmt.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	}

	switch c.Tracker.Backend {
	case BackendCLI:
		if c.Tracker.Bin == "" {
			return fmt.Errorf("tracker.bin is required for the cli backend")
		}
	case BackendHTTP:
		if c.Tracker.URL == "" {
			return fmt.Errorf("tracker.url is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown tracker backend %q (want %q or %q)", c.Tracker.Backend, BackendCLI, BackendHTTP)
	}
	return nil
}

// WriteFile encodes c as TOML at path, creating parent directories. An
// existing file is left alone unless overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// D returns the standard library value.
func (d Duration) D() time.Duration { return time.Duration(d) }

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

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback Duration) (Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return Duration(d), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"meshqueue/internal/artifacts"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains local directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	WorkDir  string `toml:"work_dir"`
}

// API contains front door configuration.
type API struct {
	Bind                string   `toml:"bind"`
	Token               string   `toml:"token"`
	MaxUploadMB         int      `toml:"max_upload_mb"`
	SupportedExtensions []string `toml:"supported_extensions"`
	DefaultPipeline     []string `toml:"default_pipeline"`
	AutoConvert         bool     `toml:"auto_convert"`
}

// Store selects the job record store (the result registry).
type Store struct {
	Backend string `toml:"backend"`
	DSN     string `toml:"dsn"`
	Prefix  string `toml:"prefix"`
}

// Broker selects the delivery queue.
type Broker struct {
	Backend           string `toml:"backend"`
	URL               string `toml:"url"`
	Queue             string `toml:"queue"`
	MaxDeliveries     int    `toml:"max_deliveries"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	PollIntervalMS    int    `toml:"poll_interval_ms"`
}

// Artifacts selects the shared artifact store.
type Artifacts struct {
	Backend     string `toml:"backend"`
	Root        string `toml:"root"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3Prefix    string `toml:"s3_prefix"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3UseSSL    bool   `toml:"s3_use_ssl"`
}

// Workers contains worker pool and retry configuration.
type Workers struct {
	Concurrency        int  `toml:"concurrency"`
	MaxAttempts        int  `toml:"max_attempts"`
	RetryBackoffMS     int  `toml:"retry_backoff_ms"`
	HeartbeatInterval  int  `toml:"heartbeat_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	KeepWorkDirs       bool `toml:"keep_work_dirs"`
}

// Warning maps a log fragment onto a job warning.
type Warning struct {
	Match   string `toml:"match"`
	Message string `toml:"message"`
}

// Stage is the TOML form of a stage descriptor. Zero values fall back to the
// built-in defaults for the stage kind.
type Stage struct {
	Command       string    `toml:"command"`
	Args          []string  `toml:"args"`
	OutputName    string    `toml:"output_name"`
	OutputPattern string    `toml:"output_pattern"`
	Prefer        []string  `toml:"prefer"`
	StdoutFile    string    `toml:"stdout_file"`
	Produces      string    `toml:"produces"`
	Timeout       int       `toml:"timeout"`
	SuccessCodes  []int     `toml:"success_codes"`
	Retryable     *bool     `toml:"retryable"`
	Warnings      []Warning `toml:"warnings"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics toggles the Prometheus endpoint on the API listener.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Notifications configures ntfy delivery of job outcomes.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Config encapsulates all configuration values for meshqueue.
//
// Configuration sections by subsystem:
//   - Paths: local state (database, lock, logs) and scratch directories
//   - API: front door listener, upload guards, default pipeline
//   - Store: job record store backend
//   - Broker: delivery queue backend and redelivery budget
//   - Artifacts: shared artifact storage backend
//   - Workers: pool size, stage retry bound and backoff, heartbeats
//   - Stages: external tool invocation per stage kind
//   - Logging: log format and level
//   - Metrics: Prometheus exposition
//   - Notifications: ntfy topic for finished and dead-lettered jobs
type Config struct {
	Paths         Paths            `toml:"paths"`
	API           API              `toml:"api"`
	Store         Store            `toml:"store"`
	Broker        Broker           `toml:"broker"`
	Artifacts     Artifacts        `toml:"artifacts"`
	Workers       Workers          `toml:"workers"`
	Stages        map[string]Stage `toml:"stages"`
	Logging       Logging          `toml:"logging"`
	Metrics       Metrics          `toml:"metrics"`
	Notifications Notifications    `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/meshqueue/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and stage descriptors checked.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("meshqueue.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// LogDir is where daemon log files are written.
func (c *Config) LogDir() string {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.StateDir, "logs")
}

// DatabasePath is the SQLite file shared by the sqlite store and broker.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "meshqueue.db")
}

// LockPath is the single-instance lock guarding the state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "meshqueued.lock")
}

// MaxUploadBytes converts api.max_upload_mb to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.API.MaxUploadMB) * 1024 * 1024
}

// ArtifactOptions maps [artifacts] onto the artifact store options.
func (c *Config) ArtifactOptions() artifacts.Options {
	return artifacts.Options{
		Backend: c.Artifacts.Backend,
		Root:    c.Artifacts.Root,
		S3: artifacts.S3Options{
			Endpoint:  c.Artifacts.S3Endpoint,
			Bucket:    c.Artifacts.S3Bucket,
			Region:    c.Artifacts.S3Region,
			Prefix:    c.Artifacts.S3Prefix,
			AccessKey: c.Artifacts.S3AccessKey,
			SecretKey: c.Artifacts.S3SecretKey,
			UseSSL:    c.Artifacts.S3UseSSL,
		},
	}
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.WorkDir}
	if c.Artifacts.Backend == ArtifactsFS {
		dirs = append(dirs, c.Artifacts.Root)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

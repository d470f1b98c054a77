package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeBackends()
	c.normalizeStages()
	c.normalizeLogging()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Artifacts.Root, err = expandPath(strings.TrimSpace(c.Artifacts.Root)); err != nil {
		return fmt.Errorf("artifacts.root: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if value, ok := os.LookupEnv("MESHQUEUE_API_TOKEN"); ok && strings.TrimSpace(c.API.Token) == "" {
		c.API.Token = value
	}
	c.API.Token = strings.TrimSpace(c.API.Token)

	exts := make([]string, 0, len(c.API.SupportedExtensions))
	for _, ext := range c.API.SupportedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.API.SupportedExtensions = exts

	pipeline := make([]string, 0, len(c.API.DefaultPipeline))
	for _, name := range c.API.DefaultPipeline {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			pipeline = append(pipeline, trimmed)
		}
	}
	c.API.DefaultPipeline = pipeline
}

func (c *Config) normalizeBackends() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Broker.Backend = strings.ToLower(strings.TrimSpace(c.Broker.Backend))
	c.Artifacts.Backend = strings.ToLower(strings.TrimSpace(c.Artifacts.Backend))

	if value, ok := os.LookupEnv("MESHQUEUE_BROKER_URL"); ok && strings.TrimSpace(c.Broker.URL) == "" {
		c.Broker.URL = value
	}
	c.Broker.URL = strings.TrimSpace(c.Broker.URL)
	if value, ok := os.LookupEnv("MESHQUEUE_STORE_DSN"); ok && strings.TrimSpace(c.Store.DSN) == "" {
		c.Store.DSN = value
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	// A Redis result registry defaults to the broker's Redis deployment.
	if c.Store.Backend == StoreRedis && c.Store.DSN == "" && c.Broker.Backend == BrokerRedis {
		c.Store.DSN = c.Broker.URL
	}
	if strings.TrimSpace(c.Store.Prefix) == "" {
		c.Store.Prefix = defaultStorePrefix
	}
	if strings.TrimSpace(c.Broker.Queue) == "" {
		c.Broker.Queue = defaultBrokerQueue
	}

	if value, ok := os.LookupEnv("MESHQUEUE_S3_ACCESS_KEY"); ok && c.Artifacts.S3AccessKey == "" {
		c.Artifacts.S3AccessKey = value
	}
	if value, ok := os.LookupEnv("MESHQUEUE_S3_SECRET_KEY"); ok && c.Artifacts.S3SecretKey == "" {
		c.Artifacts.S3SecretKey = value
	}
	c.Artifacts.S3Endpoint = strings.TrimSpace(c.Artifacts.S3Endpoint)
	c.Artifacts.S3Bucket = strings.TrimSpace(c.Artifacts.S3Bucket)
	c.Artifacts.S3Prefix = strings.Trim(strings.TrimSpace(c.Artifacts.S3Prefix), "/")
}

// normalizeStages fills unset fields of configured stages from the built-in
// defaults for the same kind, so a config only has to state what it changes.
func (c *Config) normalizeStages() {
	defaults := defaultStages()
	normalized := make(map[string]Stage, len(c.Stages))
	for name, st := range c.Stages {
		key := strings.ToLower(strings.TrimSpace(name))
		base, known := defaults[key]
		if !known {
			normalized[key] = st
			continue
		}
		if strings.TrimSpace(st.Command) == "" {
			st.Command = base.Command
		}
		if len(st.Args) == 0 {
			st.Args = base.Args
		}
		if st.OutputName == "" {
			st.OutputName = base.OutputName
		}
		if st.OutputPattern == "" {
			st.OutputPattern = base.OutputPattern
		}
		if st.Prefer == nil {
			st.Prefer = base.Prefer
		}
		if st.StdoutFile == "" {
			st.StdoutFile = base.StdoutFile
		}
		if st.Produces == "" {
			st.Produces = base.Produces
		}
		if st.Timeout == 0 {
			st.Timeout = base.Timeout
		}
		if len(st.SuccessCodes) == 0 {
			st.SuccessCodes = base.SuccessCodes
		}
		if st.Retryable == nil {
			st.Retryable = base.Retryable
		}
		if st.Warnings == nil {
			st.Warnings = base.Warnings
		}
		normalized[key] = st
	}
	for name, st := range defaults {
		if _, ok := normalized[name]; !ok {
			normalized[name] = st
		}
	}
	c.Stages = normalized
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeNotifications() {
	if value, ok := os.LookupEnv("MESHQUEUE_NTFY_TOPIC"); ok && strings.TrimSpace(c.Notifications.NtfyTopic) == "" {
		c.Notifications.NtfyTopic = value
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"meshqueue/internal/stage"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	if err := c.validateAPI(catalog); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if c.Notifications.NtfyTopic != "" {
		if !strings.HasPrefix(c.Notifications.NtfyTopic, "http://") && !strings.HasPrefix(c.Notifications.NtfyTopic, "https://") {
			return errors.New("notifications.ntfy_topic must be a full http(s) topic URL")
		}
		if c.Notifications.RequestTimeout <= 0 {
			return errors.New("notifications.request_timeout must be positive")
		}
	}
	return nil
}

// Catalog resolves [stages.*] into the closed set of stage descriptors.
func (c *Config) Catalog() (*stage.Catalog, error) {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]stage.Descriptor, 0, len(names))
	for _, name := range names {
		kind, ok := stage.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("stages.%s: unknown stage kind (known: convert, validate, repair, slice)", name)
		}
		st := c.Stages[name]
		d := stage.Descriptor{
			Kind:          kind,
			Command:       strings.TrimSpace(st.Command),
			Args:          append([]string(nil), st.Args...),
			OutputName:    strings.TrimSpace(st.OutputName),
			OutputPattern: strings.TrimSpace(st.OutputPattern),
			Prefer:        normalizeExtensions(st.Prefer),
			StdoutFile:    strings.TrimSpace(st.StdoutFile),
			Produces:      stage.Produces(strings.ToLower(strings.TrimSpace(st.Produces))),
			Timeout:       time.Duration(st.Timeout) * time.Second,
			SuccessCodes:  append([]int(nil), st.SuccessCodes...),
			Retryable:     st.Retryable != nil && *st.Retryable,
		}
		for _, w := range st.Warnings {
			d.Warnings = append(d.Warnings, stage.WarningRule{Match: w.Match, Message: w.Message})
		}
		descriptors = append(descriptors, d)
	}
	catalog, err := stage.NewCatalog(descriptors...)
	if err != nil {
		return nil, fmt.Errorf("stages: %w", err)
	}
	return catalog, nil
}

func (c *Config) validateBackends() error {
	switch c.Store.Backend {
	case StoreSQLite:
	case StoreRedis:
		if c.Store.DSN == "" {
			return errors.New("store.dsn must be set for the redis store (or use broker.backend = \"redis\")")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite, redis or postgres, got %q", c.Store.Backend)
	}

	switch c.Broker.Backend {
	case BrokerSQLite:
	case BrokerRedis, BrokerAMQP:
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url must be set for the %s broker", c.Broker.Backend)
		}
	default:
		return fmt.Errorf("broker.backend must be sqlite, redis or amqp, got %q", c.Broker.Backend)
	}
	if c.Broker.MaxDeliveries <= 0 {
		return errors.New("broker.max_deliveries must be positive")
	}
	if err := ensurePositiveMap(map[string]int{
		"broker.visibility_timeout": c.Broker.VisibilityTimeout,
		"broker.poll_interval_ms":   c.Broker.PollIntervalMS,
	}); err != nil {
		return err
	}

	switch c.Artifacts.Backend {
	case ArtifactsFS:
		if c.Artifacts.Root == "" {
			return errors.New("artifacts.root must be set for the fs artifact store")
		}
	case ArtifactsS3:
		if c.Artifacts.S3Endpoint == "" || c.Artifacts.S3Bucket == "" {
			return errors.New("artifacts.s3_endpoint and artifacts.s3_bucket must be set for the s3 artifact store")
		}
	default:
		return fmt.Errorf("artifacts.backend must be fs or s3, got %q", c.Artifacts.Backend)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Concurrency < 0 {
		return errors.New("workers.concurrency must not be negative (0 disables the worker pool)")
	}
	if c.Workers.MaxAttempts <= 0 || c.Workers.MaxAttempts > maxWorkerAttempts {
		return fmt.Errorf("workers.max_attempts must be between 1 and %d", maxWorkerAttempts)
	}
	if c.Workers.RetryBackoffMS < 0 {
		return errors.New("workers.retry_backoff_ms must not be negative")
	}
	if err := ensurePositiveMap(map[string]int{
		"workers.heartbeat_interval":   c.Workers.HeartbeatInterval,
		"workers.error_retry_interval": c.Workers.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Broker.VisibilityTimeout <= c.Workers.HeartbeatInterval {
		return errors.New("broker.visibility_timeout must be greater than workers.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateAPI(catalog *stage.Catalog) error {
	if c.API.MaxUploadMB <= 0 {
		return errors.New("api.max_upload_mb must be positive")
	}
	if len(c.API.SupportedExtensions) == 0 {
		return errors.New("api.supported_extensions must not be empty")
	}
	if len(c.API.DefaultPipeline) == 0 {
		return errors.New("api.default_pipeline must not be empty")
	}
	if _, err := catalog.Resolve(c.API.DefaultPipeline); err != nil {
		return fmt.Errorf("api.default_pipeline: %w", err)
	}
	if c.API.AutoConvert {
		if _, ok := catalog.Lookup(string(stage.KindConvert)); !ok {
			return errors.New("api.auto_convert requires a [stages.convert] section")
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

func normalizeExtensions(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, ".") {
			value = "." + value
		}
		out = append(out, value)
	}
	return out
}

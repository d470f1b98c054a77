package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"meshqueue/internal/config"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type globalFlags struct {
	config string
	server string
	token  string
	output string
}

func (f *globalFlags) validate() error {
	f.output = strings.ToLower(strings.TrimSpace(f.output))
	switch f.output {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("--output must be table, json or yaml, got %q", f.output)
	}
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// serverURL resolves --server, then MESHQUEUE_SERVER, then api.bind.
func (c *commandContext) serverURL() (string, error) {
	if server := strings.TrimSpace(c.flags.server); server != "" {
		return normalizeServer(server), nil
	}
	if server := strings.TrimSpace(os.Getenv("MESHQUEUE_SERVER")); server != "" {
		return normalizeServer(server), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", fmt.Errorf("load config (or pass --server): %w", err)
	}
	return normalizeServer(cfg.API.Bind), nil
}

func (c *commandContext) apiToken() string {
	if token := strings.TrimSpace(c.flags.token); token != "" {
		return token
	}
	if token := strings.TrimSpace(os.Getenv("MESHQUEUE_API_TOKEN")); token != "" {
		return token
	}
	if cfg, err := c.ensureConfig(); err == nil {
		return cfg.API.Token
	}
	return ""
}

func (c *commandContext) client() (*client, error) {
	server, err := c.serverURL()
	if err != nil {
		return nil, err
	}
	return newClient(server, c.apiToken()), nil
}

func (c *commandContext) output() string {
	return c.flags.output
}

// normalizeServer turns a bind address such as 0.0.0.0:7480 into a URL.
func normalizeServer(value string) string {
	value = strings.TrimRight(strings.TrimSpace(value), "/")
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	if host, port, ok := strings.Cut(value, ":"); ok && (host == "" || host == "0.0.0.0") {
		value = "127.0.0.1:" + port
	}
	return "http://" + value
}

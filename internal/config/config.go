package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"foreman/internal/policy"
)

// FileName is the service config file looked up in the workspace root.
const FileName = "foreman.yml"

// Config models foreman.yml.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Engine struct {
		PolicyCacheTTL   time.Duration `yaml:"policy_cache_ttl"`
		PolicyCacheItems int64         `yaml:"policy_cache_items"`
		// PolicyFile seeds the global policy when none is stored yet.
		PolicyFile string `yaml:"policy_file"`
	} `yaml:"engine"`
	Sweep struct {
		ApprovalInterval  time.Duration `yaml:"approval_interval"`
		SpendInterval     time.Duration `yaml:"spend_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	} `yaml:"sweep"`
	Notify struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		Webhooks     []Webhook     `yaml:"webhooks"`
		NATS         struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subject_prefix"`
		} `yaml:"nats"`
	} `yaml:"notify"`
	Telemetry struct {
		// OTLPEndpoint is a host:port gRPC collector. Empty disables export.
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
		ServiceName  string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// Webhook is one HTTP notification sink.
type Webhook struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the config used when foreman.yml is absent.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads foreman.yml from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all bad fields at once.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("log.level", c.Log.Level, validLevel),
		criterio.Run("server.base_path", c.Server.BasePath, validBasePath),
		c.validateDurations(),
		c.validatePolicyFile(),
		c.validateWebhooks(),
		criterio.Run("notify.nats.url", c.Notify.NATS.URL, validOptionalURL),
	)
}

func validLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return nil
	}
	return fmt.Errorf("unknown level %q", level)
}

func validBasePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return nil
	}
	return fmt.Errorf("must start with /")
}

func validOptionalURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute url", raw)
	}
	return nil
}

func (c *Config) validateDurations() error {
	var errs criterio.FieldErrorsBuilder
	check := func(field string, d time.Duration) {
		if d < 0 {
			errs = errs.Append(field, fmt.Errorf("must not be negative"))
		}
	}
	check("engine.policy_cache_ttl", c.Engine.PolicyCacheTTL)
	check("sweep.approval_interval", c.Sweep.ApprovalInterval)
	check("sweep.spend_interval", c.Sweep.SpendInterval)
	check("sweep.heartbeat_interval", c.Sweep.HeartbeatInterval)
	check("sweep.heartbeat_timeout", c.Sweep.HeartbeatTimeout)
	check("notify.poll_interval", c.Notify.PollInterval)
	if c.Notify.BatchSize < 0 {
		errs = errs.Append("notify.batch_size", fmt.Errorf("must not be negative"))
	}
	return errs.ToError()
}

func (c *Config) validatePolicyFile() error {
	if c.Engine.PolicyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Engine.PolicyFile)
	if err != nil {
		return criterio.NewFieldErrors("engine.policy_file", fmt.Errorf("cannot read: %w", err))
	}
	if _, err := policy.FromYAML(data); err != nil {
		return criterio.NewFieldErrors("engine.policy_file", err)
	}
	return nil
}

func (c *Config) validateWebhooks() error {
	var errs criterio.FieldErrorsBuilder
	seen := map[string]bool{}
	for i, hook := range c.Notify.Webhooks {
		field := fmt.Sprintf("notify.webhooks[%d]", i)
		if hook.URL == "" {
			errs = errs.Append(field+".url", fmt.Errorf("required"))
		} else if err := validOptionalURL(hook.URL); err != nil {
			errs = errs.Append(field+".url", err)
		}
		name := hook.SinkName()
		if seen[name] {
			errs = errs.Append(field+".name", fmt.Errorf("duplicate sink name %q", name))
		}
		seen[name] = true
	}
	return errs.ToError()
}

// SinkName identifies the webhook's delivery cursor.
func (w Webhook) SinkName() string {
	if w.Name != "" {
		return "webhook:" + w.Name
	}
	return "webhook:" + w.URL
}

const defaultTemplate = `log:
  level: info

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_actor_header: false

engine:
  policy_cache_ttl: 30s
  policy_cache_items: 1000

sweep:
  approval_interval: 30s
  spend_interval: 5m
  heartbeat_interval: 1m
  heartbeat_timeout: 10m

notify:
  poll_interval: 2s
  batch_size: 100
  nats:
    subject_prefix: foreman

telemetry:
  service_name: foreman
`

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"metaflow/internal/logging"
	"metaflow/internal/tracing"
)

const FileName = "metaflow.yml"

// Config models metaflow.yml.
type Config struct {
	Store struct {
		Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
		DSN    string `yaml:"dsn"`
		// Timeout bounds store calls made without a caller deadline.
		Timeout Duration `yaml:"timeout"`
	} `yaml:"store"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// DevTenant lets unauthenticated requests act as this tenant. Local use only.
		DevTenant string `yaml:"dev_tenant"`
	} `yaml:"auth"`
	Logging  logging.Config `yaml:"logging"`
	Tracing  tracing.Config `yaml:"tracing"`
	Dispatch struct {
		HandlerTimeout Duration `yaml:"handler_timeout"`
		Parallelism    int      `yaml:"parallelism" validate:"gte=0,lte=64"`
	} `yaml:"dispatch"`
	Handlers []HandlerConfig `yaml:"handlers" validate:"dive"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// HandlerConfig registers an HTTP endpoint as a function-backed action handler.
type HandlerConfig struct {
	Name      string   `yaml:"name" validate:"required"`
	URL       string   `yaml:"url" validate:"required,url"`
	HealthURL string   `yaml:"health_url" validate:"omitempty,url"`
	Timeout   Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	Name     string   `yaml:"name" validate:"required"`
	TenantID string   `yaml:"tenant_id"`
	URL      string   `yaml:"url" validate:"required,url"`
	Events   []string `yaml:"events"`
	Interval Duration `yaml:"interval"`
}

// Duration reads Go duration strings such as "5s" from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Value == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("config.%s failed %s", yamlPath(fe.Namespace()), fe.Tag())
		}
		return err
	}
	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("config.store.dsn is required for postgres")
	}
	seen := map[string]bool{}
	for _, h := range c.Handlers {
		if seen[h.Name] {
			return fmt.Errorf("config.handlers has duplicate name %s", h.Name)
		}
		seen[h.Name] = true
	}
	seen = map[string]bool{}
	for _, w := range c.Webhooks {
		if seen[w.Name] {
			return fmt.Errorf("config.webhooks has duplicate name %s", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// yamlPath turns "Config.Handlers[0].URL" into "handlers[0].url".
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(workspace)
}

// FromYAML parses and validates config from raw YAML bytes. Unset values keep their
// defaults.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Store.Driver = "sqlite"
	cfg.Store.Timeout = Duration(10 * time.Second)
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Environment = "development"
	cfg.Tracing = tracing.DefaultConfig()
	cfg.Dispatch.HandlerTimeout = Duration(30 * time.Second)
	cfg.Dispatch.Parallelism = 4
	return &cfg
}

// GenerateDefault returns the commented template written by mf init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `store:
  # sqlite (default, stored under .metaflow/) or postgres
  driver: sqlite
  dsn: ""
  timeout: 10s

server:
  addr: 127.0.0.1:8080
  base_path: ""

auth:
  # HS256 secret for bearer tokens carrying a tenant_id claim.
  jwt_secret: ""
  dev_tenant: ""

logging:
  level: info
  environment: development

tracing:
  enabled: false
  exporter: stdout
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

dispatch:
  handler_timeout: 30s
  parallelism: 4

# Function-backed actions name one of these handlers.
handlers: []
#  - name: notify
#    url: http://localhost:9000/notify
#    health_url: http://localhost:9000/health
#    timeout: 5s

webhooks: []
#  - name: audit
#    tenant_id: acme
#    url: http://localhost:9000/events
#    events: [action.executed]
#    interval: 2s
`

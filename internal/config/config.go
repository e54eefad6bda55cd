package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"foreman/internal/domain"
	"foreman/internal/pathguard"
)

// Config models foreman.yml.
type Config struct {
	Run       RunConfig                    `yaml:"run"`
	Policy    PolicyConfig                 `yaml:"policy"`
	Routing   map[domain.CardStatus]string `yaml:"routing"`
	GuardSeat string                       `yaml:"guard_seat"`
	Team      domain.Team                  `yaml:"team"`
	Sandbox   SandboxConfig                `yaml:"sandbox"`
	Preview   PreviewConfig                `yaml:"preview"`
	Model     ModelConfig                  `yaml:"model"`
	Logging   LoggingConfig                `yaml:"logging"`
	Telemetry TelemetryConfig              `yaml:"telemetry"`
	Webhooks  []Webhook                    `yaml:"webhooks"`
}

type RunConfig struct {
	MaxIterations    int `yaml:"max_iterations"`
	ConcurrencyLimit int `yaml:"concurrency_limit"`
	MaxRetries       int `yaml:"max_retries"`
	TranscriptTail   int `yaml:"transcript_tail"`
}

type PolicyConfig struct {
	ForbiddenExtensions []string `yaml:"forbidden_extensions"`
	ForbiddenPaths      []string `yaml:"forbidden_paths"`
	MinSummaryLength    int      `yaml:"min_summary_length"`
	// RequireApproval lists tools whose calls wait for an operator decision
	// on a gate request before they run.
	RequireApproval     []string `yaml:"require_approval"`
}

type SandboxConfig struct {
	VerificationDir string        `yaml:"verification_dir"`
	Timeout         time.Duration `yaml:"timeout"`
	CPUSeconds      uint64        `yaml:"cpu_seconds"`
	AddressSpaceMB  uint64        `yaml:"address_space_mb"`
	IsolateNetwork  bool          `yaml:"isolate_network"`
}

// PreviewConfig locates live preview deployments. BaseURL may contain a
// {rock} placeholder; empty disables live verification.
type PreviewConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ModelConfig struct {
	Provider    string        `yaml:"provider"`
	Default     string        `yaml:"default"`
	MaxTokens   int64         `yaml:"max_tokens"`
	MaxRetries  int           `yaml:"max_retries"`
	InitialWait time.Duration `yaml:"initial_wait"`
	APIKeyEnv   string        `yaml:"api_key_env"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("config.run.max_iterations must be positive")
	}
	if c.Run.ConcurrencyLimit <= 0 {
		return fmt.Errorf("config.run.concurrency_limit must be positive")
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("config.run.max_retries must not be negative")
	}
	for _, pat := range c.Policy.ForbiddenPaths {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("config.policy.forbidden_paths has invalid pattern %q", pat)
		}
	}
	seen := map[string]bool{}
	for _, s := range c.Team.Seats {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config.team.seats contains a seat without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config.team.seats has duplicate seat %s", s.Name)
		}
		seen[s.Name] = true
	}
	for status, seat := range c.Routing {
		if _, ok := domain.ParseStatus(string(status)); !ok {
			return fmt.Errorf("config.routing has unknown status %s", status)
		}
		if seat == "" {
			return fmt.Errorf("config.routing.%s is empty", status)
		}
	}
	if c.GuardSeat != "" && len(c.Team.Seats) > 0 {
		guard, ok := c.Team.Seat(c.GuardSeat)
		if !ok {
			return fmt.Errorf("config.guard_seat %s is not a team seat", c.GuardSeat)
		}
		if !hasRole(guard.Roles, domain.RoleIntegrityGuard) {
			return fmt.Errorf("config.guard_seat %s lacks the %s role", c.GuardSeat, domain.RoleIntegrityGuard)
		}
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("config.sandbox.timeout must not be negative")
	}
	if dir := c.Sandbox.VerificationDir; dir != "" {
		if err := pathguard.Local(dir); err != nil {
			return fmt.Errorf("config.sandbox.verification_dir: %w", err)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
	}
	return nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foreman.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

// SandboxAddressSpaceBytes converts the configured limit to bytes.
func (c *Config) SandboxAddressSpaceBytes() uint64 {
	return c.Sandbox.AddressSpaceMB << 20
}

const defaultTemplate = `run:
  max_iterations: 50
  concurrency_limit: 3
  max_retries: 3
  transcript_tail: 20

policy:
  forbidden_extensions: [".exe", ".dll", ".so", ".sh"]
  forbidden_paths:
    - ".git/**"
    - ".foreman/**"
    - "**/.env"
  min_summary_length: 10
  require_approval: []

routing:
  ready: developer
  in_progress: developer
  ready_for_testing: tester
  code_review: reviewer
  awaiting_guard_review: guard
  guard_requested_changes: developer

guard_seat: guard

team:
  seats:
    - name: developer
      roles: [developer]
    - name: tester
      roles: [tester]
    - name: reviewer
      roles: [reviewer]
    - name: guard
      roles: [integrity_guard]

sandbox:
  verification_dir: verification
  timeout: 5s
  cpu_seconds: 5
  address_space_mb: 4096
  isolate_network: false

preview:
  base_url: ""
  timeout: 10s

model:
  provider: anthropic
  default: claude-sonnet-4-5
  max_tokens: 4096
  max_retries: 3
  initial_wait: 1s
  api_key_env: ANTHROPIC_API_KEY

logging:
  level: info
  format: text

telemetry:
  enabled: false

webhooks: []
`

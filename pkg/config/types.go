package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apphost/reposync/pkg/engine"
	"github.com/apphost/reposync/pkg/executor"
	"github.com/apphost/reposync/pkg/telemetry"
	"github.com/apphost/reposync/pkg/transports/ssh"
)

// Defaults applied before a file is decoded.
const (
	DefaultPollInterval    = 300
	DefaultMaxRetries      = 3
	DefaultDegradedCeiling = 5
	DefaultStateDB         = "reposync.db"
	DefaultAuditLog        = "audit.log"
)

// Oracle kinds.
const (
	OracleGitHub = "github"
	OracleGit    = "git"
)

// Runner kinds.
const (
	RunnerLocal = "local"
	RunnerSSH   = "ssh"
)

// Config is the complete reposync configuration. A loaded Config is never
// mutated; reloads produce a new value.
type Config struct {
	// Applications are the tracked applications, in evaluation order.
	Applications []ApplicationConfig `yaml:"applications" json:"applications" validate:"required,min=1,dive"`

	// PollInterval is the time between reconciliation passes, in seconds.
	PollInterval int `yaml:"poll_interval" json:"poll_interval"`

	// MaxRetries is the number of executor attempts per application per cycle.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// DegradedCeiling is the failure count above which an application is degraded.
	DegradedCeiling int `yaml:"degraded_ceiling" json:"degraded_ceiling" validate:"gte=0"`

	// Concurrency bounds parallel evaluations. Zero picks min(len(applications), 4).
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gte=0"`

	// StateDB is the SQLite database holding reconciliation state.
	StateDB string `yaml:"state_db" json:"state_db" validate:"required"`

	// AuditLog is the JSON lines audit file.
	AuditLog string `yaml:"audit_log" json:"audit_log" validate:"required"`

	Oracle   OracleConfig            `yaml:"oracle" json:"oracle"`
	Executor ExecutorConfig          `yaml:"executor" json:"executor"`
	Health   telemetry.HealthConfig  `yaml:"health" json:"health"`
	Logging  telemetry.LoggingConfig `yaml:"logging" json:"logging"`
	Tracing  TracingConfig           `yaml:"tracing" json:"tracing"`

	// source is the file the configuration was loaded from.
	source string
}

// ApplicationConfig declares one tracked application.
type ApplicationConfig struct {
	Name   string `yaml:"name" json:"name" validate:"required,appname"`
	Owner  string `yaml:"owner" json:"owner" validate:"required"`
	Repo   string `yaml:"repo" json:"repo" validate:"required"`
	Branch string `yaml:"branch" json:"branch" validate:"required"`
	Path   string `yaml:"path" json:"path" validate:"required"`

	// URL overrides the derived clone URL.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// OracleConfig configures the commit oracle.
type OracleConfig struct {
	// Kind selects the source: github or git.
	Kind string `yaml:"kind" json:"kind"`

	// BaseURL is the API root of a GitHub Enterprise host.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" validate:"omitempty,url"`

	// TokenEnv names the environment variable holding the access token.
	TokenEnv string `yaml:"token_env,omitempty" json:"token_env,omitempty"`

	// RequestsPerSecond paces upstream requests. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`

	// Burst is the pacing burst size.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`

	// BudgetLimit is the number of requests allowed per BudgetWindow.
	// Zero disables the local budget.
	BudgetLimit int `yaml:"budget_limit" json:"budget_limit" validate:"gte=0"`

	// BudgetWindow is the budget reset period.
	BudgetWindow Duration `yaml:"budget_window" json:"budget_window"`

	// Timeout bounds a single upstream query.
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// Token returns the access token named by TokenEnv.
func (o OracleConfig) Token() string {
	if o.TokenEnv == "" {
		return ""
	}
	return os.Getenv(o.TokenEnv)
}

// ExecutorConfig configures the action executor.
type ExecutorConfig struct {
	// Timeout bounds one whole deployment attempt.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// BackoffInitial is the wait after the first failed attempt.
	BackoffInitial Duration `yaml:"backoff_initial" json:"backoff_initial"`

	// BackoffMax caps any single wait.
	BackoffMax Duration `yaml:"backoff_max" json:"backoff_max"`

	// Check, Clone, Sync and Restart are argv templates.
	Check   []string   `yaml:"check,omitempty" json:"check,omitempty"`
	Clone   []string   `yaml:"clone,omitempty" json:"clone,omitempty"`
	Sync    [][]string `yaml:"sync,omitempty" json:"sync,omitempty"`
	Restart [][]string `yaml:"restart,omitempty" json:"restart,omitempty"`

	Runner RunnerConfig `yaml:"runner" json:"runner"`
}

// RunnerConfig selects where executor commands run.
type RunnerConfig struct {
	// Kind is local or ssh.
	Kind string `yaml:"kind" json:"kind"`

	// SSH is required when Kind is ssh.
	SSH *SSHConfig `yaml:"ssh,omitempty" json:"ssh,omitempty"`
}

// SSHConfig is the file form of ssh.Config. Secrets may come from the
// environment instead of the file.
type SSHConfig struct {
	Host                  string   `yaml:"host" json:"host"`
	Port                  int      `yaml:"port,omitempty" json:"port,omitempty"`
	User                  string   `yaml:"user" json:"user"`
	AuthMethod            string   `yaml:"auth_method,omitempty" json:"auth_method,omitempty"`
	PasswordEnv           string   `yaml:"password_env,omitempty" json:"password_env,omitempty"`
	PrivateKeyPath        string   `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	PassphraseEnv         string   `yaml:"passphrase_env,omitempty" json:"passphrase_env,omitempty"`
	KnownHostsPath        string   `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`
	StrictHostKeyChecking *bool    `yaml:"strict_host_key_checking,omitempty" json:"strict_host_key_checking,omitempty"`
	ConnectionTimeout     Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
	KeepAliveInterval     Duration `yaml:"keepalive_interval,omitempty" json:"keepalive_interval,omitempty"`
	ProxyHost             string   `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`
	ProxyPort             int      `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty"`
	ProxyUser             string   `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty"`
	ProxyPrivateKeyPath   string   `yaml:"proxy_private_key_path,omitempty" json:"proxy_private_key_path,omitempty"`
}

// Transport converts the file form into a transport configuration.
func (s *SSHConfig) Transport() *ssh.Config {
	cfg := ssh.DefaultConfig(s.Host, s.User)
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.AuthMethod != "" {
		cfg.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	}
	if s.PasswordEnv != "" {
		cfg.Password = os.Getenv(s.PasswordEnv)
	}
	cfg.PrivateKeyPath = s.PrivateKeyPath
	if s.PassphraseEnv != "" {
		cfg.PrivateKeyPassphrase = os.Getenv(s.PassphraseEnv)
	}
	if s.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.KnownHostsPath
	}
	if s.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *s.StrictHostKeyChecking
	}
	if s.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = s.ConnectionTimeout.Std()
	}
	cfg.KeepAliveInterval = s.KeepAliveInterval.Std()
	if s.ProxyHost != "" {
		cfg.ProxyHost = s.ProxyHost
		if s.ProxyPort != 0 {
			cfg.ProxyPort = s.ProxyPort
		}
		cfg.ProxyUser = s.ProxyUser
		cfg.ProxyAuthMethod = ssh.AuthMethodKey
		cfg.ProxyPrivateKeyPath = s.ProxyPrivateKeyPath
	}
	return cfg
}

// TracingConfig is the file form of telemetry.TracingConfig.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	Exporter     string            `yaml:"exporter,omitempty" json:"exporter,omitempty"`
	Endpoint     string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SamplingRate float64           `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Default returns a configuration with every tunable set to its default
// and no applications.
func Default() *Config {
	exec := executor.DefaultConfig()
	backoff := engine.DefaultBackoff()
	tel := telemetry.DefaultConfig()

	return &Config{
		PollInterval:    DefaultPollInterval,
		MaxRetries:      DefaultMaxRetries,
		DegradedCeiling: DefaultDegradedCeiling,
		StateDB:         DefaultStateDB,
		AuditLog:        DefaultAuditLog,
		Oracle: OracleConfig{
			Kind:         OracleGitHub,
			TokenEnv:     "GITHUB_TOKEN",
			Burst:        1,
			BudgetWindow: Duration(time.Hour),
			Timeout:      Duration(30 * time.Second),
		},
		Executor: ExecutorConfig{
			Timeout:        Duration(exec.Timeout),
			BackoffInitial: Duration(backoff.Initial),
			BackoffMax:     Duration(backoff.Max),
			Check:          exec.Check,
			Clone:          exec.Clone,
			Sync:           exec.Sync,
			Restart:        exec.Restart,
			Runner:         RunnerConfig{Kind: RunnerLocal},
		},
		Health:  tel.Health,
		Logging: tel.Logging,
		Tracing: TracingConfig{
			Exporter:     tel.Tracing.Exporter,
			SamplingRate: tel.Tracing.SamplingRate,
			Insecure:     tel.Tracing.Insecure,
		},
	}
}

// Source returns the file the configuration was loaded from, if any.
func (c *Config) Source() string {
	return c.source
}

// Interval returns the poll interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Snapshot returns the read-only view the reconciler runs against.
func (c *Config) Snapshot() engine.Snapshot {
	apps := make([]engine.Application, 0, len(c.Applications))
	for _, a := range c.Applications {
		apps = append(apps, c.application(a))
	}
	return engine.Snapshot{
		Applications:    apps,
		PollInterval:    c.Interval(),
		MaxRetries:      c.MaxRetries,
		DegradedCeiling: c.DegradedCeiling,
	}
}

func (c *Config) application(a ApplicationConfig) engine.Application {
	url := a.URL
	if url == "" {
		url = fmt.Sprintf("%s/%s/%s.git", c.Oracle.cloneBase(), a.Owner, a.Repo)
	}
	return engine.Application{
		Name:   a.Name,
		Owner:  a.Owner,
		Repo:   a.Repo,
		Branch: a.Branch,
		Path:   a.Path,
		URL:    url,
	}
}

// cloneBase derives the web root used for clone URLs from the API root.
func (o OracleConfig) cloneBase() string {
	if o.BaseURL == "" {
		return "https://github.com"
	}
	base := strings.TrimRight(o.BaseURL, "/")
	return strings.TrimSuffix(base, "/api/v3")
}

// Backoff returns the retry delay curve.
func (c *Config) Backoff() engine.Backoff {
	return engine.Backoff{
		Initial: c.Executor.BackoffInitial.Std(),
		Max:     c.Executor.BackoffMax.Std(),
	}
}

// ExecutorConfig returns the executor command set.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Timeout: c.Executor.Timeout.Std(),
		Check:   c.Executor.Check,
		Clone:   c.Executor.Clone,
		Sync:    c.Executor.Sync,
		Restart: c.Executor.Restart,
	}
}

// Telemetry overlays the logging, tracing and health settings on the
// telemetry defaults.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version
	if c.Logging.Level != "" {
		tel.Logging.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		tel.Logging.Format = c.Logging.Format
	}
	if c.Logging.Output != "" {
		tel.Logging.Output = c.Logging.Output
	}
	tel.Logging.EnableCaller = c.Logging.EnableCaller
	if c.Logging.TimeFormat != "" {
		tel.Logging.TimeFormat = c.Logging.TimeFormat
	}

	tel.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		tel.Tracing.Exporter = c.Tracing.Exporter
	}
	tel.Tracing.Endpoint = c.Tracing.Endpoint
	tel.Tracing.SamplingRate = c.Tracing.SamplingRate
	tel.Tracing.Insecure = c.Tracing.Insecure
	for k, v := range c.Tracing.Headers {
		tel.Tracing.Headers[k] = v
	}

	tel.Health = c.Health
	if tel.Health.StaleCycles == 0 {
		tel.Health.StaleCycles = telemetry.DefaultStaleCycles
	}
	return tel
}

// Duration is a time.Duration that decodes from "90s" style strings or
// from a number of seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) set(raw string) error {
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if err := d.set(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler. CUE decoding goes through it too.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.set(v)
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

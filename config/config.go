// Package config loads the service configuration from a YAML file and
// LEAVESYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/logging"
	"github.com/warp/leave-sync/workflow"
)

// EnvPrefix prefixes every environment override, e.g. LEAVESYNC_SERVER_PORT.
const EnvPrefix = "LEAVESYNC"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logger   logging.Config `mapstructure:"logger"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Leave    LeaveConfig    `mapstructure:"leave"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	MetricsEnabled  bool            `mapstructure:"metrics_enabled"`
}

// RateLimitConfig limits portal requests per client address. Engine
// callbacks are never limited. RequestsPerSecond <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // ":memory:" for an in-memory database
}

// WorkflowConfig configures the engine client and the deployed schemes.
type WorkflowConfig struct {
	BaseURL string                  `mapstructure:"base_url"`
	Timeout time.Duration           `mapstructure:"timeout"`
	Schemes []workflow.SchemeConfig `mapstructure:"schemes"`
}

// LeaveConfig holds leave types and approval rules. Day counts are strings
// so they reach decimal.Decimal without passing through float64.
type LeaveConfig struct {
	Types                    []LeaveTypeConfig `mapstructure:"types"`
	ManagerApprovalThreshold string            `mapstructure:"manager_approval_threshold"`
}

// LeaveTypeConfig is one configured leave type.
type LeaveTypeConfig struct {
	Code        string `mapstructure:"code"`
	Name        string `mapstructure:"name"`
	DefaultDays string `mapstructure:"default_days"`
	Color       string `mapstructure:"color"`
}

// IdentityConfig lists the users of the built-in directory.
type IdentityConfig struct {
	Users []identity.User `mapstructure:"users"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.rate_limit.requests_per_second", 20.0)
	v.SetDefault("server.rate_limit.burst", 40)
	v.SetDefault("server.metrics_enabled", true)

	// Database defaults
	v.SetDefault("database.path", "data/leave-sync.db")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")

	// Workflow defaults
	v.SetDefault("workflow.base_url", "http://localhost:5000")
	v.SetDefault("workflow.timeout", 30*time.Second)
	v.SetDefault("workflow.schemes", []map[string]any{
		{"type": leave.WorkflowType, "active_version": "LeaveApproval_v1",
			"versions": map[string]any{"v1": "LeaveApproval_v1"}},
	})

	// Leave defaults
	v.SetDefault("leave.manager_approval_threshold", "3")
	v.SetDefault("leave.types", []map[string]any{
		{"code": "ANNUAL", "name": "Annual Leave", "default_days": "21", "color": "#4CAF50"},
		{"code": "SICK", "name": "Sick Leave", "default_days": "10", "color": "#F44336"},
	})
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst < 1 {
		return fmt.Errorf("server.rate_limit.burst must be at least 1 when limiting is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Workflow.BaseURL == "" {
		return fmt.Errorf("workflow.base_url is required")
	}

	schemes, err := workflow.NewSchemeRegistry(c.Workflow.Schemes)
	if err != nil {
		return fmt.Errorf("workflow.schemes: %w", err)
	}
	if !schemes.IsValid(leave.WorkflowType) {
		return fmt.Errorf("workflow.schemes: no scheme for %s", leave.WorkflowType)
	}

	if _, err := c.LeaveTypes(); err != nil {
		return err
	}
	if _, err := c.ManagerApprovalThreshold(); err != nil {
		return err
	}
	return nil
}

// LeaveTypes converts the configured leave types.
func (c *Config) LeaveTypes() ([]leave.LeaveType, error) {
	if len(c.Leave.Types) == 0 {
		return nil, fmt.Errorf("leave.types: at least one leave type is required")
	}
	seen := make(map[string]bool, len(c.Leave.Types))
	out := make([]leave.LeaveType, 0, len(c.Leave.Types))
	for _, t := range c.Leave.Types {
		if t.Code == "" {
			return nil, fmt.Errorf("leave.types: leave type without code")
		}
		if seen[t.Code] {
			return nil, fmt.Errorf("leave.types: %s defined twice", t.Code)
		}
		seen[t.Code] = true

		days, err := decimal.NewFromString(t.DefaultDays)
		if err != nil || days.IsNegative() {
			return nil, fmt.Errorf("leave.types: %s has invalid default_days %q", t.Code, t.DefaultDays)
		}
		name := t.Name
		if name == "" {
			name = t.Code
		}
		out = append(out, leave.LeaveType{Code: t.Code, Name: name, DefaultDays: days, Color: t.Color})
	}
	return out, nil
}

// ManagerApprovalThreshold returns the day count above which requests need
// a manager.
func (c *Config) ManagerApprovalThreshold() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Leave.ManagerApprovalThreshold)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("leave.manager_approval_threshold %q must be a positive number",
			c.Leave.ManagerApprovalThreshold)
	}
	return d, nil
}

// SchemeRegistry builds the registry of configured schemes.
func (c *Config) SchemeRegistry() (*workflow.SchemeRegistry, error) {
	return workflow.NewSchemeRegistry(c.Workflow.Schemes)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"unichat/internal/auth"
	"unichat/internal/auth/challenge"
	"unichat/internal/email"
	"unichat/internal/identity"
	"unichat/internal/logs"
	"unichat/internal/models"
	"unichat/internal/storage"
)

// Defaults applied to omitted settings.
const (
	DefaultPort            = 8000
	DefaultProviderTimeout = 60 * time.Second
	DefaultShutdownGrace   = 10 * time.Second
	DefaultKeyPrefix       = "unichat"
	DefaultVersion         = "1.0.0"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Logging      logs.Config          `yaml:"logging"`
	Secrets      SecretsConfig        `yaml:"secrets"`
	Models       []models.ModelConfig `yaml:"models" validate:"required,min=1,dive"`
	Auth         AuthConfig           `yaml:"auth"`
	Institutions []auth.Institution   `yaml:"institutions" validate:"dive"`
	Identity     identity.Config      `yaml:"identity"`
	Email        email.Config         `yaml:"email"`
	Storage      storage.Config       `yaml:"storage"`
	Challenge    challenge.Config     `yaml:"challenge"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	Version         string        `yaml:"version"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" validate:"gt=0"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

// SecretsConfig lists dotenv files read before the process environment.
type SecretsConfig struct {
	EnvFiles []string `yaml:"env_files"`
}

// AuthConfig controls session tokens and which paths require them.
type AuthConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	TokenTTL      time.Duration          `yaml:"token_ttl"`
	Issuer        string                 `yaml:"issuer"`
	Audience      string                 `yaml:"audience"`
	RequiredPaths []string               `yaml:"required_paths"`
	Permissions   map[auth.Role][]string `yaml:"permissions"`
}

// Authority returns the token settings.
func (a AuthConfig) Authority() auth.AuthorityConfig {
	return auth.AuthorityConfig{TokenTTL: a.TokenTTL, Issuer: a.Issuer, Audience: a.Audience}
}

// Load reads YAML configuration from disk, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every omitted tunable.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Version == "" {
		c.Server.Version = DefaultVersion
	}
	if c.Server.ProviderTimeout == 0 {
		c.Server.ProviderTimeout = DefaultProviderTimeout
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Secrets.EnvFiles == nil {
		c.Secrets.EnvFiles = []string{".env"}
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = auth.DefaultTokenTTL
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = auth.DefaultIssuer
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = auth.DefaultAudience
	}
	if c.Auth.RequiredPaths == nil {
		c.Auth.RequiredPaths = auth.DefaultRequiredPaths()
	}
	if c.Auth.Permissions == nil {
		c.Auth.Permissions = auth.DefaultPermissions()
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverMemory
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = DefaultKeyPrefix
	}
	if c.Challenge.From == "" {
		c.Challenge.From = c.Email.From
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return errors.New(describe(fieldErrs[0]))
		}
		return err
	}

	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if _, dup := seen[m.ModelID]; dup {
			return fmt.Errorf("models: duplicate model_id %q", m.ModelID)
		}
		seen[m.ModelID] = struct{}{}
		if m.ClientType == models.ClientOpenAICompatible && m.APIBase == "" && m.IsLocal {
			return fmt.Errorf("models: local model %q needs api_base", m.ModelID)
		}
	}

	switch c.Storage.Driver {
	case storage.DriverMemory:
	case storage.DriverRedis:
		if strings.TrimSpace(c.Storage.RedisURL) == "" {
			return errors.New("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of [memory redis], got %q", c.Storage.Driver)
	}

	for role, patterns := range c.Auth.Permissions {
		if !role.Valid() {
			return fmt.Errorf("auth.permissions: unknown role %q", role)
		}
		for _, p := range patterns {
			if p != "*" && !strings.HasPrefix(p, "/") {
				return fmt.Errorf("auth.permissions.%s: pattern %q must start with /", role, p)
			}
		}
	}
	for _, p := range c.Auth.RequiredPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.required_paths: %q must start with /", p)
		}
	}
	if c.Auth.TokenTTL < 0 {
		return errors.New("auth.token_ttl must be positive")
	}

	if c.Identity.Domain != "" && c.Identity.ClientID == "" {
		return errors.New("identity.client_id is required when identity.domain is set")
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

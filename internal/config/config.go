package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort    int    `json:"http_port" validate:"gte=0"`
	MetricsPort int    `json:"metrics_port" validate:"gte=0"`
	LogLevel    string `json:"log_level" validate:"oneof=debug info warn error"`
	DBPath      string `json:"db_path" validate:"required"`

	Provider struct {
		AuthURL      string   `json:"auth_url" validate:"required,url"`
		TokenURL     string   `json:"token_url" validate:"required,url"`
		ClientID     string   `json:"client_id" validate:"required"`
		ClientSecret string   `json:"client_secret" validate:"required"`
		RedirectURI  string   `json:"redirect_uri" validate:"required,url"`
		Scopes       []string `json:"scopes" validate:"min=1"`
		Timeout      Duration `json:"timeout"`
	} `json:"provider"`

	Refresh struct {
		Buffer        Duration `json:"buffer"`
		RetryInterval Duration `json:"retry_interval"`
		HandshakeTTL  Duration `json:"handshake_ttl"`
	} `json:"refresh"`

	Session struct {
		TTL Duration `json:"ttl"`
	} `json:"session"`
}

// Duration is a wrapper around time.Duration that implements JSON
// marshaling/unmarshaling.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads configuration from a file and overrides with environment
// variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PROVIDER_CLIENT_ID"); v != "" {
		c.Provider.ClientID = v
	}
	if v := os.Getenv("PROVIDER_CLIENT_SECRET"); v != "" {
		c.Provider.ClientSecret = v
	}
	if v := os.Getenv("PROVIDER_REDIRECT_URI"); v != "" {
		c.Provider.RedirectURI = v
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		var err error
		c.HTTPPort, err = parseInt(v)
		if err != nil {
			return fmt.Errorf("parsing HTTP_PORT: %w", err)
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var err error
		c.MetricsPort, err = parseInt(v)
		if err != nil {
			return fmt.Errorf("parsing METRICS_PORT: %w", err)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}

	if v := os.Getenv("REFRESH_BUFFER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing REFRESH_BUFFER: %w", err)
		}
		c.Refresh.Buffer = Duration{d}
	}

	return nil
}

// applyDefaults fills in values the config file may omit.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Provider.Timeout.Duration == 0 {
		c.Provider.Timeout = Duration{30 * time.Second}
	}
	if c.Refresh.Buffer.Duration == 0 {
		c.Refresh.Buffer = Duration{5 * time.Minute}
	}
	if c.Refresh.RetryInterval.Duration == 0 {
		c.Refresh.RetryInterval = Duration{time.Minute}
	}
	if c.Refresh.HandshakeTTL.Duration == 0 {
		c.Refresh.HandshakeTTL = Duration{time.Hour}
	}
	if c.Session.TTL.Duration == 0 {
		c.Session.TTL = Duration{24 * time.Hour}
	}
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if c.Refresh.Buffer.Duration <= 0 {
		return fmt.Errorf("refresh buffer must be positive")
	}

	return nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// Package config loads service settings from defaults, YAML, environment
// and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the default search paths.
const FileName = "webhooklog.yaml"

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "WEBHOOKLOG_"

// Config holds all service configuration
type Config struct {
	// Listener
	Address      string `yaml:"address" validate:"required,ip|hostname_rfc1123"`
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	HealthPath   string `yaml:"health_path" validate:"required,startswith=/"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" validate:"gte=0"`
	RateLimit    int    `yaml:"rate_limit" validate:"gte=0"`

	// Data log
	LogFile       string        `yaml:"logfile" validate:"required"`
	Rotate        int           `yaml:"rotate" validate:"min=1"`
	Frequency     string        `yaml:"frequency" validate:"oneof=hourly daily weekly monthly yearly"`
	Compress      bool          `yaml:"compress"`
	Uncompressed  int           `yaml:"uncompressed" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`

	// Empty means every request is accepted.
	Htpasswd string `yaml:"htpasswd"`

	// Diagnostics
	DiagLog  string `yaml:"diag_log"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Address:       "127.0.0.1",
		Port:          8080,
		HealthPath:    "/health",
		LogFile:       "/tmp/logfile",
		Rotate:        30,
		Frequency:     "daily",
		Compress:      true,
		Uncompressed:  1,
		FlushInterval: time.Second,
		LogLevel:      "info",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// LoadEnv overlays WEBHOOKLOG_* variables onto c. lookup is usually
// os.LookupEnv. Empty values are ignored.
func (c *Config) LoadEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, key := range keys {
		value, ok := lookup(EnvPrefix + strings.ToUpper(key.name))
		if !ok || value == "" {
			continue
		}
		if err := key.set(c, value); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key.name), err))
		}
	}
	return errors.Join(errs...)
}

// SetFromFlags updates config from command line flags. Only flags the user
// actually set are applied, so flag defaults never hide file or env values.
func (c *Config) SetFromFlags(flags *pflag.FlagSet) error {
	var errs []error
	for _, key := range keys {
		flag := flags.Lookup(key.flag())
		if flag == nil || !flag.Changed {
			continue
		}
		if err := key.set(c, flag.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", flag.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  " + strings.Join(e.Fields, "\n  ")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c and returns a *ValidationError naming every bad field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: value %v fails %q", yamlName(fe.StructField()), fe.Value(), ruleOf(fe)))
	}
	return &ValidationError{Fields: fields}
}

func ruleOf(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func yamlName(field string) string {
	for _, key := range keys {
		if key.field == field {
			return key.name
		}
	}
	return field
}

// key binds a config field to its YAML name, flag and environment variable.
type key struct {
	name  string
	field string
	set   func(c *Config, value string) error
}

// flag returns the long flag name: yaml name with dashes.
func (k key) flag() string {
	return strings.ReplaceAll(k.name, "_", "-")
}

var keys = []key{
	{"address", "Address", func(c *Config, v string) error { c.Address = v; return nil }},
	{"port", "Port", intSetter(func(c *Config, n int) { c.Port = n })},
	{"health_path", "HealthPath", func(c *Config, v string) error { c.HealthPath = v; return nil }},
	{"max_body_bytes", "MaxBodyBytes", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		c.MaxBodyBytes = n
		return nil
	}},
	{"rate_limit", "RateLimit", intSetter(func(c *Config, n int) { c.RateLimit = n })},
	{"logfile", "LogFile", func(c *Config, v string) error { c.LogFile = v; return nil }},
	{"rotate", "Rotate", intSetter(func(c *Config, n int) { c.Rotate = n })},
	{"frequency", "Frequency", func(c *Config, v string) error { c.Frequency = strings.ToLower(v); return nil }},
	{"compress", "Compress", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		c.Compress = b
		return nil
	}},
	{"uncompressed", "Uncompressed", intSetter(func(c *Config, n int) { c.Uncompressed = n })},
	{"flush_interval", "FlushInterval", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q", v)
		}
		c.FlushInterval = d
		return nil
	}},
	{"htpasswd", "Htpasswd", func(c *Config, v string) error { c.Htpasswd = v; return nil }},
	{"diag_log", "DiagLog", func(c *Config, v string) error { c.DiagLog = v; return nil }},
	{"log_level", "LogLevel", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
}

func intSetter(assign func(c *Config, n int)) func(c *Config, value string) error {
	return func(c *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		assign(c, n)
		return nil
	}
}

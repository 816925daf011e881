// Package config loads gateway configuration from flags, environment
// variables, and an optional YAML file, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// DefaultDataDir is where the gateway persists its identity and trace logs.
	DefaultDataDir = "./data"

	envPrefix = "GATEWAY"
)

// Config holds all configuration for the gateway process (§6).
type Config struct {
	GatewayAddress        string `mapstructure:"gateway_address" yaml:"gateway_address"`
	SubnetURL             string `mapstructure:"subnet_url" yaml:"subnet_url"`
	PollingIntervalMs     int    `mapstructure:"polling_interval" yaml:"polling_interval"`
	TLSCertificatePath    string `mapstructure:"tls_certificate_pem_path" yaml:"tls_certificate_pem_path"`
	TLSCertificateKeyPath string `mapstructure:"tls_certificate_key_pem_path" yaml:"tls_certificate_key_pem_path"`
	DataDir               string `mapstructure:"data_dir" yaml:"data_dir"`
}

// NewFlagSet builds the gateway's tuning flags without parsing them, so a
// caller (cmd/gateway) can register additional flags — service lifecycle
// switches — on the same set before a single Parse call.
func NewFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	flags.String("gateway-address", "0.0.0.0:8080", "address the gateway's WebSocket listener binds to")
	flags.String("subnet-url", "http://127.0.0.1:4943", "base URL of the subnet's replica HTTP interface")
	flags.Int("polling-interval", 100, "poller cadence in milliseconds")
	flags.String("tls-certificate-pem-path", "", "path to a PEM-encoded TLS certificate")
	flags.String("tls-certificate-key-pem-path", "", "path to the certificate's PEM-encoded private key")
	flags.String("data-dir", DefaultDataDir, "directory for persisted identity and trace logs")
	flags.String("config", "", "path to a YAML configuration file")
	return flags
}

// Load binds environment overrides onto an already-parsed flags set,
// optionally reads configPath (or the --config flag if configPath is
// empty), and returns the resolved Config. Precedence: flags set on the
// command line > environment > file > defaults.
func Load(flags *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("gateway_address", "0.0.0.0:8080")
	v.SetDefault("subnet_url", "http://127.0.0.1:4943")
	v.SetDefault("polling_interval", 100)
	v.SetDefault("data_dir", DefaultDataDir)

	if err := v.BindPFlag("gateway_address", flags.Lookup("gateway-address")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("subnet_url", flags.Lookup("subnet-url")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("polling_interval", flags.Lookup("polling-interval")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("tls_certificate_pem_path", flags.Lookup("tls-certificate-pem-path")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("tls_certificate_key_pem_path", flags.Lookup("tls-certificate-key-pem-path")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("data_dir", flags.Lookup("data-dir")); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath, _ = flags.GetString("config")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found: %w", configPath, err)
			}
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and prepares the data directory.
func (c *Config) Validate() error {
	if c.GatewayAddress == "" {
		return fmt.Errorf("gateway_address is required")
	}
	if c.SubnetURL == "" {
		return fmt.Errorf("subnet_url is required")
	}
	if c.PollingIntervalMs <= 0 {
		return fmt.Errorf("polling_interval must be positive")
	}
	if (c.TLSCertificatePath == "") != (c.TLSCertificateKeyPath == "") {
		return fmt.Errorf("tls_certificate_pem_path and tls_certificate_key_pem_path must be set together")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", c.DataDir, err)
	}
	return nil
}

// TLSEnabled reports whether TLS material was configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertificatePath != "" && c.TLSCertificateKeyPath != ""
}

// Package config loads and validates the gateway runtime configuration
// from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConnectTimeoutSeconds   = 30
	DefaultPingTimeoutSeconds      = 5
	DefaultAttachRetries           = 3
	DefaultAttachRetryDelaySeconds = 5
	DefaultToolCacheTTLSeconds     = 30
	DefaultListToolsTimeoutSeconds = 30
	DefaultObservabilityListenAddr = "0.0.0.0:9090"
	DefaultLedgerPath              = "mcpgate-ledger.db"
)

// Config is the normalized runtime configuration.
type Config struct {
	Connection    ConnectionConfig    `yaml:"connection"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ConnectionConfig struct {
	ConnectTimeoutSeconds   int `yaml:"connectTimeoutSeconds"`
	PingTimeoutSeconds      int `yaml:"pingTimeoutSeconds"`
	AttachRetries           int `yaml:"attachRetries"`
	AttachRetryDelaySeconds int `yaml:"attachRetryDelaySeconds"`
}

type GatewayConfig struct {
	ToolCacheTTLSeconds     int `yaml:"toolCacheTTLSeconds"`
	ListToolsTimeoutSeconds int `yaml:"listToolsTimeoutSeconds"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ObservabilityConfig struct {
	ListenAddress string `yaml:"listenAddress"`
	EnableMetrics bool   `yaml:"enableMetrics"`
	EnableHealthz bool   `yaml:"enableHealthz"`
}

type rawConfig struct {
	Connection    rawConnectionConfig    `mapstructure:"connection"`
	Gateway       rawGatewayConfig       `mapstructure:"gateway"`
	Ledger        rawLedgerConfig        `mapstructure:"ledger"`
	Observability rawObservabilityConfig `mapstructure:"observability"`
}

type rawConnectionConfig struct {
	ConnectTimeoutSeconds   int `mapstructure:"connectTimeoutSeconds"`
	PingTimeoutSeconds      int `mapstructure:"pingTimeoutSeconds"`
	AttachRetries           int `mapstructure:"attachRetries"`
	AttachRetryDelaySeconds int `mapstructure:"attachRetryDelaySeconds"`
}

type rawGatewayConfig struct {
	ToolCacheTTLSeconds     int `mapstructure:"toolCacheTTLSeconds"`
	ListToolsTimeoutSeconds int `mapstructure:"listToolsTimeoutSeconds"`
}

type rawLedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
	EnableHealthz bool   `mapstructure:"enableHealthz"`
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newRuntimeViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("connection.connectTimeoutSeconds", DefaultConnectTimeoutSeconds)
	v.SetDefault("connection.pingTimeoutSeconds", DefaultPingTimeoutSeconds)
	v.SetDefault("connection.attachRetries", DefaultAttachRetries)
	v.SetDefault("connection.attachRetryDelaySeconds", DefaultAttachRetryDelaySeconds)
	v.SetDefault("gateway.toolCacheTTLSeconds", DefaultToolCacheTTLSeconds)
	v.SetDefault("gateway.listToolsTimeoutSeconds", DefaultListToolsTimeoutSeconds)
	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", DefaultLedgerPath)
	v.SetDefault("observability.listenAddress", DefaultObservabilityListenAddr)
	v.SetDefault("observability.enableMetrics", true)
	v.SetDefault("observability.enableHealthz", true)
}

// Load reads, decodes and validates the config file at path. A missing
// path yields the defaults.
func (l *Loader) Load(path string) (Config, error) {
	v := newRuntimeViper()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg, errs := normalize(raw)
	if len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}
	return cfg, nil
}

func normalize(raw rawConfig) (Config, []string) {
	var errs []string

	if raw.Connection.ConnectTimeoutSeconds <= 0 {
		errs = append(errs, "connection.connectTimeoutSeconds must be > 0")
	}
	if raw.Connection.PingTimeoutSeconds <= 0 {
		errs = append(errs, "connection.pingTimeoutSeconds must be > 0")
	}
	if raw.Connection.AttachRetries < 1 {
		errs = append(errs, "connection.attachRetries must be >= 1")
	}
	if raw.Connection.AttachRetryDelaySeconds < 0 {
		errs = append(errs, "connection.attachRetryDelaySeconds must be >= 0")
	}
	if raw.Gateway.ToolCacheTTLSeconds <= 0 {
		errs = append(errs, "gateway.toolCacheTTLSeconds must be > 0")
	}
	if raw.Gateway.ListToolsTimeoutSeconds <= 0 {
		errs = append(errs, "gateway.listToolsTimeoutSeconds must be > 0")
	}

	ledgerPath := strings.TrimSpace(raw.Ledger.Path)
	if raw.Ledger.Enabled && ledgerPath == "" {
		errs = append(errs, "ledger.path is required when ledger.enabled is true")
	}

	listenAddr := strings.TrimSpace(raw.Observability.ListenAddress)
	if listenAddr == "" {
		listenAddr = DefaultObservabilityListenAddr
	}

	return Config{
		Connection: ConnectionConfig{
			ConnectTimeoutSeconds:   raw.Connection.ConnectTimeoutSeconds,
			PingTimeoutSeconds:      raw.Connection.PingTimeoutSeconds,
			AttachRetries:           raw.Connection.AttachRetries,
			AttachRetryDelaySeconds: raw.Connection.AttachRetryDelaySeconds,
		},
		Gateway: GatewayConfig{
			ToolCacheTTLSeconds:     raw.Gateway.ToolCacheTTLSeconds,
			ListToolsTimeoutSeconds: raw.Gateway.ListToolsTimeoutSeconds,
		},
		Ledger: LedgerConfig{
			Enabled: raw.Ledger.Enabled,
			Path:    ledgerPath,
		},
		Observability: ObservabilityConfig{
			ListenAddress: listenAddr,
			EnableMetrics: raw.Observability.EnableMetrics,
			EnableHealthz: raw.Observability.EnableHealthz,
		},
	}, errs
}

// Dump renders the normalized config as YAML, for `mcpgated validate`.
func Dump(cfg Config) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(out), nil
}

package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"
)

type ServerCfg struct {
	Host                string   `mapstructure:"host" yaml:"host"`
	Port                string   `mapstructure:"port" yaml:"port"`
	ReadTimeoutSeconds  int      `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	CORSOrigins         []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
	EdgeRequestsPerMin  int      `mapstructure:"edge_requests_per_min" yaml:"edge_requests_per_min,omitempty"`
}

type PostgresCfg struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type SecurityCfg struct {
	// BcryptCost tunes the adaptive key hash. 0 means the bcrypt default.
	BcryptCost      int    `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
	IPHashPepper    string `mapstructure:"ip_hash_pepper" yaml:"ip_hash_pepper"`
	ManagementToken string `mapstructure:"management_token" yaml:"management_token"`
}

type BillingCfg struct {
	WebhookSecret       string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	APIBaseURL          string `mapstructure:"api_base_url" yaml:"api_base_url"`
	APIKey              string `mapstructure:"api_key" yaml:"api_key"`
	PortalReturnURL     string `mapstructure:"portal_return_url" yaml:"portal_return_url"`
	SignatureToleranceS int    `mapstructure:"signature_tolerance_seconds" yaml:"signature_tolerance_seconds"`
}

type LimitsCfg struct {
	MaxActiveKeysPerOwner int `mapstructure:"max_active_keys_per_owner" yaml:"max_active_keys_per_owner"`
}

type Config struct {
	Environment string      `mapstructure:"environment" yaml:"environment"`
	Server      ServerCfg   `mapstructure:"server" yaml:"server"`
	Postgres    PostgresCfg `mapstructure:"postgres" yaml:"postgres"`
	LogStore    PostgresCfg `mapstructure:"log_store" yaml:"log_store"`
	Redis       RedisCfg    `mapstructure:"redis" yaml:"redis"`
	Security    SecurityCfg `mapstructure:"security" yaml:"security"`
	Billing     BillingCfg  `mapstructure:"billing" yaml:"billing"`
	Limits      LimitsCfg   `mapstructure:"limits" yaml:"limits"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return &cfg, nil
}

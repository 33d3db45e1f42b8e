// Package config loads vitalog settings from defaults, an optional YAML file
// and VITALOG_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/dukerupert/vitalog/internal/fieldcrypt"
)

const (
	envPrefix       = "VITALOG_"
	configFileEnv   = envPrefix + "CONFIG"
	minSecretLength = 16
)

type Config struct {
	Port      string `koanf:"port"`
	DBPath    string `koanf:"db_path"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	SecretKey     string `koanf:"secret_key"`
	EncryptionKey string `koanf:"encryption_key"`
	BcryptCost    int    `koanf:"bcrypt_cost"`

	BackupDir           string `koanf:"backup_dir"`
	BackupPassphrase    string `koanf:"backup_passphrase"`
	BackupSchedule      string `koanf:"backup_schedule"`
	BackupRetentionDays int    `koanf:"backup_retention_days"`

	S3Endpoint  string `koanf:"s3_endpoint"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`

	GeminiAPIKey  string `koanf:"gemini_api_key"`
	GeminiModel   string `koanf:"gemini_model"`
	GeminiBaseURL string `koanf:"gemini_base_url"`

	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	TrustedProxies  []string      `koanf:"trusted_proxies"`
}

// Default returns the configuration used when nothing overrides it. Secrets
// have no default.
func Default() Config {
	return Config{
		Port:                "8080",
		DBPath:              "health_metrics.db",
		LogLevel:            "info",
		LogFormat:           "text",
		BcryptCost:          12,
		BackupDir:           "backups",
		BackupRetentionDays: 30,
		S3Region:            "us-east-1",
		GeminiModel:         "gemini-2.0-flash",
		GeminiBaseURL:       "https://generativelanguage.googleapis.com/v1beta",
		CleanupInterval:     time.Hour,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Load builds a Config from environ (usually os.Environ()). When
// VITALOG_CONFIG names a YAML file it is read before the environment.
func Load(environ []string) (*Config, error) {
	k := koanf.New(".")

	if path := lookup(environ, configFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			if key == "config" {
				return "", nil
			}
			return key, value
		},
		EnvironFunc: func() []string { return environ },
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	err = k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func lookup(environ []string, name string) string {
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, name+"="); ok {
			return v
		}
	}
	return ""
}

// Validate reports every problem that would stop the server from starting.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if len(c.SecretKey) < minSecretLength {
		errs = append(errs, fmt.Errorf("secret_key must be at least %d characters", minSecretLength))
	}
	if _, err := fieldcrypt.ParseKey(c.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("encryption_key: %w (generate one with `vitalog genkey`)", err))
	}
	if c.BackupRetentionDays < 0 {
		errs = append(errs, errors.New("backup_retention_days must not be negative"))
	}
	if c.BackupSchedule != "" {
		if _, err := cron.ParseStandard(c.BackupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("backup_schedule: %w", err))
		}
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("trusted_proxies: %w", err))
	}
	if c.S3Bucket != "" && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		errs = append(errs, errors.New("s3_bucket requires s3_access_key and s3_secret_key"))
	}

	return errors.Join(errs...)
}

// FieldKey returns the decoded field encryption key.
func (c *Config) FieldKey() ([]byte, error) {
	return fieldcrypt.ParseKey(c.EncryptionKey)
}

// TrustedProxyPrefixes parses trusted_proxies. Entries are CIDR ranges or
// single addresses.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

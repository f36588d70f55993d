package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hpcide/orchestrator/internal/clusterconfig"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range ServeOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hpcide/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with HPCIDE_ and use
	// underscores in place of dots (e.g. HPCIDE_SERVER_ADDRESS).
	v.SetEnvPrefix("HPCIDE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch val := o.Default.(type) {
		case string:
			fs.String(o.Flag, val, o.Description)
		case int:
			fs.Int(o.Flag, val, o.Description)
		case bool:
			fs.Bool(o.Flag, val, o.Description)
		case []string:
			fs.StringSlice(o.Flag, val, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, val, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ServerAddress returns the HTTP listen address.
func (c *Config) ServerAddress() string { return c.v.GetString(keyServerAddress) }

// ServerAllowedOrigins returns the list of allowed CORS origins.
func (c *Config) ServerAllowedOrigins() []string { return c.v.GetStringSlice(keyServerAllowedOrigins) }

// StatusCacheTTL returns the cluster status cache's TTL.
func (c *Config) StatusCacheTTL() time.Duration { return c.v.GetDuration(keyStatusCacheTTL) }

// JWTSecret returns the secret used to derive v3 keystore encryption
// keys, as raw bytes ready for keystore.EncryptV3/Decrypt.
func (c *Config) JWTSecret() []byte { return []byte(c.v.GetString(keyAuthJWTSecret)) }

// AdminKeyPath returns the fallback SSH private key path, or "" if
// unconfigured.
func (c *Config) AdminKeyPath() string { return c.v.GetString(keyAuthAdminKeyPath) }

// SessionKeysDir returns the directory session identity files are
// materialized into.
func (c *Config) SessionKeysDir() string { return c.v.GetString(keySessionKeysDir) }

// SessionKeysTTL returns the configured session identity file
// lifetime, or 0 to select keystore's own default.
func (c *Config) SessionKeysTTL() time.Duration { return c.v.GetDuration(keySessionKeysTTL) }

// UserstorePath returns the path to the user record SQLite database.
func (c *Config) UserstorePath() string { return c.v.GetString(keyUserstorePath) }

// AnalyticsPath returns the path to the usage analytics SQLite
// database.
func (c *Config) AnalyticsPath() string { return c.v.GetString(keyAnalyticsPath) }

// ClusterRegistryPath returns the path to the cluster registry YAML
// file.
func (c *Config) ClusterRegistryPath() string { return c.v.GetString(keyClusterRegistryPath) }

// LoadClusterRegistry reads ClusterRegistryPath into a fresh
// clusterconfig.Registry. It uses its own viper instance, separate
// from c's, because the cluster registry is its own file with its own
// "clusters" top-level key, not a section of config.yaml.
func (c *Config) LoadClusterRegistry() (*clusterconfig.Registry, error) {
	cv := viper.New()
	cv.SetConfigFile(c.ClusterRegistryPath())
	if err := cv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading cluster registry %q: %w", c.ClusterRegistryPath(), err)
	}
	return clusterconfig.Load(cv)
}

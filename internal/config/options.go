package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ServeOptions defines every configuration entry the "serve" command
// accepts. Each entry is registered as a viper default and a CLI flag.
var ServeOptions = []Option{
	{Key: keyServerAddress, Flag: toFlag(keyServerAddress), Default: ":8080", Description: "HTTP listen address"},
	{Key: keyServerAllowedOrigins, Flag: toFlag(keyServerAllowedOrigins), Default: []string{}, Description: "Allowed CORS origins"},

	{Key: keyStatusCacheTTL, Flag: toFlag(keyStatusCacheTTL), Default: 30 * time.Minute, Description: "Cluster status cache TTL"},

	{Key: keyAuthJWTSecret, Flag: toFlag(keyAuthJWTSecret), Default: "", Description: "Secret used to derive v3 keystore encryption keys and sign session tokens"},
	{Key: keyAuthAdminKeyPath, Flag: toFlag(keyAuthAdminKeyPath), Default: "", Description: "Fallback SSH private key for users with no key of their own"},

	{Key: keySessionKeysDir, Flag: toFlag(keySessionKeysDir), Default: "/run/hpcide/keys", Description: "Directory for materialized per-session SSH identity files"},
	{Key: keySessionKeysTTL, Flag: toFlag(keySessionKeysTTL), Default: 0 * time.Second, Description: "Session identity file lifetime (0 selects the package default)"},

	{Key: keyClusterRegistryPath, Flag: toFlag(keyClusterRegistryPath), Default: "/etc/hpcide/clusters.yaml", Description: "Path to the cluster registry YAML file"},

	{Key: keyUserstorePath, Flag: toFlag(keyUserstorePath), Default: "/var/lib/hpcide/users.db", Description: "Path to the user record SQLite database"},
	{Key: keyAnalyticsPath, Flag: toFlag(keyAnalyticsPath), Default: "/var/lib/hpcide/analytics.db", Description: "Path to the usage analytics SQLite database"},
}

// toFlag converts a viper key like "session_keys.ttl" into a CLI flag
// like "session-keys-ttl" by lower-casing and replacing dots and
// underscores with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}

// Package config provides unified configuration loading from a file,
// environment variables, and CLI flags using viper and pflag, the same
// three-source precedence the teacher's own internal/config builds.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix HPCIDE_)
//  3. Config file (config.yaml in . or /etc/hpcide/)
//  4. Compiled defaults
package config

// Viper keys for the orchestrator's single serve mode. The teacher
// splits server.* and agent.* because it ships two binaries; this
// system ships one, so every key lives under one flat namespace.
const (
	keyServerAddress        = "server.address"
	keyServerAllowedOrigins = "server.allowed_origins"

	keyStatusCacheTTL = "status_cache.ttl"

	keyAuthJWTSecret    = "auth.jwt_secret"
	keyAuthAdminKeyPath = "auth.admin_key_path"

	keySessionKeysDir = "session_keys.dir"
	keySessionKeysTTL = "session_keys.ttl"

	keyClusterRegistryPath = "cluster_registry.path"

	keyUserstorePath  = "userstore.path"
	keyAnalyticsPath  = "analytics.path"
)

// Package bootstrap loads the gateway process's own static configuration —
// listener addresses, the Postgres DSN, the Redis address, poll and probe
// intervals, log level. It never carries routes, services, rate limits or
// whitelist rules; those live exclusively in the relational config store and
// are loaded by internal/configloader.
package bootstrap

import "time"

// Config is the gateway process's static bootstrap configuration.
type Config struct {
	// ListenAddr is the address the proxy listener binds to.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address the Prometheus/health listener binds to.
	MetricsAddr string `yaml:"metrics_addr"`

	// PostgresDSN is the connection string for the config store and audit/metrics sinks.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is the address of the Redis instance backing the rate limiter.
	// Empty disables rate limiting entirely.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword is the optional Redis AUTH password.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the Redis logical database.
	RedisDB int `yaml:"redis_db"`

	// ConfigReloadInterval is the periodic config-store poll interval (§4.1 correctness floor).
	ConfigReloadInterval time.Duration `yaml:"config_reload_interval"`

	// ConfigReloadListen enables the Postgres LISTEN/NOTIFY fast path alongside the poll.
	ConfigReloadListen bool `yaml:"config_reload_listen"`

	// ConfigNotifyChannel is the Postgres NOTIFY channel the admin plane publishes to.
	ConfigNotifyChannel string `yaml:"config_notify_channel"`

	// HealthCheckInterval is the tick interval of the single background health prober.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// HealthCheckTimeout bounds each individual probe request.
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	// ProxyTimeout is the default upstream dispatch timeout when a route doesn't override it.
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogOutput is a file path, or "stdout"/"stderr".
	LogOutput string `yaml:"log_output"`
}

// DefaultConfig returns the bootstrap defaults applied before the YAML file is parsed.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
		RedisDB:              0,
		ConfigReloadInterval: 10 * time.Second,
		ConfigReloadListen:   false,
		ConfigNotifyChannel:  "karateway_config",
		HealthCheckInterval:  10 * time.Second,
		HealthCheckTimeout:   5 * time.Second,
		ProxyTimeout:         30 * time.Second,
		LogLevel:             "info",
		LogOutput:            "stdout",
	}
}

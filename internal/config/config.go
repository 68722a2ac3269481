// Package config binds CLI flags to matching environment variables via
// spf13/cobra and spf13/viper, in the style of clems4ever/ethereum-cache's
// command wiring (SPEC_FULL.md §9.3).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

// Config holds every tunable named in spec.md §6.
type Config struct {
	Port                  int           `mapstructure:"port"`
	UpstreamURLs          []string      `mapstructure:"upstreams"`
	DefaultTTL            time.Duration `mapstructure:"-"`
	DefaultTTLMillis      int           `mapstructure:"default_ttl_ms"`
	HealthInterval        time.Duration `mapstructure:"-"`
	HealthIntervalSecs    int           `mapstructure:"health_interval_secs"`
	UpstreamTimeout       time.Duration `mapstructure:"-"`
	UpstreamTimeoutSecs   int           `mapstructure:"upstream_timeout_secs"`
	MaxCacheEntries       int           `mapstructure:"max_cache_entries"`
	AuthToken             string        `mapstructure:"auth_token"`
	Verbose               bool          `mapstructure:"verbose"`
	MetricsPort           int           `mapstructure:"metrics_port"`
}

// Defaults per spec.md §6.
const (
	DefaultPort                = 9000
	DefaultUpstream            = "http://localhost:8545"
	DefaultTTLMillis           = 2000
	DefaultHealthIntervalSecs  = 1800
	DefaultUpstreamTimeoutSecs = 10
	DefaultMaxCacheEntries     = 10000
	DefaultMetricsPort         = 9090
)

// BindFlags registers every configuration flag on cmd and binds each to its
// matching GATEWAY_* environment variable, mirroring how
// clems4ever/ethereum-cache wires cobra to viper, generalized from a single
// config file to full flag/env parity.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()

	flags.Int("port", DefaultPort, "listening port")
	flags.String("upstreams", DefaultUpstream, "comma-separated list of upstream URLs in priority order")
	flags.Int("default-ttl-ms", DefaultTTLMillis, "default cache TTL in milliseconds")
	flags.Int("health-interval-secs", DefaultHealthIntervalSecs, "health probe interval in seconds")
	flags.Int("upstream-timeout-secs", DefaultUpstreamTimeoutSecs, "upstream request timeout in seconds")
	flags.Int("max-cache-entries", DefaultMaxCacheEntries, "maximum number of cache entries")
	flags.String("auth-token", "", "optional bearer token required on ingress requests")
	flags.Bool("verbose", false, "enable verbose (debug) logging")
	flags.Int("metrics-port", DefaultMetricsPort, "port for the /metrics endpoint")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, name := range []string{
		"port", "upstreams", "default-ttl-ms", "health-interval-secs",
		"upstream-timeout-secs", "max-cache-entries", "auth-token", "verbose", "metrics-port",
	} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}

	return nil
}

// Load reads every bound flag/env value out of v into a Config, splitting
// the comma-separated upstream list and converting the *_ms/*_secs integer
// fields into time.Duration for callers.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                v.GetInt("port"),
		DefaultTTLMillis:    v.GetInt("default-ttl-ms"),
		HealthIntervalSecs:  v.GetInt("health-interval-secs"),
		UpstreamTimeoutSecs: v.GetInt("upstream-timeout-secs"),
		MaxCacheEntries:     v.GetInt("max-cache-entries"),
		AuthToken:           v.GetString("auth-token"),
		Verbose:             v.GetBool("verbose"),
		MetricsPort:         v.GetInt("metrics-port"),
	}

	rawUpstreams := v.GetString("upstreams")
	for _, u := range strings.Split(rawUpstreams, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			cfg.UpstreamURLs = append(cfg.UpstreamURLs, u)
		}
	}

	if len(cfg.UpstreamURLs) == 0 {
		return nil, fmt.Errorf("at least one upstream URL is required")
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	cfg.DefaultTTL = time.Duration(cfg.DefaultTTLMillis) * time.Millisecond
	cfg.HealthInterval = time.Duration(cfg.HealthIntervalSecs) * time.Second
	cfg.UpstreamTimeout = time.Duration(cfg.UpstreamTimeoutSecs) * time.Second

	return cfg, nil
}

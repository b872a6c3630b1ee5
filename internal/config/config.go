package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all strata configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Registry RegistryConfig `yaml:"registry"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type NodeConfig struct {
	ID       string `yaml:"id"`       // generated at startup when empty
	Endpoint string `yaml:"endpoint"` // base URL peers use to reach this node
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // durable store; resolved via store.DefaultDir() when empty
}

type CacheConfig struct {
	Path          string `yaml:"path"`
	TTL           string `yaml:"ttl"`            // e.g. "30m"
	SweepInterval string `yaml:"sweep_interval"` // e.g. "1m"
}

type RegistryConfig struct {
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`  // per worker
	DeriveTier string `yaml:"derive_tier"` // "cached" or "ephemeral"
}

type ClusterConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Seeds             []string `yaml:"seeds"`
	ReplicationFactor int      `yaml:"replication_factor"`
	Quorum            string   `yaml:"quorum"` // "all" or "majority"
	PeerTimeout       string   `yaml:"peer_timeout"`
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
	SampleSize        int      `yaml:"sample_size"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Cache: CacheConfig{
			TTL:           "30m",
			SweepInterval: "1m",
		},
		Registry: RegistryConfig{
			Workers:    4,
			QueueSize:  256,
			DeriveTier: "cached",
		},
		Cluster: ClusterConfig{
			ReplicationFactor: 2,
			Quorum:            "all",
			PeerTimeout:       "2s",
			HeartbeatInterval: "5s",
			SampleSize:        3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults, then applies STRATA_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("STRATA_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := getenv("STRATA_ENDPOINT"); v != "" {
		c.Node.Endpoint = v
	}
	if v := getenv("STRATA_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := getenv("STRATA_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := getenv("STRATA_DB"); v != "" {
		c.Database.Path = v
	}
	if v := getenv("STRATA_CACHE_DB"); v != "" {
		c.Cache.Path = v
	}
	if v := getenv("STRATA_SEEDS"); v != "" {
		c.Cluster.Enabled = true
		c.Cluster.Seeds = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Cluster.Seeds = append(c.Cluster.Seeds, s)
			}
		}
	}
	if v := getenv("STRATA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects values the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Registry.Workers <= 0 {
		errs = append(errs, fmt.Errorf("registry.workers must be positive"))
	}
	switch c.Registry.DeriveTier {
	case "cached", "ephemeral":
	default:
		errs = append(errs, fmt.Errorf("registry.derive_tier %q: want cached or ephemeral", c.Registry.DeriveTier))
	}
	switch c.Cluster.Quorum {
	case "all", "majority":
	default:
		errs = append(errs, fmt.Errorf("cluster.quorum %q: want all or majority", c.Cluster.Quorum))
	}
	if c.Cluster.ReplicationFactor < 0 {
		errs = append(errs, fmt.Errorf("cluster.replication_factor must not be negative"))
	}
	for name, d := range map[string]string{
		"cache.ttl":                  c.Cache.TTL,
		"cache.sweep_interval":       c.Cache.SweepInterval,
		"cluster.peer_timeout":       c.Cluster.PeerTimeout,
		"cluster.heartbeat_interval": c.Cluster.HeartbeatInterval,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// AdvertisedEndpoint is the URL peers should use for this node.
func (c *Config) AdvertisedEndpoint() string {
	if c.Node.Endpoint != "" {
		return strings.TrimRight(c.Node.Endpoint, "/")
	}
	return "http://" + c.ListenAddr()
}

// Duration parses s, falling back to def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

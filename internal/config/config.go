// Package config loads the immutable process configuration of a relaydb
// node from defaults, an optional config file, environment variables and
// command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/exp/slices"

	"github.com/dreamware/relaydb/internal/cluster"
	"github.com/dreamware/relaydb/internal/shard"
	"github.com/dreamware/relaydb/internal/storage"
)

// Config is built once at startup and passed by value afterwards.
type Config struct {
	NodeID      string
	Host        string
	PublicURL   string
	ClusterURLs []string
	Role        cluster.Role

	Port          int
	FragmentCount int
	ShardStrategy string
	Replicate     bool

	StoreBackend string
	StoreAddr    string
	// QueuePath is the bbolt file of the retry queue when the store is not
	// itself bolt. Empty keeps the queue in memory.
	QueuePath string

	RequestTimeout    time.Duration
	DiscoveryInterval time.Duration
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	BreakerFailures   int
	BreakerOpenFor    time.Duration

	RetryInterval    time.Duration
	RetryBatch       int
	RetryMaxAttempts int
	RetryMinBackoff  time.Duration
	RetryMaxBackoff  time.Duration

	LogLevel  string
	LogFormat string
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper, role cluster.Role) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("role", string(role))
	v.SetDefault("cluster_nodes", "")
	v.SetDefault("fragment_count", 3)
	v.SetDefault("shard_strategy", shard.StrategyHash)
	v.SetDefault("store_backend", storage.BackendMemory)
	v.SetDefault("store_addr", "")
	v.SetDefault("queue_path", "")
	v.SetDefault("request_timeout", 5*time.Second)
	v.SetDefault("discovery_interval", 60*time.Second)
	v.SetDefault("sweep_interval", 15*time.Second)
	v.SetDefault("breaker_failures", 5)
	v.SetDefault("breaker_open_for", 30*time.Second)
	v.SetDefault("retry_interval", 10*time.Second)
	v.SetDefault("retry_batch", 100)
	v.SetDefault("retry_max_attempts", 10)
	v.SetDefault("retry_min_backoff", 500*time.Millisecond)
	v.SetDefault("retry_max_backoff", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "logfmt")
}

// Load reads the configuration. args are the command line arguments
// without the program name; role is the default role of the binary.
func Load(args []string, role cluster.Role) (Config, error) {
	fs := pflag.NewFlagSet("relaydb", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a yaml, json or toml config file")
	fs.String("role", string(role), "node role: peer, central or fragment")
	fs.Int("port", 8080, "listen port")
	fs.String("cluster-nodes", "", "comma separated seed urls")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, role)
	v.AutomaticEnv()
	for key, flag := range map[string]string{"role": "role", "port": "port", "cluster_nodes": "cluster-nodes"} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Config{
		NodeID:            v.GetString("node_id"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		PublicURL:         cluster.NormalizeURL(v.GetString("public_url")),
		ClusterURLs:       cluster.SplitURLs(v.GetString("cluster_nodes")),
		Role:              cluster.Role(strings.ToLower(v.GetString("role"))),
		FragmentCount:     v.GetInt("fragment_count"),
		ShardStrategy:     strings.ToLower(v.GetString("shard_strategy")),
		StoreBackend:      strings.ToLower(v.GetString("store_backend")),
		StoreAddr:         v.GetString("store_addr"),
		QueuePath:         v.GetString("queue_path"),
		RequestTimeout:    v.GetDuration("request_timeout"),
		DiscoveryInterval: v.GetDuration("discovery_interval"),
		SweepInterval:     v.GetDuration("sweep_interval"),
		StaleAfter:        v.GetDuration("stale_after"),
		BreakerFailures:   v.GetInt("breaker_failures"),
		BreakerOpenFor:    v.GetDuration("breaker_open_for"),
		RetryInterval:     v.GetDuration("retry_interval"),
		RetryBatch:        v.GetInt("retry_batch"),
		RetryMaxAttempts:  v.GetInt("retry_max_attempts"),
		RetryMinBackoff:   v.GetDuration("retry_min_backoff"),
		RetryMaxBackoff:   v.GetDuration("retry_max_backoff"),
		LogLevel:          strings.ToLower(v.GetString("log_level")),
		LogFormat:         strings.ToLower(v.GetString("log_format")),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.PublicURL == "" {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		cfg.PublicURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.DiscoveryInterval
	}
	// Fragments only replicate when asked to.
	if v.IsSet("replicate") {
		cfg.Replicate = v.GetBool("replicate")
	} else {
		cfg.Replicate = cfg.Role != cluster.RoleFragment
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !slices.Contains(storage.Backends, c.StoreBackend) {
		return fmt.Errorf("invalid store backend: %q", c.StoreBackend)
	}
	if c.Role == cluster.RoleCentral {
		if c.FragmentCount <= 0 {
			return fmt.Errorf("fragment count must be greater than 0, got %d", c.FragmentCount)
		}
		switch c.ShardStrategy {
		case shard.StrategyHash, shard.StrategyRoundRobin:
		default:
			return fmt.Errorf("invalid shard strategy: %q", c.ShardStrategy)
		}
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be greater than 0")
	}
	if c.DiscoveryInterval <= 0 || c.SweepInterval <= 0 || c.RetryInterval <= 0 {
		return errors.New("discovery, sweep and retry intervals must be greater than 0")
	}
	if c.RetryBatch <= 0 || c.RetryMaxAttempts <= 0 {
		return errors.New("retry batch and max attempts must be greater than 0")
	}
	if c.BreakerFailures < 0 {
		return fmt.Errorf("invalid breaker failures: %d", c.BreakerFailures)
	}
	switch c.LogFormat {
	case "logfmt", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.LogFormat)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Network     NetworkConfig     `toml:"network"`
	Resources   ResourcesConfig   `toml:"resources"`
	Cache       CacheConfig       `toml:"cache"`
	Database    DatabaseConfig    `toml:"database"`
	Constraints ConstraintsConfig `toml:"constraints"`
	RPC         RPCConfig         `toml:"rpc"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Name      string `toml:"name"`
	Side      string `toml:"side"` // "server" or "client"; selects which manifest scripts run
	StartTime int64  // set at boot, not from config
}

type NetworkConfig struct {
	BindAddress      string        `toml:"bind_address"`
	TickRate         time.Duration `toml:"tick_rate"`
	PeerTimeout      time.Duration `toml:"peer_timeout"`
	PacketsPerSecond int           `toml:"packets_per_second"` // 0 = unlimited
	PacketBurst      int           `toml:"packet_burst"`
	OutQueueSize     int           `toml:"out_queue_size"`
}

type ResourcesConfig struct {
	Paths  []string `toml:"paths"`  // directories scanned for resources at boot
	Ensure []string `toml:"ensure"` // started after loading, in order
	URLs   []string `toml:"urls"`   // remote resource indexes mounted through the cache
}

type CacheConfig struct {
	Dir             string        `toml:"dir"`
	VerifiedEntries int           `toml:"verified_entries"`
	DownloadTimeout time.Duration `toml:"download_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"` // empty disables the cache index
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type ConstraintsConfig struct {
	Enforcing bool              `toml:"enforcing"`
	Ints      map[string]int    `toml:"ints"`
	Bools     map[string]bool   `toml:"bools"`
	Strings   map[string]string `toml:"strings"`
}

type RPCConfig struct {
	Natives string `toml:"natives"` // path to the RPC native configuration JSON; empty disables
}

type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"` // empty disables the /metrics listener
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := defaults()
	cfg.Server.StartTime = time.Now().Unix()
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "fxcore",
			Side: "server",
		},
		Network: NetworkConfig{
			BindAddress:      "0.0.0.0:30120",
			TickRate:         50 * time.Millisecond,
			PeerTimeout:      30 * time.Second,
			PacketsPerSecond: 400,
			PacketBurst:      100,
			OutQueueSize:     256,
		},
		Resources: ResourcesConfig{
			Paths: []string{"resources"},
		},
		Cache: CacheConfig{
			Dir:             "cache",
			VerifiedEntries: 4096,
			DownloadTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Constraints: ConstraintsConfig{
			Enforcing: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

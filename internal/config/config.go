// Package config provides a reusable loader for node configuration files
// and environment variables, in the shape the orchestrator hands off to
// identity, storage, governor, replication, and transport construction.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"memnet/internal/pkgutil"
)

// Config is the unified configuration for a memnet node.
type Config struct {
	Identity struct {
		KeyFile string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"identity" json:"identity"`

	Network struct {
		ListenAddr             string        `mapstructure:"listen_addr" json:"listen_addr"`
		IdleTimeout            time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
		KeepAlivePeriod        time.Duration `mapstructure:"keep_alive_period" json:"keep_alive_period"`
		MaxStreamsPerConn      int           `mapstructure:"max_streams_per_conn" json:"max_streams_per_conn"`
		MaxConnsPerIP          int           `mapstructure:"max_conns_per_ip" json:"max_conns_per_ip"`
		DialTimeout            time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
		RequestTimeout         time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
		MaxInflightPerProtocol int           `mapstructure:"max_inflight_per_protocol" json:"max_inflight_per_protocol"`
	} `mapstructure:"network" json:"network"`

	Governor struct {
		HotMin           int           `mapstructure:"hot_min" json:"hot_min"`
		HotMax           int           `mapstructure:"hot_max" json:"hot_max"`
		WarmMin          int           `mapstructure:"warm_min" json:"warm_min"`
		WarmMax          int           `mapstructure:"warm_max" json:"warm_max"`
		ColdMax          int           `mapstructure:"cold_max" json:"cold_max"`
		TickInterval     time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
		DeadPeerTimeout  time.Duration `mapstructure:"dead_peer_timeout" json:"dead_peer_timeout"`
		StaleItemWindow  time.Duration `mapstructure:"stale_item_window" json:"stale_item_window"`
		WarmTenureMin    time.Duration `mapstructure:"warm_tenure_min" json:"warm_tenure_min"`
		ChurnFraction    float64       `mapstructure:"churn_fraction" json:"churn_fraction"`
		ChurnInterval    time.Duration `mapstructure:"churn_interval" json:"churn_interval"`
		ScoreAlpha       float64       `mapstructure:"score_alpha" json:"score_alpha"`
		BanBase          time.Duration `mapstructure:"ban_base" json:"ban_base"`
		BanCap           time.Duration `mapstructure:"ban_cap" json:"ban_cap"`
		BanMemoryWindow  time.Duration `mapstructure:"ban_memory_window" json:"ban_memory_window"`
	} `mapstructure:"governor" json:"governor"`

	Storage struct {
		DBPath          string        `mapstructure:"db_path" json:"db_path"`
		RetentionWindow time.Duration `mapstructure:"retention_window" json:"retention_window"`
		GCInterval      time.Duration `mapstructure:"gc_interval" json:"gc_interval"`
	} `mapstructure:"storage" json:"storage"`

	Capabilities struct {
		TransparentRelay bool `mapstructure:"transparent_relay" json:"transparent_relay"`
		DynamicRelay     bool `mapstructure:"dynamic_relay" json:"dynamic_relay"`
		Bootnode         bool `mapstructure:"bootnode" json:"bootnode"`
		Keeper           bool `mapstructure:"keeper" json:"keeper"`
	} `mapstructure:"capabilities" json:"capabilities"`

	Bootnodes []BootNode `mapstructure:"bootnodes" json:"bootnodes"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// BootNode is a seed peer dialed on startup (spec §4.1 cold-start).
type BootNode struct {
	NodeID string `mapstructure:"node_id" json:"node_id"`
	Addr   string `mapstructure:"addr" json:"addr"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the named config file (and an optional environment overlay)
// and environment-variable overrides into AppConfig.
func Load(path, env string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, pkgutil.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, pkgutil.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("MEMNET")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, pkgutil.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration from the file named by MEMNET_CONFIG,
// defaulting to "memnet.yaml" in the working directory.
func LoadFromEnv() (*Config, error) {
	path := pkgutil.EnvOrDefault("MEMNET_CONFIG", "memnet.yaml")
	return Load(path, pkgutil.EnvOrDefault("MEMNET_ENV", ""))
}

func applyDefaults(c *Config) {
	if c.Identity.KeyFile == "" {
		c.Identity.KeyFile = "node.key"
	}
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "0.0.0.0:4433"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "memnet.db"
	}
	if c.Governor.HotMax == 0 {
		c.Governor.HotMax = 32
	}
	if c.Governor.WarmMax == 0 {
		c.Governor.WarmMax = 128
	}
	if c.Governor.ColdMax == 0 {
		c.Governor.ColdMax = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Package config provides configuration loading and validation for the
// stratum proxy: a YAML file (with environment variable expansion) layered
// under go-flags command-line and environment-variable bindings, matching
// the CLI surface named in the proxy's external interface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mining  MiningConfig  `yaml:"mining"`
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Node    NodeConfig    `yaml:"node"`
}

// ServerConfig holds TCP listener settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxConnections   int           `yaml:"max_connections"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	TLS              TLSConfig     `yaml:"tls"`
	Metrics          MetricsConfig `yaml:"metrics"`
}

// TLSConfig holds TLS settings for the listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus /metrics exposition settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MiningConfig holds job-construction and session-difficulty settings.
// There is no auto-retargeting engine: difficulty is a static per-session
// value adjustable only by mining.suggest_difficulty against a configured
// floor, per the proxy's non-goal of pool-style vardiff compatibility.
type MiningConfig struct {
	PayoutAddress     string        `yaml:"payout_address"`
	CoinbaseTag       string        `yaml:"coinbase_tag"`
	Testnet           bool          `yaml:"testnet"`
	InitialDifficulty float64       `yaml:"initial_difficulty"`
	MinDifficulty     float64       `yaml:"min_difficulty"`
	MaxDifficulty     float64       `yaml:"max_difficulty"`
	Extranonce1Size   int           `yaml:"extranonce1_size"`
	Extranonce2Size   int           `yaml:"extranonce2_size"`
	StaleJobGrace     time.Duration `yaml:"stale_job_grace"`
	VersionRollMask   uint32        `yaml:"version_roll_mask"`
}

// RedisConfig holds settings for the ephemeral presence/hashrate cache.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// StorageConfig holds settings for the durable block-found log.
type StorageConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Database         string        `yaml:"database"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// NodeConfig holds Bitcoin Core JSON-RPC connection settings.
type NodeConfig struct {
	RPCURL        string        `yaml:"rpc_url"`
	RPCUser       string        `yaml:"rpc_user"`
	RPCPassword   string        `yaml:"rpc_password"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CLIOptions is the go-flags surface: every field is also bindable via the
// matching environment variable, so a container deployment needs no file.
type CLIOptions struct {
	ConfigFile    string `short:"c" long:"config" env:"STRATUMPROXY_CONFIG" description:"path to a YAML config file"`
	ListenHost    string `long:"listen-host" env:"STRATUMPROXY_LISTEN_HOST" description:"stratum listener host"`
	ListenPort    int    `long:"listen-port" env:"STRATUMPROXY_LISTEN_PORT" description:"stratum listener port"`
	NodeRPCURL    string `long:"node-rpc-url" env:"STRATUMPROXY_NODE_RPC_URL" description:"Bitcoin Core JSON-RPC URL"`
	NodeRPCUser   string `long:"node-rpc-user" env:"STRATUMPROXY_NODE_RPC_USER" description:"Bitcoin Core RPC username"`
	NodeRPCPass   string `long:"node-rpc-pass" env:"STRATUMPROXY_NODE_RPC_PASS" description:"Bitcoin Core RPC password"`
	PayoutAddress string `long:"payout-address" env:"STRATUMPROXY_PAYOUT_ADDRESS" description:"coinbase payout address"`
	CoinbaseTag   string `long:"coinbase-tag" env:"STRATUMPROXY_COINBASE_TAG" description:"ASCII tag embedded in the coinbase scriptSig"`
	Testnet       bool   `long:"testnet" env:"STRATUMPROXY_TESTNET" description:"use testnet address/script parameters"`
	LogLevel      string `long:"log-level" env:"STRATUMPROXY_LOG_LEVEL" description:"debug, info, warn, or error"`
}

// ParseCLI parses os.Args (excluding argv[0]) into a CLIOptions value.
func ParseCLI(args []string) (*CLIOptions, error) {
	var opts CLIOptions
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Load builds a Config starting from defaults, layering in a YAML file (if
// cliOpts.ConfigFile is set), then applying any CLI/env overrides, and
// finally validating the result.
func Load(cliOpts *CLIOptions) (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)

	if cliOpts != nil && cliOpts.ConfigFile != "" {
		data, err := os.ReadFile(cliOpts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing file: %w", err)
		}
	}

	applyCLIOverrides(&cfg, cliOpts)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyCLIOverrides(cfg *Config, opts *CLIOptions) {
	if opts == nil {
		return
	}
	if opts.ListenHost != "" {
		cfg.Server.Host = opts.ListenHost
	}
	if opts.ListenPort != 0 {
		cfg.Server.Port = opts.ListenPort
	}
	if opts.NodeRPCURL != "" {
		cfg.Node.RPCURL = opts.NodeRPCURL
	}
	if opts.NodeRPCUser != "" {
		cfg.Node.RPCUser = opts.NodeRPCUser
	}
	if opts.NodeRPCPass != "" {
		cfg.Node.RPCPassword = opts.NodeRPCPass
	}
	if opts.PayoutAddress != "" {
		cfg.Mining.PayoutAddress = opts.PayoutAddress
	}
	if opts.CoinbaseTag != "" {
		cfg.Mining.CoinbaseTag = opts.CoinbaseTag
	}
	if opts.Testnet {
		cfg.Mining.Testnet = true
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3333
	cfg.Server.MaxConnections = 10000
	cfg.Server.ReadTimeout = 10 * time.Minute
	cfg.Server.WriteTimeout = time.Minute
	cfg.Server.HandshakeTimeout = 30 * time.Second
	cfg.Server.Metrics.Port = 9090

	cfg.Mining.CoinbaseTag = "/stratumproxy/"
	cfg.Mining.InitialDifficulty = 1.0
	cfg.Mining.MinDifficulty = 0.001
	cfg.Mining.MaxDifficulty = 1000000.0
	cfg.Mining.Extranonce1Size = 4
	cfg.Mining.Extranonce2Size = 4
	cfg.Mining.StaleJobGrace = 5 * time.Second
	cfg.Mining.VersionRollMask = 0x1fffe000

	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = 6379
	cfg.Redis.PoolSize = 100
	cfg.Redis.KeyPrefix = "stratumproxy:"
	cfg.Redis.WorkerTTL = 5 * time.Minute

	cfg.Storage.Host = "localhost"
	cfg.Storage.Port = 5432
	cfg.Storage.MaxConnections = 10
	cfg.Storage.MinConnections = 2
	cfg.Storage.ConnectTimeout = 10 * time.Second
	cfg.Storage.StatementTimeout = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	cfg.Node.PollInterval = time.Second
	cfg.Node.RequestTimeout = 10 * time.Second
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}

	if cfg.Mining.PayoutAddress == "" {
		return fmt.Errorf("mining.payout_address is required")
	}

	if cfg.Mining.MinDifficulty > cfg.Mining.MaxDifficulty {
		return fmt.Errorf("min_difficulty cannot be greater than max_difficulty")
	}

	if cfg.Mining.Extranonce1Size < 1 || cfg.Mining.Extranonce1Size > 8 {
		return fmt.Errorf("invalid extranonce1_size: %d", cfg.Mining.Extranonce1Size)
	}

	if cfg.Mining.Extranonce2Size != 4 {
		return fmt.Errorf("extranonce2_size must be 4, got %d", cfg.Mining.Extranonce2Size)
	}

	if cfg.Node.RPCURL == "" {
		return fmt.Errorf("node.rpc_url is required")
	}

	return nil
}

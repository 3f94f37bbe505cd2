package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for a compute node
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Node        NodeConfig       `mapstructure:"node"`
	Discovery   DiscoveryConfig  `mapstructure:"discovery"`
	Transport   TransportConfig  `mapstructure:"transport"`
	Execution   ExecutionConfig  `mapstructure:"execution"`
	Validation  ValidationConfig `mapstructure:"validation"`
	Heartbeat   HeartbeatConfig  `mapstructure:"heartbeat"`
	Content     ContentConfig    `mapstructure:"content"`
	Database    DatabaseConfig   `mapstructure:"database"`
}

// NodeConfig holds node identity and storage settings
type NodeConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
	WalletAddress string `mapstructure:"wallet_address"`
}

// DiscoveryConfig holds peer discovery settings
type DiscoveryConfig struct {
	EnableMdns      bool     `mapstructure:"enable_mdns"`
	EnableDht       bool     `mapstructure:"enable_dht"`
	BootstrapPeers  []string `mapstructure:"bootstrap_peers"`
	MinPeers        int      `mapstructure:"min_peers"`
	MaxPeers        int      `mapstructure:"max_peers"`
	DiscoveryTopics []string `mapstructure:"discovery_topics"`
}

// TransportConfig holds overlay transport settings
type TransportConfig struct {
	Port               int           `mapstructure:"port"`
	ListenAddrs        []string      `mapstructure:"listen_addrs"`
	AnnounceAddrs      []string      `mapstructure:"announce_addrs"`
	EnableTCP          bool          `mapstructure:"enable_tcp"`
	EnableWebSocket    bool          `mapstructure:"enable_websocket"`
	EnableWebRTC       bool          `mapstructure:"enable_webrtc"`
	EnableRelayClient  bool          `mapstructure:"enable_relay_client"`
	EnableRelayServer  bool          `mapstructure:"enable_relay_server"`
	EnableHolePunching bool          `mapstructure:"enable_hole_punching"`
	EnableUpnp         bool          `mapstructure:"enable_upnp"`
	PeerTimeout        time.Duration `mapstructure:"peer_timeout"`
}

// ExecutionConfig holds job execution settings
type ExecutionConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	AutoAcceptJobs    bool          `mapstructure:"auto_accept_jobs"`
	EnginePath        string        `mapstructure:"engine_path"`
	WorkDir           string        `mapstructure:"work_dir"`
	ExecTimeout       time.Duration `mapstructure:"exec_timeout"`
}

// ValidationConfig holds validator settings
type ValidationConfig struct {
	EnableValidator          bool     `mapstructure:"enable_validator"`
	MaxConcurrentValidations int      `mapstructure:"max_concurrent_validations"`
	ValidatorStake           float64  `mapstructure:"validator_stake"`
	SupportedValidationTypes []string `mapstructure:"supported_validation_types"`
}

// HeartbeatConfig holds heartbeat loop settings
type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	SignTelemetry bool          `mapstructure:"sign_telemetry"`
}

// ContentConfig holds content store settings
type ContentConfig struct {
	CacheDir     string        `mapstructure:"cache_dir"`
	MaxProviders int           `mapstructure:"max_providers"`
	ChunkTimeout time.Duration `mapstructure:"chunk_timeout"`
	GCRetention  time.Duration `mapstructure:"gc_retention"`
}

// DatabaseConfig holds metadata store settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	Embedded bool          `mapstructure:"embedded"`
	Port     int           `mapstructure:"port"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("P2P")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("node.data_dir", "./data")

	v.SetDefault("discovery.enable_mdns", true)
	v.SetDefault("discovery.enable_dht", true)
	v.SetDefault("discovery.min_peers", 3)
	v.SetDefault("discovery.max_peers", 50)
	v.SetDefault("discovery.discovery_topics", []string{"compute-peers"})

	v.SetDefault("transport.port", 9000)
	v.SetDefault("transport.enable_tcp", true)
	v.SetDefault("transport.enable_websocket", false)
	v.SetDefault("transport.enable_webrtc", false)
	v.SetDefault("transport.enable_relay_client", true)
	v.SetDefault("transport.enable_hole_punching", true)
	v.SetDefault("transport.enable_upnp", true)
	v.SetDefault("transport.peer_timeout", "30s")

	v.SetDefault("execution.max_concurrent_jobs", 2)
	v.SetDefault("execution.auto_accept_jobs", false)
	v.SetDefault("execution.work_dir", "work")
	v.SetDefault("execution.exec_timeout", "10m")

	v.SetDefault("validation.enable_validator", false)
	v.SetDefault("validation.max_concurrent_validations", 4)
	v.SetDefault("validation.validator_stake", 0)
	v.SetDefault("validation.supported_validation_types", []string{
		"hash-verification",
		"output-comparison",
	})

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.sign_telemetry", true)

	v.SetDefault("content.cache_dir", "content")
	v.SetDefault("content.max_providers", 5)
	v.SetDefault("content.chunk_timeout", "30s")
	v.SetDefault("content.gc_retention", "24h")

	v.SetDefault("database.embedded", true)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDiscovery(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if err := c.validateExecution(); err != nil {
		return fmt.Errorf("execution config: %w", err)
	}
	if err := c.validateValidation(); err != nil {
		return fmt.Errorf("validation config: %w", err)
	}
	if err := c.validateHeartbeat(); err != nil {
		return fmt.Errorf("heartbeat config: %w", err)
	}
	if err := c.validateContent(); err != nil {
		return fmt.Errorf("content config: %w", err)
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	if c.Discovery.MinPeers < 0 {
		return fmt.Errorf("min_peers cannot be negative")
	}
	if c.Discovery.MaxPeers < c.Discovery.MinPeers {
		return fmt.Errorf("max_peers (%d) cannot be less than min_peers (%d)",
			c.Discovery.MaxPeers, c.Discovery.MinPeers)
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Transport.Port)
	}
	if !c.Transport.EnableTCP && !c.Transport.EnableWebSocket && !c.Transport.EnableWebRTC &&
		len(c.Transport.ListenAddrs) == 0 {
		return fmt.Errorf("at least one transport must be enabled")
	}
	return nil
}

func (c *Config) validateExecution() error {
	if c.Execution.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}
	if c.Execution.AutoAcceptJobs && c.Execution.EnginePath == "" {
		return fmt.Errorf("engine_path is required when auto_accept_jobs is set")
	}
	return nil
}

func (c *Config) validateValidation() error {
	if c.Validation.MaxConcurrentValidations <= 0 {
		return fmt.Errorf("max_concurrent_validations must be positive")
	}
	if c.Validation.ValidatorStake < 0 {
		return fmt.Errorf("validator_stake cannot be negative")
	}
	return nil
}

func (c *Config) validateHeartbeat() error {
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

func (c *Config) validateContent() error {
	if c.Content.CacheDir == "" {
		return fmt.Errorf("cache_dir cannot be empty")
	}
	if c.Content.MaxProviders <= 0 {
		return fmt.Errorf("max_providers must be positive")
	}
	if c.Content.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk_timeout must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

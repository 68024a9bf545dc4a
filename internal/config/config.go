// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Smoke    SmokeConfig    `mapstructure:"smoke"`
	Traffic  TrafficConfig  `mapstructure:"traffic"`
	Security SecurityConfig `mapstructure:"security"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host" validate:"required"`
	Port         string        `mapstructure:"port" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// FleetConfig represents discovery and registry configuration
type FleetConfig struct {
	VendorID        string        `mapstructure:"vendor_id" validate:"required"`
	ProductID       string        `mapstructure:"product_id" validate:"required"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	RemovalDebounce int           `mapstructure:"removal_debounce"`
	USBTopology     bool          `mapstructure:"usb_topology"`
}

// SerialConfig represents per-endpoint serial configuration
type SerialConfig struct {
	BaudRate       int           `mapstructure:"baud_rate"`
	ReadPoll       time.Duration `mapstructure:"read_poll"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	CommandRetries int           `mapstructure:"command_retries"`
}

// SmokeConfig represents smoke test configuration
type SmokeConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	PassThreshold float64       `mapstructure:"pass_threshold"`
}

// TrafficConfig represents traffic log configuration
type TrafficConfig struct {
	RingCapacity int    `mapstructure:"ring_capacity"`
	ExportDir    string `mapstructure:"export_dir"`
}

// SecurityConfig represents HTTP security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variable support
	viper.SetEnvPrefix("SNIFFER_BENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file; the tool must come up with defaults alone
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8090")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// Fleet defaults
	viper.SetDefault("fleet.vendor_id", "1209")
	viper.SetDefault("fleet.product_id", "BABB")
	viper.SetDefault("fleet.scan_interval", "1s")
	viper.SetDefault("fleet.removal_debounce", 2)
	viper.SetDefault("fleet.usb_topology", true)

	// Serial defaults
	viper.SetDefault("serial.baud_rate", 115200)
	viper.SetDefault("serial.read_poll", "50ms")
	viper.SetDefault("serial.command_timeout", "2s")
	viper.SetDefault("serial.command_retries", 1)

	// Smoke test defaults
	viper.SetDefault("smoke.concurrency", 3)
	viper.SetDefault("smoke.step_timeout", "3s")
	viper.SetDefault("smoke.pass_threshold", 0.8)

	// Traffic log defaults
	viper.SetDefault("traffic.ring_capacity", 10000)
	viper.SetDefault("traffic.export_dir", "./logs")

	// Security defaults
	viper.SetDefault("security.allowed_origins", []string{"*"})

	// App defaults
	viper.SetDefault("app.name", "sniffer-bench")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Fleet.VendorID == "" {
		return fmt.Errorf("fleet.vendor_id is required")
	}
	if config.Fleet.ProductID == "" {
		return fmt.Errorf("fleet.product_id is required")
	}
	if config.Fleet.ScanInterval <= 0 {
		return fmt.Errorf("fleet.scan_interval must be positive")
	}
	if config.Fleet.RemovalDebounce < 1 {
		return fmt.Errorf("fleet.removal_debounce must be at least 1")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Smoke.Concurrency < 1 {
		return fmt.Errorf("smoke.concurrency must be at least 1")
	}
	if config.Smoke.PassThreshold <= 0 || config.Smoke.PassThreshold > 1 {
		return fmt.Errorf("smoke.pass_threshold must be in (0, 1]")
	}
	if config.Traffic.RingCapacity < 1 {
		return fmt.Errorf("traffic.ring_capacity must be at least 1")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}

// Package config provides configuration management for craftctl.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Minecraft MinecraftConfig `mapstructure:"minecraft"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Backup    BackupConfig    `mapstructure:"backup"`
	RCON      RCONConfig      `mapstructure:"rcon"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MinecraftConfig describes how the managed server is launched.
type MinecraftConfig struct {
	JavaPath     string   `mapstructure:"javaPath"`
	JarPath      string   `mapstructure:"jarPath"` // relative paths resolve against DataDir
	DataDir      string   `mapstructure:"dataDir"`
	WorldDir     string   `mapstructure:"worldDir"` // relative to DataDir
	MinMemory    string   `mapstructure:"minMemory"`
	MaxMemory    string   `mapstructure:"maxMemory"`
	ExtraArgs    []string `mapstructure:"extraArgs"`
	StopCommand  string   `mapstructure:"stopCommand"`
	AcceptEula   bool     `mapstructure:"acceptEula"`
	HistoryLines int      `mapstructure:"historyLines"`
}

// ConsoleConfig holds per-connection command admission settings.
type ConsoleConfig struct {
	RateWindowMs int `mapstructure:"rateWindowMs"`
	RateMax      int `mapstructure:"rateMax"`
}

// LogsConfig holds the persisted server output location.
type LogsConfig struct {
	Dir string `mapstructure:"dir"`
}

// BackupConfig holds backup storage and retention settings.
type BackupConfig struct {
	Dir         string `mapstructure:"dir"`
	RetainDays  int    `mapstructure:"retainDays"`
	RetainWeeks int    `mapstructure:"retainWeeks"`
	Interval    int    `mapstructure:"interval"` // in minutes, 0 disables the scheduler
	AutoMode    string `mapstructure:"autoMode"` // empty disables scheduled backups
}

// RCONConfig holds the remote console connection settings.
type RCONConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Timeout  int    `mapstructure:"timeout"` // in seconds
}

// AuthConfig lists the credential tokens accepted by the console and API.
type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig binds a token to the operator name recorded in the audit log.
// Kept as a list because viper lower-cases map keys.
type TokenConfig struct {
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// DatabaseConfig holds the audit/index database settings.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RateWindow returns the admission window as a time.Duration.
func (c *ConsoleConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMs) * time.Millisecond
}

// IntervalDuration returns the scheduler period, zero when disabled.
func (b *BackupConfig) IntervalDuration() time.Duration {
	return time.Duration(b.Interval) * time.Minute
}

// Addr returns host:port of the remote console.
func (r *RCONConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TimeoutDuration returns the dial/IO timeout as a time.Duration.
func (r *RCONConfig) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// WorldPath returns the absolute world directory.
func (m *MinecraftConfig) WorldPath() string {
	if filepath.IsAbs(m.WorldDir) {
		return m.WorldDir
	}
	return filepath.Join(m.DataDir, m.WorldDir)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CRAFTCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("minecraft.javaPath", "java")
	v.SetDefault("minecraft.jarPath", "server.jar")
	v.SetDefault("minecraft.dataDir", "./data/server")
	v.SetDefault("minecraft.worldDir", "world")
	v.SetDefault("minecraft.minMemory", "1G")
	v.SetDefault("minecraft.maxMemory", "2G")
	v.SetDefault("minecraft.extraArgs", []string{})
	v.SetDefault("minecraft.stopCommand", "stop")
	v.SetDefault("minecraft.acceptEula", false)
	v.SetDefault("minecraft.historyLines", 200)

	v.SetDefault("console.rateWindowMs", 5000)
	v.SetDefault("console.rateMax", 10)

	v.SetDefault("logs.dir", "./data/logs")

	v.SetDefault("backup.dir", "./data/backups")
	v.SetDefault("backup.retainDays", 7)
	v.SetDefault("backup.retainWeeks", 4)
	v.SetDefault("backup.interval", 60)
	v.SetDefault("backup.autoMode", "")

	v.SetDefault("rcon.enabled", false)
	v.SetDefault("rcon.host", "127.0.0.1")
	v.SetDefault("rcon.port", 25575)
	v.SetDefault("rcon.password", "")
	v.SetDefault("rcon.timeout", 5)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/craftctl.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "craftctl")
	v.SetDefault("nats.maxReconnects", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CRAFTCTL_ with "." replaced by "_".
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CRAFTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE.
	_ = v.BindEnv("minecraft.dataDir", "CRAFTCTL_MINECRAFT_DATA_DIR")
	_ = v.BindEnv("minecraft.jarPath", "CRAFTCTL_MINECRAFT_JAR_PATH")
	_ = v.BindEnv("minecraft.javaPath", "CRAFTCTL_MINECRAFT_JAVA_PATH")
	_ = v.BindEnv("rcon.password", "CRAFTCTL_RCON_PASSWORD", "RCON_PASSWORD")
	_ = v.BindEnv("database.path", "CRAFTCTL_DB_PATH")
	_ = v.BindEnv("database.driver", "CRAFTCTL_DB_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/craftctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MaxHistoryLines caps minecraft.historyLines. A console's send queue holds
// the whole replay, so console sizes its queue above this.
const MaxHistoryLines = 1000

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Minecraft.DataDir == "" {
		errs = append(errs, "minecraft.dataDir is required")
	}
	if cfg.Minecraft.JavaPath == "" {
		errs = append(errs, "minecraft.javaPath is required")
	}
	if cfg.Minecraft.HistoryLines < 0 || cfg.Minecraft.HistoryLines > MaxHistoryLines {
		errs = append(errs, fmt.Sprintf("minecraft.historyLines must be between 0 and %d", MaxHistoryLines))
	}

	if cfg.Console.RateWindowMs <= 0 {
		errs = append(errs, "console.rateWindowMs must be positive")
	}
	if cfg.Console.RateMax <= 0 {
		errs = append(errs, "console.rateMax must be positive")
	}

	if cfg.Backup.RetainDays < 0 || cfg.Backup.RetainWeeks < 0 {
		errs = append(errs, "backup retention must not be negative")
	}
	switch cfg.Backup.AutoMode {
	case "", "full", "world":
	default:
		errs = append(errs, "backup.autoMode must be one of: full, world")
	}

	if cfg.RCON.Enabled {
		if cfg.RCON.Port <= 0 || cfg.RCON.Port > 65535 {
			errs = append(errs, "rcon.port must be between 1 and 65535")
		}
		if cfg.RCON.Password == "" {
			errs = append(errs, "rcon.password is required when rcon is enabled")
		}
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/appvisor/internal/ecosystem"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	tlsx "github.com/loykin/appvisor/internal/tls"
	"github.com/spf13/viper"
)

const (
	DefaultListen        = "127.0.0.1:9615"
	DefaultBasePath      = "/api"
	DefaultMetricsListen = "127.0.0.1:9616"
)

// Config is the daemon configuration. Daemon sections are optional and
// live next to the apps list of the same file.
type Config struct {
	Server   ServerConfig
	Metrics  MetricsConfig
	Log      LogConfig
	Watch    WatchConfig
	History  []string // history sink DSNs
	Env      []string // global K=V applied to every app
	EnvFiles []string

	Apps []ecosystem.ManagedProcessSpec

	ConfigPath string
}

// FileConfig mirrors the daemon sections of the file.
type FileConfig struct {
	Server   *ServerConfig  `mapstructure:"server"`
	Metrics  *MetricsConfig `mapstructure:"metrics"`
	Log      *LogConfig     `mapstructure:"log"`
	Watch    *WatchConfig   `mapstructure:"watch"`
	History  []string       `mapstructure:"history"`
	Env      []string       `mapstructure:"env"`
	EnvFiles []string       `mapstructure:"env_files"`
	AppsFile string         `mapstructure:"apps_file"`
}

type ServerConfig struct {
	Enabled   bool        `mapstructure:"enabled"`
	Listen    string      `mapstructure:"listen"`
	BasePath  string      `mapstructure:"base_path"`
	Framework string      `mapstructure:"framework"` // gin | echo
	TLS       tlsx.Config `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"`
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text | json | color
	TimeStamps *bool  `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	ProcessDir string `mapstructure:"process_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoadConfig reads the daemon sections and the apps of path. Apps come from
// apps_file when it is set, otherwise from path itself.
func LoadConfig(path string) (*Config, error) {
	fc, err := readFileConfig(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ConfigPath: path,
		History:    fc.History,
		Env:        fc.Env,
		EnvFiles:   resolvePaths(path, fc.EnvFiles),
	}
	if fc.Server != nil {
		cfg.Server = *fc.Server
	}
	if fc.Metrics != nil {
		cfg.Metrics = *fc.Metrics
	}
	if fc.Log != nil {
		cfg.Log = *fc.Log
	}
	if fc.Watch != nil {
		cfg.Watch = *fc.Watch
	}
	applyDefaults(cfg)
	if err := validateDaemon(cfg); err != nil {
		return nil, err
	}

	appsPath := path
	if fc.AppsFile != "" {
		appsPath = resolvePaths(path, []string{fc.AppsFile})[0]
	}
	apps, err := ecosystem.LoadFile(appsPath)
	if err != nil {
		return nil, err
	}
	cfg.Apps = apps
	return cfg, nil
}

func readFileConfig(path string) (*FileConfig, error) {
	format, err := ecosystem.FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(string(format))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &fc, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = DefaultBasePath
	}
	if cfg.Server.Framework == "" {
		cfg.Server.Framework = "gin"
	}
	cfg.Server.Framework = strings.ToLower(cfg.Server.Framework)
	if cfg.Server.TLS.Dir != "" && !filepath.IsAbs(cfg.Server.TLS.Dir) {
		cfg.Server.TLS.Dir = resolvePaths(cfg.ConfigPath, []string{cfg.Server.TLS.Dir})[0]
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsListen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = string(logger.LevelInfo)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = string(logger.FormatText)
	}
}

func validateDaemon(cfg *Config) error {
	switch cfg.Server.Framework {
	case "gin", "echo":
	default:
		return fmt.Errorf("server.framework must be gin or echo, got %q", cfg.Server.Framework)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json", "color":
	default:
		return fmt.Errorf("log.format must be text, json or color, got %q", cfg.Log.Format)
	}
	if cfg.Metrics.Usage.Interval < 0 {
		return fmt.Errorf("metrics.usage.interval must not be negative")
	}
	if t := cfg.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("server.tls needs both cert_file and key_file")
	}
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	return nil
}

// resolvePaths makes relative paths relative to the config file's directory.
func resolvePaths(cfgPath string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	dir := filepath.Dir(cfgPath)
	out := make([]string, len(paths))
	for i, p := range paths {
		if p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		out[i] = p
	}
	return out
}

// LoggerConfig converts the log section to the logger package's settings.
func (c *Config) LoggerConfig() logger.Config {
	ts := true
	if c.Log.TimeStamps != nil {
		ts = *c.Log.TimeStamps
	}
	format := logger.Format(strings.ToLower(c.Log.Format))
	color := false
	if format == "color" {
		format, color = logger.FormatText, true
	}
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     format,
			Color:      color,
			TimeStamps: ts,
			Source:     c.Log.Source,
			File:       c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.ProcessDir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// GlobalEnv merges env_files in order, then the env list on top.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Lines starting with # are ignored, an
// "export " prefix is dropped and matching surrounding quotes are removed.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := unquote(strings.TrimSpace(line[i+1:]))
			m[k] = v
		}
	}
	return m, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

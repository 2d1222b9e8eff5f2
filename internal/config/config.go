// Package config loads the INI configuration file, applies the
// DEVICE_SERVER_* environment overrides, and watches the file for runtime
// changes.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Canonical storage modes. NormalizeMode folds the accepted aliases onto
// these.
const (
	ModeMemory = "memory"
	ModeMySQL  = "mysql"
	ModeHybrid = "hybrid"
)

// Config is the top-level configuration for the device server.
type Config struct {
	MySQL   MySQLConfig
	Server  ServerConfig
	Storage StorageConfig
}

// MySQLConfig covers the [mysql] section. TimeoutSec doubles as the dial
// timeout and the pool acquire timeout.
type MySQLConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	PoolMinSize int
	PoolMaxSize int
	TimeoutSec  int
}

// ServerConfig covers the [server] section. ThreadPoolSize <= 0 means size
// by CPU count; OpsPort 0 disables the operations listener.
type ServerConfig struct {
	Port           int
	ThreadPoolSize int
	OpsPort        int
	LogLevel       string
}

// StorageConfig covers the [storage] section. Mode is always one of the
// canonical modes after load. BatchSize 0 disables write batching.
type StorageConfig struct {
	Mode            string
	BatchSize       int
	BatchIntervalMs int
}

// envBindings maps every config key to its override variable. Empty
// environment values are ignored, matching the file-wins-over-empty rule.
var envBindings = [][2]string{
	{"mysql.host", "DEVICE_SERVER_MYSQL_HOST"},
	{"mysql.port", "DEVICE_SERVER_MYSQL_PORT"},
	{"mysql.user", "DEVICE_SERVER_MYSQL_USER"},
	{"mysql.password", "DEVICE_SERVER_MYSQL_PASSWORD"},
	{"mysql.database", "DEVICE_SERVER_MYSQL_DATABASE"},
	{"mysql.pool_size_min", "DEVICE_SERVER_MYSQL_POOL_MIN"},
	{"mysql.pool_size_max", "DEVICE_SERVER_MYSQL_POOL_MAX"},
	{"mysql.connect_timeout", "DEVICE_SERVER_MYSQL_TIMEOUT"},
	{"server.port", "DEVICE_SERVER_PORT"},
	{"server.thread_pool_size", "DEVICE_SERVER_THREADS"},
	{"server.log_level", "DEVICE_SERVER_LOG_LEVEL"},
	{"storage.mode", "DEVICE_SERVER_STORAGE_MODE"},
	{"storage.batch_size", "DEVICE_SERVER_BATCH_SIZE"},
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("ini")

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "device_data")
	v.SetDefault("mysql.pool_size_min", 5)
	v.SetDefault("mysql.pool_size_max", 20)
	v.SetDefault("mysql.connect_timeout", 5)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.thread_pool_size", 4)
	v.SetDefault("server.ops_port", 9090)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("storage.mode", ModeMemory)
	v.SetDefault("storage.batch_size", 0)
	v.SetDefault("storage.batch_interval_ms", 1000)

	for _, b := range envBindings {
		v.BindEnv(b[0], b[1])
	}
	return v
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		MySQL: MySQLConfig{
			Host:        v.GetString("mysql.host"),
			Port:        v.GetInt("mysql.port"),
			User:        v.GetString("mysql.user"),
			Password:    v.GetString("mysql.password"),
			Database:    v.GetString("mysql.database"),
			PoolMinSize: v.GetInt("mysql.pool_size_min"),
			PoolMaxSize: v.GetInt("mysql.pool_size_max"),
			TimeoutSec:  v.GetInt("mysql.connect_timeout"),
		},
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			ThreadPoolSize: v.GetInt("server.thread_pool_size"),
			OpsPort:        v.GetInt("server.ops_port"),
			LogLevel:       v.GetString("server.log_level"),
		},
		Storage: StorageConfig{
			Mode:            NormalizeMode(v.GetString("storage.mode")),
			BatchSize:       v.GetInt("storage.batch_size"),
			BatchIntervalMs: v.GetInt("storage.batch_interval_ms"),
		},
	}
}

// Load reads and validates one INI config file. Environment overrides apply
// on top of the file.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := fromViper(v)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first that loads,
// along with which path it was. When none loads it returns the built-in
// defaults (environment overrides still applied) and an empty path.
func LoadFirst(paths ...string) (*Config, string, error) {
	var firstErr error
	for _, p := range paths {
		cfg, err := Load(p)
		if err == nil {
			return cfg, p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Defaults(), "", firstErr
}

// Defaults returns the built-in configuration with environment overrides
// applied, for running without a config file.
func Defaults() *Config {
	return fromViper(newViper())
}

// NormalizeMode folds the accepted storage-mode spellings onto the canonical
// three. Unknown values fall back to memory.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "mysql", "db", "database":
		return ModeMySQL
	case "hybrid", "mixed", "both":
		return ModeHybrid
	default:
		return ModeMemory
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.OpsPort < 0 || cfg.Server.OpsPort > 65535 {
		return fmt.Errorf("ops port %d out of range", cfg.Server.OpsPort)
	}
	if cfg.MySQL.Port < 1 || cfg.MySQL.Port > 65535 {
		return fmt.Errorf("mysql port %d out of range", cfg.MySQL.Port)
	}
	if cfg.MySQL.PoolMinSize < 0 {
		return fmt.Errorf("pool_size_min %d cannot be negative", cfg.MySQL.PoolMinSize)
	}
	if cfg.MySQL.PoolMaxSize < 1 {
		return fmt.Errorf("pool_size_max %d must be at least 1", cfg.MySQL.PoolMaxSize)
	}
	if cfg.MySQL.PoolMinSize > cfg.MySQL.PoolMaxSize {
		return fmt.Errorf("pool_size_min %d exceeds pool_size_max %d", cfg.MySQL.PoolMinSize, cfg.MySQL.PoolMaxSize)
	}
	if cfg.MySQL.TimeoutSec < 0 {
		return fmt.Errorf("connect_timeout %d cannot be negative", cfg.MySQL.TimeoutSec)
	}
	if cfg.Storage.BatchSize < 0 {
		return fmt.Errorf("batch_size %d cannot be negative", cfg.Storage.BatchSize)
	}
	if cfg.Storage.BatchIntervalMs < 0 {
		return fmt.Errorf("batch_interval_ms %d cannot be negative", cfg.Storage.BatchIntervalMs)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the
// new config. Only runtime-safe settings should be applied from the callback;
// listener ports and pool sizes need a restart.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "error", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

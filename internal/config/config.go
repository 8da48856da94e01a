// Package config loads gn settings from config.yaml, GN_* environment
// variables and command-line flags.
//
// Precedence, highest first:
//  1. Flags bound with BindFlag
//  2. Environment variables (GN_DB_PATH for db.path)
//  3. config.yaml in the data directory
//  4. Defaults
//
// The data directory is $GN_HOME, or ~/.graphnote when unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by gn.
const EnvPrefix = "GN"

var (
	mu   sync.RWMutex
	v    *viper.Viper
	home string
)

// Home returns the data directory. It honors $GN_HOME.
func Home() string {
	mu.RLock()
	h := home
	mu.RUnlock()
	if h != "" {
		return h
	}
	return defaultHome()
}

func defaultHome() string {
	if h := os.Getenv(EnvPrefix + "_HOME"); h != "" {
		return h
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".graphnote"
	}
	return filepath.Join(userHome, ".graphnote")
}

// Initialize loads configuration from dir. An empty dir means Home().
// A missing config file is not an error.
func Initialize(dir string) error {
	if dir == "" {
		dir = defaultHome()
	}

	nv := viper.New()
	setDefaults(nv, dir)

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	nv.SetConfigName("config")
	nv.SetConfigType("yaml")
	nv.AddConfigPath(dir)
	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config in %s: %w", dir, err)
		}
	}

	mu.Lock()
	v = nv
	home = dir
	mu.Unlock()
	return nil
}

func setDefaults(nv *viper.Viper, dir string) {
	nv.SetDefault("db.path", filepath.Join(dir, "graphnote.db"))
	nv.SetDefault("user.id", "")
	nv.SetDefault("api.url", "http://localhost:8080/api")

	nv.SetDefault("log.level", "info")
	nv.SetDefault("log.format", "text")
	nv.SetDefault("log.file", "")

	nv.SetDefault("daemon.interval", 30*time.Second)
	nv.SetDefault("daemon.debounce", 500*time.Millisecond)
	nv.SetDefault("daemon.concurrency", 4)

	nv.SetDefault("server.addr", ":8080")
	nv.SetDefault("server.db.driver", "sqlite")
	nv.SetDefault("server.db.dsn", filepath.Join(dir, "server.db"))
	nv.SetDefault("server.rate_limit", 20.0)
	nv.SetDefault("server.rate_burst", 40)
}

func viperInstance() *viper.Viper {
	mu.RLock()
	cur := v
	mu.RUnlock()
	if cur != nil {
		return cur
	}
	// Not initialized: serve defaults and environment only.
	nv := viper.New()
	setDefaults(nv, defaultHome())
	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()
	mu.Lock()
	if v == nil {
		v = nv
	}
	cur = v
	mu.Unlock()
	return cur
}

// BindFlag makes flag override key when the flag is set.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s is nil", key)
	}
	return viperInstance().BindPFlag(key, flag)
}

// Set overrides key for the rest of the process.
func Set(key string, value interface{}) {
	viperInstance().Set(key, value)
}

func GetString(key string) string { return viperInstance().GetString(key) }

func GetBool(key string) bool { return viperInstance().GetBool(key) }

func GetInt(key string) int { return viperInstance().GetInt(key) }

func GetFloat64(key string) float64 { return viperInstance().GetFloat64(key) }

func GetDuration(key string) time.Duration { return viperInstance().GetDuration(key) }

// ConfigFileUsed returns the loaded config file, or "" when none was found.
func ConfigFileUsed() string {
	return viperInstance().ConfigFileUsed()
}

// AllSettings returns the effective settings, for `gn status`.
func AllSettings() map[string]interface{} {
	return viperInstance().AllSettings()
}

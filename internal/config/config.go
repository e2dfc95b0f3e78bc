// Package config loads worker and daemon settings.
//
// Settings come from a YAML file, CELERIX_* environment variables and built-in
// defaults. The file names a run_mode (devel or deploy) and must carry a section
// of that name; its keys are merged over the top level.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/celerix-dev/celerix-web/internal/acl"
)

// Run modes.
const (
	ModeDevel  = "devel"
	ModeDeploy = "deploy"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverRemote = "remote"
)

// EnvPrefix is the environment prefix for overrides (CELERIX_STORE_DRIVER, ...).
const EnvPrefix = "CELERIX"

// SyntaxError reports a malformed configuration. It is fatal at startup.
type SyntaxError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SyntaxError) Error() string {
	msg := "config syntax"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// StoreConfig selects the shared TTL store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Addr   string `mapstructure:"addr"`
	TLS    bool   `mapstructure:"tls"`
}

// DatabaseConfig points at the SQLite file holding plugin descriptors.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig tunes the session layer.
type SessionConfig struct {
	Name     string `mapstructure:"name"`
	LeftTime int    `mapstructure:"left_time"`
	Prefix   string `mapstructure:"prefix"`
}

// Window returns LeftTime as a duration.
func (s SessionConfig) Window() time.Duration {
	return time.Duration(s.LeftTime) * time.Second
}

// Account is a statically configured site login.
type Account struct {
	Password    string   `mapstructure:"password"`
	DisplayName string   `mapstructure:"display_name"`
	Roles       []string `mapstructure:"roles"`
}

// Config is the merged view for the active run mode.
type Config struct {
	RunMode      string             `mapstructure:"run_mode"`
	Listen       string             `mapstructure:"listen"`
	AdminListen  string             `mapstructure:"admin_listen"`
	SyncKey      string             `mapstructure:"sync_key"`
	CookieSecret string             `mapstructure:"cookie_secret"`
	LoginURL     string             `mapstructure:"login_url"`
	ACLFile      string             `mapstructure:"acl_file"`
	ACLs         []acl.Rule         `mapstructure:"acls"`
	TemplateGlob string             `mapstructure:"template_glob"`
	LogLevel     string             `mapstructure:"log_level"`
	Plugins      []string           `mapstructure:"plugins"`
	Accounts     map[string]Account `mapstructure:"accounts"`
	Store        StoreConfig        `mapstructure:"store"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Session      SessionConfig      `mapstructure:"session"`
}

// Debug reports whether the devel run mode is active.
func (c *Config) Debug() bool { return c.RunMode == ModeDevel }

func setDefaults(v *viper.Viper) {
	v.SetDefault("run_mode", ModeDevel)
	v.SetDefault("listen", ":8080")
	v.SetDefault("admin_listen", "127.0.0.1:8081")
	v.SetDefault("sync_key", "celerix.web.Application.id")
	v.SetDefault("cookie_secret", "")
	v.SetDefault("login_url", "/login")
	v.SetDefault("acl_file", "")
	v.SetDefault("template_glob", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("plugins", []string{})
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.addr", "localhost:7001")
	v.SetDefault("store.tls", true)
	v.SetDefault("database.path", "")
	v.SetDefault("session.name", "CELERIXSESSID")
	v.SetDefault("session.left_time", 1800)
	v.SetDefault("session.prefix", "session:")
}

// Load reads path (optional) and returns the configuration for its run mode.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &SyntaxError{Path: path, Reason: "unreadable", Err: err}
		}
	}

	mode := strings.TrimSpace(v.GetString("run_mode"))
	if mode != ModeDevel && mode != ModeDeploy {
		return nil, &SyntaxError{Path: path, Reason: fmt.Sprintf("run_mode %q must be %s or %s", mode, ModeDevel, ModeDeploy)}
	}
	if path != "" {
		if !v.InConfig(mode) {
			return nil, &SyntaxError{Path: path, Reason: fmt.Sprintf("missing %q section", mode)}
		}
		if err := v.MergeConfigMap(v.GetStringMap(mode)); err != nil {
			return nil, &SyntaxError{Path: path, Reason: "merge " + mode, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &SyntaxError{Path: path, Reason: "decode", Err: err}
	}
	cfg.RunMode = mode
	if err := cfg.validate(); err != nil {
		var se *SyntaxError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	drivers := []string{DriverMemory, DriverSQLite, DriverRedis, DriverRemote}
	if !slices.Contains(drivers, c.Store.Driver) {
		return &SyntaxError{Reason: fmt.Sprintf("store.driver %q must be one of %s", c.Store.Driver, strings.Join(drivers, ", "))}
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" && c.Database.Path == "" {
		return &SyntaxError{Reason: "store.driver sqlite needs store.path or database.path"}
	}
	if c.Session.LeftTime <= 0 {
		return &SyntaxError{Reason: fmt.Sprintf("session.left_time %d must be positive", c.Session.LeftTime)}
	}
	for i, r := range c.ACLs {
		if strings.TrimSpace(r.Target) == "" {
			return &SyntaxError{Reason: fmt.Sprintf("acls[%d] has no target", i)}
		}
	}
	return nil
}

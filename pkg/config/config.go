// Package config loads the study-mdr application configuration from an
// optional YAML file and STUDY_MDR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. STUDY_MDR_DATABASE_DSN.
const EnvPrefix = "STUDY_MDR"

// AppConfig holds all application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Log         LogConfig         `mapstructure:"log"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Terminology TerminologyConfig `mapstructure:"terminology"`
}

// DatabaseConfig selects the graph store backend.
type DatabaseConfig struct {
	Type         string `mapstructure:"type"` // postgres, mysql or sqlite
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// AuthConfig holds identity and authorization configuration.
type AuthConfig struct {
	Mode             string   `mapstructure:"mode"` // header or jwt
	JWTPublicKeyPath string   `mapstructure:"jwt_public_key_path"`
	JWTIssuer        string   `mapstructure:"jwt_issuer"`
	JWTAudience      string   `mapstructure:"jwt_audience"`
	UserClaim        string   `mapstructure:"user_claim"`
	GroupsClaim      string   `mapstructure:"groups_claim"`
	AuthzMode        string   `mapstructure:"authz_mode"` // none or groups
	WriterGroups     []string `mapstructure:"writer_groups"`
	AdminGroups      []string `mapstructure:"admin_groups"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuditConfig holds API request log configuration.
type AuditConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogDenied     bool `mapstructure:"log_denied"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// TerminologyConfig holds reference data resolution settings.
type TerminologyConfig struct {
	BooleanYesUID   string        `mapstructure:"boolean_yes_uid"`
	BooleanNoUID    string        `mapstructure:"boolean_no_uid"`
	NullFlavorField string        `mapstructure:"null_flavor_field"`
	CacheSize       int           `mapstructure:"cache_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	SeedFile        string        `mapstructure:"seed_file"`
}

// defaults lists every key so environment variables are seen by Unmarshal
// even when no config file mentions them.
var defaults = map[string]any{
	"database.type":           "postgres",
	"database.dsn":            "",
	"database.max_open_conns": 10,

	"server.listen_addr":          ":8080",
	"server.shutdown_timeout":     30 * time.Second,
	"server.cors_allowed_origins": []string{},

	"auth.mode":                "header",
	"auth.jwt_public_key_path": "",
	"auth.jwt_issuer":          "",
	"auth.jwt_audience":        "",
	"auth.user_claim":          "initials",
	"auth.groups_claim":        "groups",
	"auth.authz_mode":          "none",
	"auth.writer_groups":       []string{"study-writers"},
	"auth.admin_groups":        []string{"study-admins"},

	"log.level": "info",

	"audit.enabled":        true,
	"audit.log_denied":     true,
	"audit.retention_days": 90,

	"terminology.boolean_yes_uid":   "C49488_Y",
	"terminology.boolean_no_uid":    "C49487_N",
	"terminology.null_flavor_field": "Null Flavor",
	"terminology.cache_size":        4096,
	"terminology.cache_ttl":         5 * time.Minute,
	"terminology.seed_file":         "",
}

// Load reads configuration from configPath (optional), the environment and
// any bound flags, in increasing order of precedence.
func Load(configPath string, flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("study-mdr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/study-mdr/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"listen":    "server.listen_addr",
	"db-type":   "database.type",
	"db-dsn":    "database.dsn",
	"log-level": "log.level",
}

// BindFlags registers the server flags Load understands on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen", "", "Address to listen on")
	BindDatabaseFlags(fs)
}

// BindDatabaseFlags registers the database and logging flags only.
func BindDatabaseFlags(fs *pflag.FlagSet) {
	fs.String("db-type", "", "Database type (postgres, mysql or sqlite)")
	fs.String("db-dsn", "", "Database connection string")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the enumerated settings.
func (c *AppConfig) Validate() error {
	switch c.Database.Type {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q (expected postgres, mysql or sqlite)", c.Database.Type)
	}
	switch c.Auth.Mode {
	case "header", "jwt":
	default:
		return fmt.Errorf("unknown auth mode %q (expected header or jwt)", c.Auth.Mode)
	}
	switch c.Auth.AuthzMode {
	case "none", "groups":
	default:
		return fmt.Errorf("unknown authz mode %q (expected none or groups)", c.Auth.AuthzMode)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	return nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"
	defaultLogLevel   = "info"

	envPrefix = "KILN"
)

// Server setting keys. Each one can be set by flag, by KILN_<KEY> in the
// environment, or left at its default.
const (
	KeyListenAddr = "listen_addr"
	KeyDBPath     = "db_path"
	KeyLogLevel   = "log_level"
	KeyConfigPath = "config"
	KeyWatch      = "watch"

	// KeyEventRetention prunes stored events older than this at startup.
	// Zero keeps everything.
	KeyEventRetention = "event_retention"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	ConfigPath string
	Watch      bool

	EventRetention time.Duration
}

// SetDefaults registers defaults and environment binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, defaultListenAddr)
	v.SetDefault(KeyDBPath, defaultDBPath)
	v.SetDefault(KeyLogLevel, defaultLogLevel)
	v.SetDefault(KeyConfigPath, "")
	v.SetDefault(KeyWatch, false)
	v.SetDefault(KeyEventRetention, time.Duration(0))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads server configuration from v. Flags bound to v take precedence
// over the environment, which takes precedence over defaults.
func Load(v *viper.Viper) Config {
	return Config{
		ListenAddr: v.GetString(KeyListenAddr),
		DBPath:     v.GetString(KeyDBPath),
		LogLevel:   ParseLogLevel(v.GetString(KeyLogLevel)),
		ConfigPath: v.GetString(KeyConfigPath),
		Watch:      v.GetBool(KeyWatch),

		EventRetention: v.GetDuration(KeyEventRetention),
	}
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

package process

import (
	"time"

	"github.com/seantiz/kiln/internal/config"
)

// Parameter names read by the process engine.
const (
	KeyBin             = "kiln.process.bin"
	KeyBootTimeout     = "kiln.process.bootTimeout"
	KeyShutdownTimeout = "kiln.process.shutdownTimeout"
	KeyCallTimeout     = "kiln.process.callTimeout"
)

// Defaults for process engine settings.
const (
	DefaultBin             = "kiln-worker"
	DefaultBootTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
	DefaultCallTimeout     = 30 * time.Second
)

// Config holds the settings of one process engine instance.
type Config struct {
	// Bin is the worker executable, looked up in PATH when not absolute.
	Bin string

	// BootTimeout bounds the time from launch until the worker answers a ping.
	BootTimeout time.Duration

	// ShutdownTimeout is the grace period between the shutdown request and
	// killing the worker.
	ShutdownTimeout time.Duration

	// CallTimeout bounds a single request.
	CallTimeout time.Duration
}

// ParseConfig reads process engine settings from v, applying defaults.
func ParseConfig(v config.View) (Config, error) {
	cfg := Config{Bin: config.GetDefault(v, KeyBin, DefaultBin)}
	if cfg.Bin == "" {
		cfg.Bin = DefaultBin
	}

	var err error
	if cfg.BootTimeout, err = config.GetDuration(v, KeyBootTimeout, DefaultBootTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = config.GetDuration(v, KeyShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CallTimeout, err = config.GetDuration(v, KeyCallTimeout, DefaultCallTimeout); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

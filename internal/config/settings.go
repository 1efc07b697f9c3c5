package config

import (
	"fmt"
	"path/filepath"
)

// Parameter names read by the reload core.
const (
	KeyEngine    = "kiln.engine"
	KeyAppRoot   = "kiln.appRoot"
	KeyWatchFile = "kiln.watchFile"
	KeyRuntime   = "kiln.runtime"
	KeyExclusive = "kiln.exclusive"
	PrefixEnv    = "kiln.env."
)

// Parameter names read by served applications.
const (
	KeyEntrypoint = "kiln.entrypoint"
	KeyLang       = "kiln.lang"
	PrefixAppEnv  = "kiln.app.env."
)

// Defaults for runtime settings.
const (
	DefaultEngine    = "process"
	DefaultWatchFile = "tmp/restart.txt"
	DefaultRuntime   = "default"
)

// RuntimeSettings are the parameters that decide which shared runtime a
// component attaches to and how that runtime's engine is built.
type RuntimeSettings struct {
	Engine    string
	AppRoot   string
	WatchFile string
	Runtime   string
	Exclusive bool
	Env       map[string]string
}

// ParseRuntimeSettings reads runtime settings from v, applying defaults.
// The application root is required and made absolute.
func ParseRuntimeSettings(v View) (RuntimeSettings, error) {
	root, err := GetRequired(v, KeyAppRoot)
	if err != nil {
		return RuntimeSettings{}, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return RuntimeSettings{}, fmt.Errorf("resolve %s: %w", KeyAppRoot, err)
	}

	exclusive, err := GetBool(v, KeyExclusive, false)
	if err != nil {
		return RuntimeSettings{}, err
	}

	s := RuntimeSettings{
		Engine:    GetDefault(v, KeyEngine, DefaultEngine),
		AppRoot:   absRoot,
		WatchFile: GetDefault(v, KeyWatchFile, DefaultWatchFile),
		Runtime:   GetDefault(v, KeyRuntime, DefaultRuntime),
		Exclusive: exclusive,
		Env:       AllWithPrefix(v, PrefixEnv),
	}
	if s.Engine == "" {
		s.Engine = DefaultEngine
	}
	if s.Runtime == "" {
		s.Runtime = DefaultRuntime
	}
	return s, nil
}

// MarkerPath returns the absolute path of the restart marker file.
func (s RuntimeSettings) MarkerPath() string {
	if filepath.IsAbs(s.WatchFile) {
		return s.WatchFile
	}
	return filepath.Join(s.AppRoot, s.WatchFile)
}

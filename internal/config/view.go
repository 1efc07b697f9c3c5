package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrMissing is returned when a required parameter has no value in any layer.
var ErrMissing = errors.New("missing required parameter")

// View is a read-only, layered lookup of named string parameters.
type View interface {
	// Get returns the value for name and whether it was set.
	Get(name string) (string, bool)

	// Names lists the parameter names this view can enumerate.
	Names() []string
}

// MapView is a View backed by a plain map.
type MapView map[string]string

// Get implements View.
func (m MapView) Get(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Names implements View. Names are sorted.
func (m MapView) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// EnvView resolves parameters from the process environment. The name
// "kiln.appRoot" is looked up as KILN_APPROOT.
//
// The environment cannot be mapped back to dotted names, so Names is empty.
type EnvView struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// EnvKey returns the environment variable consulted for name.
func EnvKey(name string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))
}

// Get implements View.
func (e EnvView) Get(name string) (string, bool) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return lookup(EnvKey(name))
}

// Names implements View.
func (EnvView) Names() []string { return nil }

type chained []View

// Chain layers views so that the first view holding a name wins.
func Chain(views ...View) View {
	return chained(views)
}

func (c chained) Get(name string) (string, bool) {
	for _, v := range c {
		if val, ok := v.Get(name); ok {
			return val, true
		}
	}
	return "", false
}

func (c chained) Names() []string {
	var names []string
	for _, v := range c {
		names = append(names, v.Names()...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

type prefixed struct {
	prefix string
	view   View
}

// Prefixed returns a view where Get(name) reads prefix+name from v.
func Prefixed(prefix string, v View) View {
	return prefixed{prefix: prefix, view: v}
}

func (p prefixed) Get(name string) (string, bool) {
	return p.view.Get(p.prefix + name)
}

func (p prefixed) Names() []string {
	var names []string
	for _, n := range p.view.Names() {
		if rest, ok := strings.CutPrefix(n, p.prefix); ok && rest != "" {
			names = append(names, rest)
		}
	}
	return names
}

// GetDefault returns the value of name or def when it is unset.
func GetDefault(v View, name, def string) string {
	if val, ok := v.Get(name); ok {
		return val
	}
	return def
}

// GetRequired returns the value of name or an error wrapping ErrMissing.
func GetRequired(v View, name string) (string, error) {
	val, ok := v.Get(name)
	if !ok || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	return val, nil
}

// GetBool parses name as a boolean, returning def when it is unset.
func GetBool(v View, name string, def bool) (bool, error) {
	val, ok := v.Get(name)
	if !ok || val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return b, nil
}

// GetDuration parses name as a duration, returning def when it is unset.
func GetDuration(v View, name string, def time.Duration) (time.Duration, error) {
	val, ok := v.Get(name)
	if !ok || val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: duration must be positive", name)
	}
	return d, nil
}

// AllWithPrefix collects every enumerable parameter starting with prefix,
// keyed by the remainder of its name.
func AllWithPrefix(v View, prefix string) map[string]string {
	out := make(map[string]string)
	p := Prefixed(prefix, v)
	for _, name := range p.Names() {
		if val, ok := p.Get(name); ok {
			out[name] = val
		}
	}
	return out
}

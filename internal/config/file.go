package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// reservedMounts are paths owned by the admin API.
var reservedMounts = []string{"/v1", "/healthz", "/metrics"}

// AppConfig describes one served application.
type AppConfig struct {
	Name   string
	Mount  string
	Params map[string]string
}

// File is the parsed application config file.
type File struct {
	Path   string
	Params map[string]string
	Apps   []AppConfig
}

// Scalars are accepted for parameter values and stored as strings.
type rawApp struct {
	Name   string         `toml:"name" yaml:"name"`
	Mount  string         `toml:"mount" yaml:"mount"`
	Params map[string]any `toml:"params" yaml:"params"`
}

type rawFile struct {
	Params map[string]any `toml:"params" yaml:"params"`
	Apps   []rawApp       `toml:"apps" yaml:"apps"`
}

// LoadFile reads a TOML or YAML config file, chosen by extension, and
// validates it.
func LoadFile(path string) (*File, error) {
	var raw rawFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("load config %s: unsupported extension %q (expected .toml, .yaml or .yml)", path, filepath.Ext(path))
	}

	f := &File{
		Path:   path,
		Params: stringify(raw.Params),
	}
	for _, a := range raw.Apps {
		f.Apps = append(f.Apps, AppConfig{
			Name:   strings.TrimSpace(a.Name),
			Mount:  strings.TrimSpace(a.Mount),
			Params: stringify(a.Params),
		})
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return f, nil
}

// Validate checks app names and mounts, filling in default mounts.
func (f *File) Validate() error {
	names := make(map[string]bool)
	mounts := make(map[string]bool)
	for i := range f.Apps {
		a := &f.Apps[i]
		if a.Name == "" {
			return fmt.Errorf("apps[%d]: name is required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("apps[%d]: duplicate name %q", i, a.Name)
		}
		names[a.Name] = true

		if a.Mount == "" {
			a.Mount = "/" + a.Name
		}
		if !strings.HasPrefix(a.Mount, "/") {
			return fmt.Errorf("app %q: mount %q must start with /", a.Name, a.Mount)
		}
		a.Mount = strings.TrimSuffix(a.Mount, "/")
		if a.Mount == "" {
			return fmt.Errorf("app %q: mount / is reserved", a.Name)
		}
		for _, r := range reservedMounts {
			if a.Mount == r || strings.HasPrefix(a.Mount, r+"/") {
				return fmt.Errorf("app %q: mount %q is reserved", a.Name, a.Mount)
			}
		}
		if mounts[a.Mount] {
			return fmt.Errorf("app %q: duplicate mount %q", a.Name, a.Mount)
		}
		mounts[a.Mount] = true
	}
	return nil
}

// View returns the layered parameters of app: its own params, then the
// file-wide params, then the environment.
func (f *File) View(app AppConfig) View {
	return Chain(MapView(app.Params), MapView(f.Params), EnvView{})
}

// App returns the app with the given name.
func (f *File) App(name string) (AppConfig, bool) {
	for _, a := range f.Apps {
		if a.Name == name {
			return a, true
		}
	}
	return AppConfig{}, false
}

// stringify flattens nested tables into dotted names, so kiln.appRoot may be
// written either quoted or as a TOML dotted key.
func stringify(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	flatten(out, "", in)
	return out
}

func flatten(out map[string]string, prefix string, in map[string]any) {
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(out, name, nested)
			continue
		}
		out[name] = fmt.Sprint(v)
	}
}

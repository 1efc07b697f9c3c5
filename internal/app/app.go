// Package app serves configured applications over HTTP through reload
// wrappers, so every request runs against the current engine instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/reload"
)

// MaxBodySize is the largest request body forwarded to an engine (10 MiB).
const MaxBodySize = 10 << 20

// serveAttempts bounds how often a request is retried against a freshly
// published handler after the one it picked was closed by a restart.
const serveAttempts = 3

// App is one served application.
type App struct {
	name    string
	mount   string
	view    config.View
	spec    engine.HandlerSpec
	wrapper *reload.Wrapper[engine.Handler]
	logger  *slog.Logger
}

// Info is the JSON view of an App.
type Info struct {
	Name       string `json:"name"`
	Mount      string `json:"mount"`
	Entrypoint string `json:"entrypoint"`
	Lang       string `json:"lang"`
	State      string `json:"state"`
	Runtime    string `json:"runtime,omitempty"`
	Engine     string `json:"engine,omitempty"`
}

// New creates an uninitialized App from its config and parameter view.
func New(cfg config.AppConfig, v config.View, reg *reload.Registry, logger *slog.Logger) (*App, error) {
	spec, err := ParseHandlerSpec(cfg.Name, v)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", cfg.Name, err)
	}

	a := &App{
		name:   cfg.Name,
		mount:  cfg.Mount,
		view:   v,
		spec:   spec,
		logger: logger.With("app", cfg.Name),
	}
	a.wrapper = reload.NewWrapper(cfg.Name, reg, reload.ChildSpec[engine.Handler]{
		Build: func(ctx context.Context, inst engine.Instance) (engine.Handler, error) {
			return inst.NewHandler(ctx, a.spec)
		},
		Destroy: func(ctx context.Context, h engine.Handler) error {
			return h.Close(ctx)
		},
	}, a.logger)
	return a, nil
}

// ParseHandlerSpec reads an application's entrypoint, language and
// environment from v.
func ParseHandlerSpec(name string, v config.View) (engine.HandlerSpec, error) {
	entrypoint, err := config.GetRequired(v, config.KeyEntrypoint)
	if err != nil {
		return engine.HandlerSpec{}, err
	}

	lang := config.GetDefault(v, config.KeyLang, model.LangFor(entrypoint))
	if !slices.Contains(model.Langs, lang) {
		return engine.HandlerSpec{}, fmt.Errorf("%s: unsupported language %q", config.KeyLang, lang)
	}

	return engine.HandlerSpec{
		App:        name,
		Entrypoint: entrypoint,
		Lang:       lang,
		Env:        config.AllWithPrefix(v, config.PrefixAppEnv),
	}, nil
}

// Name returns the application name.
func (a *App) Name() string { return a.name }

// Mount returns the path prefix the application is served under.
func (a *App) Mount() string { return a.mount }

// Wrapper returns the reload wrapper holding the application's handler.
func (a *App) Wrapper() *reload.Wrapper[engine.Handler] { return a.wrapper }

// Start attaches the application to its runtime and builds its first handler.
func (a *App) Start(ctx context.Context) error {
	return a.wrapper.Initialize(ctx, a.view)
}

// Stop destroys the handler and releases the runtime.
func (a *App) Stop(ctx context.Context) error {
	return a.wrapper.Terminate(ctx)
}

// Info returns the application's current state.
func (a *App) Info() Info {
	info := Info{
		Name:       a.name,
		Mount:      a.mount,
		Entrypoint: a.spec.Entrypoint,
		Lang:       a.spec.Lang,
		State:      a.wrapper.State(),
	}
	if f := a.wrapper.Factory(); f != nil {
		info.Runtime = f.Key()
		info.Engine = f.Runtime().Engine()
	}
	return info
}

// ServeHTTP checks the restart marker, then forwards the request to the
// published handler. A restart triggered here runs in the background; the
// request is served by the handler published when it arrives, or by its
// replacement if a restart closed it before the call started.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.wrapper.CheckRestart() {
		a.logger.Info("restart triggered by request", "path", r.URL.Path)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	req := engine.Request{
		Method:     r.Method,
		Path:       a.relativePath(r.URL.Path),
		Query:      r.URL.RawQuery,
		Header:     r.Header.Clone(),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		LogWriter: func(line string) {
			a.logger.Info("app output", "line", line)
		},
	}

	var resp engine.Response
	for attempt := 1; ; attempt++ {
		h, err := a.wrapper.Child()
		if err != nil {
			http.Error(w, "application unavailable", http.StatusServiceUnavailable)
			return
		}
		resp, err = h.Serve(r.Context(), req)
		if err == nil {
			break
		}
		if r.Context().Err() != nil {
			return
		}
		if errors.Is(err, engine.ErrHandlerClosed) {
			if attempt < serveAttempts {
				continue
			}
			a.logger.Warn("handler closed on every attempt", "path", r.URL.Path, "attempts", attempt)
			http.Error(w, "application unavailable", http.StatusServiceUnavailable)
			return
		}
		a.logger.Error("serve request", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		a.logger.Debug("write response", "error", err)
	}
}

// relativePath strips the mount prefix, leaving at least "/".
func (a *App) relativePath(p string) string {
	rel := strings.TrimPrefix(p, a.mount)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/seantiz/kiln/internal/config"
)

// ErrHandlerClosed is returned by Handler.Serve when the handler was closed
// before the call started. Nothing was executed, so the caller may retry
// against a newer handler.
var ErrHandlerClosed = errors.New("handler closed")

// Boundary is the interface every execution engine implements. The reload
// core only ever constructs and terminates instances through it.
type Boundary interface {
	// Name is the identifier used by the kiln.engine parameter.
	Name() string

	// Construct boots a new engine instance configured from v. Construction
	// may be slow and may fail.
	Construct(ctx context.Context, v config.View) (Instance, error)

	// Terminate releases every resource held by inst. It is best-effort and
	// must be safe to call on a partially failed instance.
	Terminate(ctx context.Context, inst Instance) error
}

// Instance is one booted engine.
type Instance interface {
	// ID uniquely identifies this instance for logs and events.
	ID() string

	// NewHandler builds a request handler for one application.
	NewHandler(ctx context.Context, spec HandlerSpec) (Handler, error)
}

// Handler serves requests for one application against the instance that built it.
type Handler interface {
	Serve(ctx context.Context, req Request) (Response, error)

	// Close releases the handler. Calls already running are allowed to
	// finish; later calls fail with ErrHandlerClosed. The instance that built
	// it may already be terminated.
	Close(ctx context.Context) error
}

// HandlerSpec describes the application a Handler serves.
type HandlerSpec struct {
	App        string            `json:"app"`
	Entrypoint string            `json:"entrypoint"`
	Lang       string            `json:"lang"`
	Env        map[string]string `json:"env,omitempty"`
}

// Request is an HTTP request translated for an engine.
type Request struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Query      string      `json:"query,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`

	// LogWriter receives diagnostic lines emitted while serving.
	LogWriter func(line string) `json:"-"`
}

// Response is the engine's answer to a Request.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

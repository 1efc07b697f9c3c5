// Package worker implements the kiln worker agent. A worker is the process
// behind one process-engine instance: it snapshots application entrypoints
// when they are loaded and runs them once per call, streaming stderr back to
// the host.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// defaultCallTimeout applies when a call request carries no timeout.
const defaultCallTimeout = 30 * time.Second

// langCommands maps each language to the command used to run a snapshot.
// An empty bin runs the snapshot itself.
var langCommands = map[string]struct {
	bin  string
	args func(path string) []string
}{
	model.LangShell:  {bin: "sh", args: func(p string) []string { return []string{p} }},
	model.LangPython: {bin: "python3", args: func(p string) []string { return []string{p} }},
	model.LangNode:   {bin: "node", args: func(p string) []string { return []string{p} }},
	model.LangGo:     {args: func(string) []string { return nil }},
}

// Options configure an Agent.
type Options struct {
	// Root is the application root entrypoints are resolved against.
	Root string

	// WorkDir holds one snapshot directory per loaded handler.
	WorkDir string

	// Env is the base environment of every application process.
	Env []string

	Logger *slog.Logger
}

// handler is a loaded application snapshot.
type handler struct {
	id   string
	app  string
	lang string
	dir  string
	path string
	env  []string

	// Guarded by Agent.mu. The snapshot outlives unload while calls run.
	active  int
	removed bool
}

// Agent serves worker requests on a listener.
type Agent struct {
	listener net.Listener
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]*handler

	done     chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

// New creates a new agent with the given listener.
func New(listener net.Listener, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Agent{
		listener: listener,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]*handler),
		done:     make(chan struct{}),
	}
}

// Serve accepts connections and handles requests. It blocks until Shutdown
// is called, waits for in-flight requests, and returns nil. Any other
// accept failure is returned.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.done:
				a.conns.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.conns.Go(func() { a.handleConnection(conn) })
	}
}

// Shutdown stops accepting connections. It does not wait for Serve to return.
func (a *Agent) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.listener.Close()
	})
}

// Handlers returns the number of loaded handlers.
func (a *Agent) Handlers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

// handleConnection processes a single request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Guards conn against concurrent log and result frames.
	var writeMu sync.Mutex

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.sendResult(conn, &writeMu, Result{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var res Result
	switch req.Op {
	case OpPing:
		res = Result{OK: true, Pid: os.Getpid()}
	case OpLoad:
		res = a.load(&req)
	case OpCall:
		res = a.call(conn, &writeMu, &req)
	case OpUnload:
		res = a.unload(req.Handler)
	case OpShutdown:
		a.sendResult(conn, &writeMu, Result{OK: true})
		a.logger.Info("shutdown requested")
		a.Shutdown()
		return
	default:
		res = Result{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
	a.sendResult(conn, &writeMu, res)
}

// load snapshots the entrypoint named by req into a fresh handler directory.
// Later edits to the application root are invisible to the handler.
func (a *Agent) load(req *Request) Result {
	spec := req.Load
	if spec == nil || spec.Entrypoint == "" {
		return Result{Error: "load: entrypoint is required"}
	}

	lang := spec.Lang
	if lang == "" {
		lang = model.LangFor(spec.Entrypoint)
	}
	cmd, ok := langCommands[lang]
	if !ok {
		return Result{Error: fmt.Sprintf("unsupported language %q for %s", lang, spec.Entrypoint)}
	}

	// Validate entrypoint stays within the application root.
	if err := validatePath(a.opts.Root, spec.Entrypoint); err != nil {
		return Result{Error: fmt.Sprintf("invalid entrypoint: %v", err)}
	}

	id := strings.ToLower(model.NewID())
	dir := filepath.Join(a.opts.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Error: fmt.Sprintf("create handler dir: %v", err)}
	}

	snapshot := filepath.Join(dir, filepath.Base(spec.Entrypoint))
	if err := copyFile(filepath.Join(a.opts.Root, spec.Entrypoint), snapshot); err != nil {
		os.RemoveAll(dir)
		return Result{Error: fmt.Sprintf("snapshot %s: %v", spec.Entrypoint, err)}
	}

	path := snapshot
	if cmd.bin == "" {
		bin, err := a.compile(dir, snapshot)
		if err != nil {
			os.RemoveAll(dir)
			return Result{Error: err.Error()}
		}
		path = bin
	}

	h := &handler{
		id:   id,
		app:  spec.App,
		lang: lang,
		dir:  dir,
		path: path,
		env:  EnvList(spec.Env),
	}
	a.mu.Lock()
	a.handlers[id] = h
	a.mu.Unlock()

	a.logger.Info("handler loaded", "handler", id, "app", spec.App, "lang", lang, "entrypoint", spec.Entrypoint)
	return Result{OK: true, Handler: id}
}

// compile builds a Go snapshot into a binary next to it.
func (a *Agent) compile(dir, src string) (string, error) {
	bin := filepath.Join(dir, "app")
	cmd := exec.Command("go", "build", "-o", bin, filepath.Base(src))
	cmd.Dir = dir
	cmd.Env = a.opts.Env
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("compile %s: %v: %s", filepath.Base(src), err, strings.TrimSpace(string(out)))
	}
	return bin, nil
}

// call runs a handler's snapshot once for the request in req.
func (a *Agent) call(conn net.Conn, writeMu *sync.Mutex, req *Request) Result {
	if req.Call == nil {
		return Result{Error: "call: request is required"}
	}
	a.mu.Lock()
	h, ok := a.handlers[req.Handler]
	if ok {
		h.active++
	}
	a.mu.Unlock()
	if !ok {
		return Result{Error: fmt.Sprintf("unknown handler %q", req.Handler)}
	}
	defer a.endCall(h)

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lc := langCommands[h.lang]
	bin := lc.bin
	if bin == "" {
		bin = h.path
	}
	cmd := exec.CommandContext(ctx, bin, lc.args(h.path)...)
	cmd.Dir = a.opts.Root
	cmd.Env = slices.Concat(a.opts.Env, h.env, requestEnv(h.app, h.id, req.Call))
	cmd.Stdin = bytes.NewReader(req.Call.Body)
	// Run in its own process group so a timeout also stops anything the
	// application spawned while holding its pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{Error: fmt.Sprintf("stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return Result{Error: fmt.Sprintf("start command: %v", err)}
	}

	var tail lastLine
	streamLines(conn, writeMu, stderrPipe, &tail, a.logger)

	if err := cmd.Wait(); err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", timeout)
		}
		if tail.line != "" {
			msg += ": " + tail.line
		}
		return Result{Error: msg}
	}

	resp, err := parseOutput(stdout.Bytes())
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{OK: true, Response: &resp}
}

// endCall releases a call's hold on h, removing the snapshot if h was
// unloaded while the call ran.
func (a *Agent) endCall(h *handler) {
	a.mu.Lock()
	h.active--
	remove := h.removed && h.active == 0
	a.mu.Unlock()

	if remove {
		if err := os.RemoveAll(h.dir); err != nil {
			a.logger.Warn("remove handler dir", "handler", h.id, "error", err)
			return
		}
		a.logger.Info("handler snapshot removed", "handler", h.id, "app", h.app)
	}
}

// unload forgets a handler so no new call can reach it. Its snapshot is
// removed now, or by the last running call. Unknown handlers are ignored.
func (a *Agent) unload(id string) Result {
	a.mu.Lock()
	h, ok := a.handlers[id]
	delete(a.handlers, id)
	var active int
	if ok {
		h.removed = true
		active = h.active
	}
	a.mu.Unlock()

	if !ok {
		return Result{OK: true}
	}
	if active > 0 {
		a.logger.Info("handler unloaded, snapshot kept for running calls",
			"handler", id, "app", h.app, "calls", active)
		return Result{OK: true}
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return Result{Error: fmt.Sprintf("remove handler dir: %v", err)}
	}
	a.logger.Info("handler unloaded", "handler", id, "app", h.app)
	return Result{OK: true}
}

// lastLine remembers the final line written to a stream.
type lastLine struct{ line string }

// streamLines reads lines from r and sends each as a log message over conn
// (protected by mu).
func streamLines(conn net.Conn, mu *sync.Mutex, r io.Reader, tail *lastLine, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	failed := false
	for scanner.Scan() {
		line := scanner.Text()
		tail.line = line
		if failed {
			continue
		}

		msg := Message{Type: MsgTypeLog, Line: line}
		mu.Lock()
		err := WriteMessage(conn, &msg)
		mu.Unlock()
		if err != nil {
			// Keep draining so the process never blocks on a full pipe.
			logger.Warn("write log line", "error", err)
			failed = true
		}
	}
}

// sendResult sends the final Result wrapped in a Message.
func (a *Agent) sendResult(conn net.Conn, mu *sync.Mutex, res Result) {
	mu.Lock()
	defer mu.Unlock()
	msg := Message{Type: MsgTypeResult, Result: &res}
	if err := WriteMessage(conn, &msg); err != nil {
		a.logger.Debug("write result", "error", err)
	}
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	if filepath.IsAbs(relPath) {
		return fmt.Errorf("path %q must be relative", relPath)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes application root", relPath)
	}
	return nil
}

// copyFile copies a regular file, preserving its permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(in, MaxMessageSize)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// EnvList renders an environment map as sorted KEY=value pairs.
func EnvList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

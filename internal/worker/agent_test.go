package worker

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

func newTestAgent(t *testing.T, root string) *Agent {
	t.Helper()
	return New(nil, Options{
		Root:    root,
		WorkDir: filepath.Join(t.TempDir(), "work"),
		Env:     os.Environ(),
	})
}

// roundTrip sends req via a pipe and reads back log lines and the result.
func roundTrip(t *testing.T, a *Agent, req Request) ([]string, Result) {
	t.Helper()
	server, client := net.Pipe()

	go func() {
		if err := WriteMessage(client, &req); err != nil {
			t.Errorf("write request: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.handleConnection(server)
	}()

	var logs []string
	var res Result
	for {
		var msg Message
		if err := ReadMessage(client, &msg); err != nil {
			t.Errorf("read message: %v", err)
			break
		}
		if msg.Type == MsgTypeLog {
			logs = append(logs, msg.Line)
			continue
		}
		if msg.Type == MsgTypeResult && msg.Result != nil {
			res = *msg.Result
		}
		break
	}

	<-done
	client.Close()
	return logs, res
}

func writeApp(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func load(t *testing.T, a *Agent, spec engine.HandlerSpec) string {
	t.Helper()
	_, res := roundTrip(t, a, Request{Op: OpLoad, Load: &spec})
	if !res.OK {
		t.Fatalf("load: %s", res.Error)
	}
	return res.Handler
}

func TestPing(t *testing.T) {
	a := newTestAgent(t, t.TempDir())
	_, res := roundTrip(t, a, Request{Op: OpPing})
	if !res.OK || res.Pid != os.Getpid() {
		t.Errorf("ping result = %+v", res)
	}
}

func TestUnknownOp(t *testing.T) {
	a := newTestAgent(t, t.TempDir())
	_, res := roundTrip(t, a, Request{Op: "reboot"})
	if res.OK || !strings.Contains(res.Error, "unknown op") {
		t.Errorf("result = %+v, want unknown op error", res)
	}
}

func TestCallShellHandler(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeApp(t, root, "hello.sh", `echo "starting $KILN_APP" >&2
echo "Status: 201 Created"
echo "Content-Type: text/plain"
echo
echo "hello $KILN_REQUEST_METHOD $KILN_PATH_INFO $GREETING $KILN_HEADER_X_TRACE"
cat
`)
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "hello", Entrypoint: "hello.sh", Env: map[string]string{"GREETING": "hi"}})

	call := &engine.Request{
		Method: http.MethodPost,
		Path:   "/greet",
		Header: http.Header{"X-Trace": {"abc"}},
		Body:   []byte("payload"),
	}
	logs, res := roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: call, TimeoutMS: 5000})

	if !res.OK {
		t.Fatalf("call failed: %s", res.Error)
	}
	if res.Response.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", res.Response.Status)
	}
	if ct := res.Response.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := "hello POST /greet hi abc\npayload"
	if got := string(res.Response.Body); got != want {
		t.Errorf("Body = %q, want %q", got, want)
	}
	if len(logs) != 1 || logs[0] != "starting hello" {
		t.Errorf("logs = %v, want [starting hello]", logs)
	}
}

func TestLoadSnapshotsEntrypoint(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeApp(t, root, "app.sh", "echo v1\n")
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "app", Entrypoint: "app.sh"})

	writeApp(t, root, "app.sh", "echo v2\n")

	_, res := roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: &engine.Request{Method: http.MethodGet}})
	if !res.OK || string(res.Response.Body) != "v1\n" {
		t.Errorf("loaded handler served %+v, want the v1 snapshot", res)
	}

	id2 := load(t, a, engine.HandlerSpec{App: "app", Entrypoint: "app.sh"})
	_, res = roundTrip(t, a, Request{Op: OpCall, Handler: id2, Call: &engine.Request{Method: http.MethodGet}})
	if !res.OK || string(res.Response.Body) != "v2\n" {
		t.Errorf("new handler served %+v, want v2", res)
	}
}

func TestCallFailureReportsStderr(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeApp(t, root, "fail.sh", "echo 'database unreachable' >&2\nexit 3\n")
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "fail", Entrypoint: "fail.sh"})

	_, res := roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: &engine.Request{Method: http.MethodGet}})

	if res.OK {
		t.Fatal("call should fail on non-zero exit")
	}
	if !strings.Contains(res.Error, "exit status 3") || !strings.Contains(res.Error, "database unreachable") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestCallTimeout(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeApp(t, root, "slow.sh", "sleep 5\n")
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "slow", Entrypoint: "slow.sh"})

	start := time.Now()
	_, res := roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: &engine.Request{}, TimeoutMS: 100})

	if res.OK || !strings.Contains(res.Error, "timeout") {
		t.Errorf("result = %+v, want timeout", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout did not stop the process")
	}
}

func TestLoadRejects(t *testing.T) {
	root := t.TempDir()
	writeApp(t, root, "notes.txt", "hello")
	a := newTestAgent(t, root)

	tests := []struct {
		name string
		spec *engine.HandlerSpec
		want string
	}{
		{"missing spec", nil, "entrypoint is required"},
		{"traversal", &engine.HandlerSpec{Entrypoint: "../escape.sh"}, "escapes application root"},
		{"absolute", &engine.HandlerSpec{Entrypoint: "/etc/passwd", Lang: model.LangShell}, "must be relative"},
		{"unknown lang", &engine.HandlerSpec{Entrypoint: "notes.txt"}, "unsupported language"},
		{"missing file", &engine.HandlerSpec{Entrypoint: "gone.sh"}, "snapshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := roundTrip(t, a, Request{Op: OpLoad, Load: tt.spec})
			if res.OK || !strings.Contains(res.Error, tt.want) {
				t.Errorf("result = %+v, want error containing %q", res, tt.want)
			}
		})
	}
	if n := a.Handlers(); n != 0 {
		t.Errorf("Handlers = %d after rejected loads, want 0", n)
	}
}

func TestUnload(t *testing.T) {
	root := t.TempDir()
	writeApp(t, root, "app.sh", "echo ok\n")
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "app", Entrypoint: "app.sh"})

	_, res := roundTrip(t, a, Request{Op: OpUnload, Handler: id})
	if !res.OK {
		t.Fatalf("unload: %s", res.Error)
	}
	if a.Handlers() != 0 {
		t.Error("handler still loaded")
	}
	if _, err := os.Stat(filepath.Join(a.opts.WorkDir, id)); !os.IsNotExist(err) {
		t.Errorf("snapshot dir still present: %v", err)
	}

	_, res = roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: &engine.Request{}})
	if res.OK || !strings.Contains(res.Error, "unknown handler") {
		t.Errorf("call after unload = %+v", res)
	}

	_, res = roundTrip(t, a, Request{Op: OpUnload, Handler: id})
	if !res.OK {
		t.Errorf("second unload = %+v, want ok", res)
	}
}

func TestUnloadDuringCallKeepsSnapshot(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	writeApp(t, root, "slow.sh", "sleep 1\necho done\n")
	a := newTestAgent(t, root)
	id := load(t, a, engine.HandlerSpec{App: "slow", Entrypoint: "slow.sh"})
	dir := filepath.Join(a.opts.WorkDir, id)

	results := make(chan Result, 1)
	go func() {
		_, res := roundTrip(t, a, Request{Op: OpCall, Handler: id, Call: &engine.Request{Method: http.MethodGet}, TimeoutMS: 5000})
		results <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.mu.Lock()
		active := a.handlers[id].active
		a.mu.Unlock()
		if active > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, res := roundTrip(t, a, Request{Op: OpUnload, Handler: id})
	if !res.OK {
		t.Fatalf("unload: %s", res.Error)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("snapshot removed while a call was running: %v", err)
	}

	select {
	case res := <-results:
		if !res.OK || string(res.Response.Body) != "done\n" {
			t.Errorf("call = %+v, want done", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("snapshot dir still present after the last call: %v", err)
	}
}

func TestServeShutdown(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "w.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := New(l, Options{Root: t.TempDir(), WorkDir: t.TempDir()})

	served := make(chan error, 1)
	go func() { served <- a.Serve() }()

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := WriteMessage(conn, &Request{Op: OpShutdown}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg Message
	if err := ReadMessage(conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Result == nil || !msg.Result.OK {
		t.Errorf("shutdown result = %+v", msg.Result)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestValidatePath(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"main.sh", false},
		{"sub/dir/app.py", false},
		{"./app.sh", false},
		{"../escape.sh", true},
		{"sub/../../escape.sh", true},
		{".", true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		err := validatePath(base, tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

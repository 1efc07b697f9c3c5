package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"

	"github.com/seantiz/kiln/internal/worker"
)

// LaunchSpec describes one worker to start.
type LaunchSpec struct {
	Bin     string
	Dir     string   // application root, the worker's working directory
	Socket  string   // unix socket the worker must listen on
	WorkDir string   // snapshot directory owned by the worker
	Env     []string // KEY=value pairs added to the inherited environment
}

// Process is a launched worker.
type Process interface {
	// Done is closed once the worker has exited.
	Done() <-chan struct{}

	// Kill stops the worker without waiting for in-flight requests.
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs the worker binary as a subprocess.
type ExecLauncher struct {
	// Stderr receives the worker's own log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// Launch implements Launcher. The worker outlives ctx.
func (l ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Bin, "--socket", spec.Socket, "--work-dir", spec.WorkDir)
	cmd.Dir = spec.Dir
	cmd.Env = slices.Concat(os.Environ(), spec.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Bin, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = cmd.Wait()
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// InProcessLauncher runs the worker agent on a goroutine of the current
// process. Application processes still get the launch environment.
type InProcessLauncher struct {
	Logger *slog.Logger
}

// Launch implements Launcher.
func (l InProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	ln, err := net.Listen("unix", spec.Socket)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", spec.Socket, err)
	}
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		ln.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	agent := worker.New(ln, worker.Options{
		Root:    spec.Dir,
		WorkDir: spec.WorkDir,
		Env:     slices.Concat(os.Environ(), spec.Env),
		Logger:  l.Logger,
	})
	p := &inProcess{agent: agent, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		agent.Serve()
	}()
	return p, nil
}

type inProcess struct {
	agent *worker.Agent
	done  chan struct{}
}

func (p *inProcess) Done() <-chan struct{} { return p.done }

func (p *inProcess) Kill() error {
	p.agent.Shutdown()
	return nil
}

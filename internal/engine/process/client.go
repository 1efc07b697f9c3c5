package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/seantiz/kiln/internal/worker"
)

// Backoff bounds for dialing a booting worker.
const (
	dialBaseBackoff = 25 * time.Millisecond
	dialMaxBackoff  = 500 * time.Millisecond
)

// errWorkerExited reports a worker that died before answering.
var errWorkerExited = errors.New("worker exited")

// client talks to one worker. Every request uses its own connection, so a
// client is safe for concurrent use.
type client struct {
	socket string
}

// do sends req and reads back streaming log lines and the final result.
// Each log line is passed to logWriter as it arrives.
func (c *client) do(ctx context.Context, req worker.Request, logWriter func(string)) (*worker.Result, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, fmt.Errorf("dial worker: %w", err)
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := worker.WriteMessage(conn, &req); err != nil {
		return nil, c.wrap(ctx, req.Op, err)
	}

	for {
		var msg worker.Message
		if err := worker.ReadMessage(conn, &msg); err != nil {
			return nil, c.wrap(ctx, req.Op, err)
		}

		switch msg.Type {
		case worker.MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case worker.MsgTypeResult:
			if msg.Result == nil {
				return nil, fmt.Errorf("%s: received result message with nil result", req.Op)
			}
			return msg.Result, nil
		default:
			return nil, fmt.Errorf("%s: unknown message type: %q", req.Op, msg.Type)
		}
	}
}

func (c *client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// waitReady pings the worker with exponential backoff until it answers,
// ctx ends, or the process exits. It returns the worker's pid.
func (c *client) waitReady(ctx context.Context, proc Process) (int, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 1; ; attempt++ {
		res, err := c.do(ctx, worker.Request{Op: worker.OpPing}, nil)
		if err == nil {
			if !res.OK {
				return 0, fmt.Errorf("ping: %s", res.Error)
			}
			return res.Pid, nil
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-proc.Done():
			return 0, fmt.Errorf("after %d attempts: %w", attempt, errWorkerExited)
		case <-ctx.Done():
			return 0, fmt.Errorf("after %d attempts: %w (last error: %v)", attempt, ctx.Err(), lastErr)
		}
		backoff = min(backoff*2, dialMaxBackoff)
	}
}

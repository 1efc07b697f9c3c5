package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seantiz/kiln/internal/engine"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Operations understood by the worker.
const (
	OpPing     = "ping"
	OpLoad     = "load"
	OpCall     = "call"
	OpUnload   = "unload"
	OpShutdown = "shutdown"
)

// Request is the payload sent from host to worker. Each connection carries
// exactly one request.
type Request struct {
	Op        string              `json:"op"`
	Handler   string              `json:"handler,omitempty"`
	Load      *engine.HandlerSpec `json:"load,omitempty"`
	Call      *engine.Request     `json:"call,omitempty"`
	TimeoutMS int                 `json:"timeout_ms,omitempty"`
}

// Result is the final answer to a Request.
type Result struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Handler  string           `json:"handler,omitempty"`
	Pid      int              `json:"pid,omitempty"`
	Response *engine.Response `json:"response,omitempty"`
}

// Worker to host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Message is the envelope for all worker to host frames. A call may stream
// any number of log frames before its single result frame.
type Message struct {
	Type   string  `json:"type"`
	Line   string  `json:"line,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

package model

import (
	"path/filepath"
	"strings"
	"time"
)

// Runtime event kinds.
const (
	EventCreated          = "created"
	EventRestartStarted   = "restart_started"
	EventRestartCompleted = "restart_completed"
	EventRestartFailed    = "restart_failed"
	EventDependentFailed  = "dependent_failed"
	EventDestroyed        = "destroyed"
)

// EventKinds lists every runtime event kind in lifecycle order.
var EventKinds = []string{
	EventCreated,
	EventRestartStarted,
	EventRestartCompleted,
	EventRestartFailed,
	EventDependentFailed,
	EventDestroyed,
}

// Lifecycle states of a dependent wrapper.
const (
	StateUninitialized = "uninitialized"
	StateInitialized   = "initialized"
	StateDestroyed     = "destroyed"
)

// validTransitions maps each wrapper state to the states it may move to.
var validTransitions = map[string]map[string]bool{
	StateUninitialized: {
		StateInitialized: true,
	},
	StateInitialized: {
		StateDestroyed: true,
	},
}

// ValidTransition reports whether moving from one lifecycle state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Application languages understood by the worker.
const (
	LangShell  = "sh"
	LangPython = "python"
	LangNode   = "node"
	LangGo     = "go"
)

// Langs lists the supported application languages.
var Langs = []string{LangShell, LangPython, LangNode, LangGo}

var langExtensions = map[string]string{
	".sh":  LangShell,
	".py":  LangPython,
	".js":  LangNode,
	".mjs": LangNode,
	".cjs": LangNode,
	".go":  LangGo,
}

// LangFor infers an application language from its entrypoint's extension.
// It returns "" when the extension is not recognized.
func LangFor(entrypoint string) string {
	return langExtensions[strings.ToLower(filepath.Ext(entrypoint))]
}

// RuntimeEvent records one step in the life of a shared engine runtime.
type RuntimeEvent struct {
	ID         string    `json:"id"`
	Runtime    string    `json:"runtime"`
	Kind       string    `json:"kind"`
	Engine     string    `json:"engine"`
	InstanceID string    `json:"instance_id,omitempty"`
	Dependent  string    `json:"dependent,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS *int      `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Failed reports whether the event describes a failure.
func (e RuntimeEvent) Failed() bool {
	return e.Kind == EventRestartFailed || e.Kind == EventDependentFailed
}

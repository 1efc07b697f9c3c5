package reload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a wrapper is used before Initialize.
	ErrNotInitialized = errors.New("not initialized")

	// ErrDestroyed is returned when a destroyed factory or runtime is used.
	ErrDestroyed = errors.New("runtime destroyed")

	// ErrInvalidTransition is returned for an illegal wrapper lifecycle change.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrRegistryClosed is returned by a registry after Close.
	ErrRegistryClosed = errors.New("registry closed")
)

// ConstructionError reports that an engine instance or a component's child
// could not be built during creation or initialization. It is fatal to the
// caller and leaves nothing registered.
type ConstructionError struct {
	Runtime   string
	Component string
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct %s for runtime %q: %v", e.Component, e.Runtime, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// RestartError reports that an engine instance or a dependent could not be
// rebuilt during a restart. The affected unit keeps its previous state.
type RestartError struct {
	Runtime   string
	Dependent string
	Err       error
}

func (e *RestartError) Error() string {
	if e.Dependent == "" {
		return fmt.Sprintf("restart runtime %q: %v", e.Runtime, e.Err)
	}
	return fmt.Sprintf("restart %s in runtime %q: %v", e.Dependent, e.Runtime, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// TerminationError reports a failure while terminating an engine instance or
// a child. It is logged, never returned from cleanup paths.
type TerminationError struct {
	Runtime    string
	InstanceID string
	Err        error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate instance %s of runtime %q: %v", e.InstanceID, e.Runtime, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

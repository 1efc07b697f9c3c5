// Package engine defines the boundary between the server and the embedded
// execution engine. An engine Boundary constructs and terminates engine
// Instances; an Instance builds request Handlers for served applications.
// Boundaries are selected by name from a Registry.
package engine

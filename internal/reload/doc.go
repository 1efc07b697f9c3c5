// Package reload coordinates hot-reloading of embedded engine instances.
//
// A Runtime owns one live engine instance and replaces it in the background
// when its restart marker file is touched. Runtimes are shared by key through
// a Registry of reference-counted Factories; components attach to them with a
// Lease and rebuild their own state when the engine is replaced by
// implementing Dependent. Wrapper is the generic Dependent used by served
// applications.
//
// Request paths never block on a restart: the published engine instance and
// each wrapper's child are read with a single atomic load, and restarts are
// triggered with a non-blocking try-acquire that coalesces concurrent triggers.
package reload

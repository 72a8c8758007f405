// Package content defines the load/unload primitive the transition pipeline
// delegates to, and a worker-pool implementation of it.
package content

import (
	"context"
	"errors"

	"switchyard/pkg/workspace"
)

// HeldProgress is where a load started without immediate activation stops
// reporting progress until Activate is called.
const HeldProgress = 0.9

var (
	// ErrActivationNotHeld is returned by Activate on operations that were
	// started with immediate activation, or on unloads.
	ErrActivationNotHeld = errors.New("operation does not hold activation")

	// ErrOperationFailed wraps failures reported by a job.
	ErrOperationFailed = errors.New("content operation failed")

	// ErrNotResident is returned when unloading a workspace that is not loaded.
	ErrNotResident = errors.New("workspace is not resident")

	// ErrLoaderClosed is returned when an operation is started after Close.
	ErrLoaderClosed = errors.New("loader is closed")
)

// Operation is an in-progress load or unload.
type Operation interface {
	// Progress reports completion in [0,1].
	Progress() float64
	// Activate releases a held load. Valid only for loads started with
	// activateImmediately=false.
	Activate() error
	// Done reports whether the operation has fully finished.
	Done() bool
	// Err returns the failure, if any.
	Err() error
}

// Loader starts load and unload operations for workspaces.
type Loader interface {
	BeginUnload(ctx context.Context, d workspace.Descriptor) (Operation, error)
	BeginLoad(ctx context.Context, d workspace.Descriptor, activateImmediately bool) (Operation, error)
}

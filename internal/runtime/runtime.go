// Package runtime launches agent sessions in isolated containers.
package runtime

import (
	"context"
	"io"

	"github.com/zenclaude/zenclaude/internal/domain"
)

// RunSpec describes one isolated session process.
type RunSpec struct {
	Image     string
	Name      string
	Workspace string
	ConfigDir string
	Task      string
	Env       []string
	Limits    domain.ResourceLimits
}

// Handle controls one launched session process.
type Handle interface {
	// ID identifies the underlying container.
	ID() string

	// Output returns the combined output stream of the process. The reader
	// yields data until the process exits.
	Output(ctx context.Context) (io.ReadCloser, error)

	// StreamFile follows a file inside the container. The reader yields data
	// until the process exits.
	StreamFile(ctx context.Context, path string) (io.ReadCloser, error)

	// Wait blocks until the process exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Signal asks the process to stop. With force false the process gets a
	// chance to shut down cleanly; with force true it is terminated.
	Signal(ctx context.Context, force bool) error

	// Remove releases the container resources. Safe to call after exit.
	Remove(ctx context.Context) error
}

// Runtime builds the isolation image and launches session processes.
type Runtime interface {
	// Build ensures the isolation image exists, building it if needed, and
	// returns its tag.
	Build(ctx context.Context) (string, error)

	// Run launches a session process and returns its handle.
	Run(ctx context.Context, spec RunSpec) (Handle, error)

	// Attach returns a handle on an already running container, identified by
	// the id Run reported earlier.
	Attach(containerID string) Handle
}

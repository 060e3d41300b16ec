package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes callers are expected to match on.
var (
	// ErrInvalidWorkspace means the workspace path does not exist or is not
	// a directory. Surfaced before a session is ever created.
	ErrInvalidWorkspace = errors.New("invalid workspace")

	// ErrSessionNotFound means no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSnapshotNotFound means no snapshot archive exists for the session.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrWorkspaceBusy means the owning session is not terminal, so its
	// workspace must not be rolled back.
	ErrWorkspaceBusy = errors.New("workspace busy: session is not terminal")

	// ErrLaunchBlocked means the launch policy rejected the run request.
	ErrLaunchBlocked = errors.New("launch blocked by policy")

	// ErrMissingCredentials means no agent API key could be resolved from the
	// request, the environment or the stored key file.
	ErrMissingCredentials = errors.New("no API key found: pass --api-key, set ANTHROPIC_API_KEY, or store a key in the data directory")
)

// OrchestrationError wraps a launch or build failure that prevents a session
// from ever reaching the running state.
type OrchestrationError struct {
	Stage string // "build", "run"
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed during %s: %v", e.Stage, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

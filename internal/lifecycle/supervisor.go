package lifecycle

import (
	"context"
)

// Supervisor is the external container supervisor collaborator. It owns
// the actual compute environment; the lifecycle manager only records state
// transitions around these calls.
type Supervisor interface {
	// Provision creates and starts a fresh container for the user,
	// returning its ID.
	Provision(ctx context.Context, userID string) (string, error)

	// Wake restarts a stopped container.
	Wake(ctx context.Context, containerID string) error

	// Sleep stops a running container, preserving it for a later wake.
	Sleep(ctx context.Context, containerID string) error

	// Remove stops and deletes a container permanently.
	Remove(ctx context.Context, containerID string) error

	// IsRunning reports whether the container currently runs.
	IsRunning(ctx context.Context, containerID string) (bool, error)
}

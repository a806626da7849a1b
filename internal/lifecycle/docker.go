// Package lifecycle manages the per-user container session state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	// Container configuration.
	imageName     = "assistant-runtime:latest"
	containerUser = "1000"
	workingDir    = "/home/assistant/work"
	mountPath     = "/home/assistant/work"
	stopTimeout   = 10 // seconds

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Assistant network configuration.
	assistantNetwork = "assistd-sessions"
	assistantSubnet  = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerSupervisor implements Supervisor using the Docker API.
type DockerSupervisor struct {
	cli     *client.Client
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerSupervisor creates a Docker-backed supervisor.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerSupervisor(runtime string) (*DockerSupervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerSupervisor{cli: cli, runtime: runtime}, nil
}

// Client returns the underlying Docker client, shared with the dispatcher.
func (s *DockerSupervisor) Client() *client.Client {
	return s.cli
}

// Provision creates and starts a fresh container for the user. A stale
// container holding the user's name is recycled first.
func (s *DockerSupervisor) Provision(ctx context.Context, userID string) (string, error) {
	containerName := fmt.Sprintf("assistant-%s", userID)
	volumeName := fmt.Sprintf("assistant-%s-data", userID)

	// A lingering named container from a previous life must be recycled,
	// not reused: the session row no longer points at it.
	if inspect, err := s.cli.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Found stale container, recycling", "container_id", inspect.ID, "user_id", userID)
		if err := s.Remove(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to remove stale container before provisioning", "error", err, "container_id", inspect.ID)
		}
	}

	slog.Info("Creating container", "user_id", userID, "volume", volumeName)

	config := &container.Config{
		Image:      imageName,
		User:       containerUser,
		WorkingDir: workingDir,
		Env:        []string{"ASSISTD_USER_ID=" + userID},
	}

	hostConfig := &container.HostConfig{
		Runtime:     s.runtime,
		NetworkMode: container.NetworkMode(assistantNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent/delayed cleanup can leave the old named container
		// briefly. Force-remove by name and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"user_id", userID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := s.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if removeErr := s.Remove(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", inspect.ID, "error", removeErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := s.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "user_id", userID)
	return resp.ID, nil
}

// Wake restarts a stopped container.
func (s *DockerSupervisor) Wake(ctx context.Context, containerID string) error {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("wake container %s: container is gone", containerID)
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if inspect.State.Running {
		slog.Debug("Container already running on wake", "container_id", containerID)
		return nil
	}
	if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("wake container %s: %w", containerID, err)
	}
	slog.Info("Container woken", "container_id", containerID)
	return nil
}

// Sleep stops a running container without removing it, so wake can
// restart it cheaply.
func (s *DockerSupervisor) Sleep(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already gone on sleep", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	slog.Info("Container put to sleep", "container_id", containerID)
	return nil
}

// Remove stops and removes a container. It is idempotent and handles
// concurrent calls gracefully.
func (s *DockerSupervisor) Remove(ctx context.Context, containerID string) error {
	slog.Info("Removing container", "container_id", containerID)

	_, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeout
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed elsewhere.
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: false}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container removed", "container_id", containerID)
	return nil
}

// IsRunning reports whether the container currently runs.
func (s *DockerSupervisor) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// EnsureNetwork creates the session bridge network if it doesn't exist.
func (s *DockerSupervisor) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == assistantNetwork {
			slog.Info("Session network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := s.cli.NetworkCreate(ctx, assistantNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: assistantSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", assistantNetwork, err)
	}

	slog.Info("Session network created", "network_id", createResp.ID, "subnet", assistantSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}

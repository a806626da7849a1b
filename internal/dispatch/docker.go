package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// deliverCmd is the in-container entrypoint that accepts a JSON message
// on stdin and prints a JSON result as its last stdout line.
var deliverCmd = []string{"assistantctl", "deliver"}

const containerUser = "assistant"

// DockerDispatcher delivers messages by running the in-container delivery
// command over docker exec and reading its result from stdout.
type DockerDispatcher struct {
	cli *client.Client
}

// NewDockerDispatcher wraps an existing Docker client.
func NewDockerDispatcher(cli *client.Client) *DockerDispatcher {
	return &DockerDispatcher{cli: cli}
}

// Dispatch execs the delivery command, writes the message to its stdin
// and parses the result from the last stdout line. A non-zero exit code
// or unparseable output is a dispatch failure; the caller decides whether
// to crash the session.
func (d *DockerDispatcher) Dispatch(ctx context.Context, containerID string, msg Message) (*Result, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message for %s: %w", msg.UserID, err)
	}

	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          deliverCmd,
		User:         containerUser,
	}

	resp, err := d.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create delivery exec in container %s: %w", containerID, err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach delivery exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	if _, err := attachResp.Conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write message to exec %s: %w", resp.ID, err)
	}
	if err := attachResp.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close exec %s stdin: %w", resp.ID, err)
	}

	// Draining the demuxed streams blocks until the command exits.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read delivery output from exec %s: %w", resp.ID, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect delivery exec %s: %w", resp.ID, err)
	}
	if inspect.ExitCode != 0 {
		return nil, fmt.Errorf("delivery command exited with code %d: %s",
			inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}

	result, err := parseResult(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse delivery result from container %s: %w", containerID, err)
	}

	slog.Debug("Message dispatched",
		"user_id", msg.UserID,
		"kind", msg.Kind,
		"container_id", containerID,
		"cost_cents", result.CostCents,
	)
	return result, nil
}

// parseResult decodes the last non-empty stdout line as the delivery
// result. Earlier lines are tolerated as incidental command output.
func parseResult(stdout []byte) (*Result, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			return nil, fmt.Errorf("decode result line %q: %w", line, err)
		}
		if res.CostCents < 0 {
			return nil, fmt.Errorf("negative cost %d in result", res.CostCents)
		}
		return &res, nil
	}
	return nil, fmt.Errorf("empty delivery output")
}

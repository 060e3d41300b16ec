package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// DockerRuntime drives sessions through the docker CLI.
type DockerRuntime struct {
	ImageTag string
	BuildDir string
}

// NewDockerRuntime returns a runtime using the given image tag and build
// context directory.
func NewDockerRuntime(imageTag, buildDir string) *DockerRuntime {
	return &DockerRuntime{ImageTag: imageTag, BuildDir: buildDir}
}

// Build ensures the isolation image exists. The image is reused across
// sessions; it is only built when missing.
func (r *DockerRuntime) Build(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "docker", "image", "inspect", r.ImageTag).Run(); err == nil {
		return r.ImageTag, nil
	}

	if _, err := os.Stat(r.BuildDir); err != nil {
		return "", fmt.Errorf("image %s not found and build context missing: %w", r.ImageTag, err)
	}

	cmd := exec.CommandContext(ctx, "docker", "build", "-t", r.ImageTag, r.BuildDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to build image %s: %w: %s", r.ImageTag, err, stderr.String())
	}
	return r.ImageTag, nil
}

// Run launches a detached container for the session and returns its handle.
// A stale container with the same name is removed first.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	name := spec.Name
	if name == "" {
		sum := sha256.Sum256([]byte(spec.Workspace + spec.Task))
		name = "zenclaude-" + hex.EncodeToString(sum[:])[:8]
	}
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()

	args := []string{
		"run", "-d",
		"--name", name,
		"--memory", spec.Limits.Memory,
		"--cpus", spec.Limits.CPUs,
		"--pids-limit", strconv.Itoa(spec.Limits.Pids),
		"-v", spec.Workspace + ":/workspace:rw",
	}
	if spec.ConfigDir != "" {
		args = append(args, "-v", spec.ConfigDir+":/home/claude/.claude-host:ro")
	}
	args = append(args, "-e", "TASK="+spec.Task)
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	args = append(args, spec.Image)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to start container: %w: %s", err, stderr.String())
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return nil, fmt.Errorf("docker run returned no container id")
	}
	return &dockerHandle{id: id}, nil
}

// Attach returns a handle on a container launched by an earlier process.
func (r *DockerRuntime) Attach(containerID string) Handle {
	return &dockerHandle{id: containerID}
}

type dockerHandle struct {
	id string
}

func (h *dockerHandle) ID() string { return h.id }

// Output follows the container's combined stdout and stderr until exit.
func (h *dockerHandle) Output(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "-f", h.id)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to stream container logs: %w", err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

// StreamFile follows a file inside the container. The exec dies with the
// container, so the reader ends when the session does.
func (h *dockerHandle) StreamFile(ctx context.Context, path string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "docker", "exec", h.id, "tail", "-F", "-n", "+1", path)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to stream container file %s: %w", path, err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

// Wait blocks until the container exits and returns its exit code.
func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, "docker", "wait", h.id)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return -1, fmt.Errorf("failed to wait for container %s: %w: %s", h.id, err, stderr.String())
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return -1, fmt.Errorf("unexpected docker wait output %q: %w", stdout.String(), err)
	}
	return code, nil
}

func (h *dockerHandle) Signal(ctx context.Context, force bool) error {
	sig := "SIGTERM"
	if force {
		sig = "SIGKILL"
	}
	cmd := exec.CommandContext(ctx, "docker", "kill", "--signal", sig, h.id)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// The container may already be gone; that is the outcome we wanted.
		if strings.Contains(stderr.String(), "is not running") ||
			strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("failed to signal container %s: %w: %s", h.id, err, stderr.String())
	}
	return nil
}

func (h *dockerHandle) Remove(ctx context.Context) error {
	return exec.CommandContext(ctx, "docker", "rm", "-f", h.id).Run()
}

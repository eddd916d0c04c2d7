// Package sandbox executes untrusted code inside disposable, resource-bounded
// Docker containers.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/domain"
)

const (
	workDir       = "/work"
	sandboxUser   = "65534" // nobody
	keepAliveSecs = 3600

	// maxOutputBytes caps captured output per stream so a runaway print loop
	// cannot exhaust memory before the timeout fires.
	maxOutputBytes = 256 * 1024
)

// ErrEnvironmentUnavailable indicates the isolation backend could not
// provision an execution environment. Fatal to the current attempt.
var ErrEnvironmentUnavailable = errors.New("sandbox environment unavailable")

// Limits bounds one sandbox execution.
type Limits struct {
	MemoryBytes    int64
	CPUQuota       int64 // microseconds of CPU per 100ms period; 50000 = half a core
	PidsLimit      int64
	Timeout        time.Duration
	NetworkEnabled bool // outbound network stays disabled unless set
}

// DefaultLimits returns the limits applied when the caller supplies none.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 512 * 1024 * 1024,
		CPUQuota:    50000,
		PidsLimit:   128,
		Timeout:     30 * time.Second,
	}
}

// Request describes one code+test payload to execute.
type Request struct {
	Language    string
	Code        string
	TestCommand string
	Limits      Limits
}

// Runner executes one payload in isolation and reports the outcome.
type Runner interface {
	Run(ctx context.Context, req Request) (*domain.SandboxResult, error)
}

// DockerRunner implements Runner on the Docker API. Each Run provisions a
// fresh container, executes inside it, and tears it down on every exit path.
// Concurrent runs never share state.
type DockerRunner struct {
	cli    *client.Client
	images map[Language]string
}

// NewDockerRunner creates a Docker-backed sandbox runner. imageOverrides maps
// allowlist languages to alternative images; unset entries use the builtin
// defaults.
func NewDockerRunner(imageOverrides map[string]string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	images := make(map[Language]string, len(runtimes))
	for lang, spec := range runtimes {
		images[lang] = spec.Image
	}
	for name, img := range imageOverrides {
		lang, err := ResolveLanguage(name)
		if err != nil {
			return nil, fmt.Errorf("image override: %w", err)
		}
		images[lang] = img
	}

	slog.Info("Sandbox runner initialized", "languages", SupportedLanguages())
	return &DockerRunner{cli: cli, images: images}, nil
}

// Run executes the payload and returns its captured result. The container is
// always removed before Run returns, including on timeout, cancellation, and
// provisioning failure.
func (r *DockerRunner) Run(ctx context.Context, req Request) (*domain.SandboxResult, error) {
	lang, err := ResolveLanguage(req.Language)
	if err != nil {
		return nil, err
	}
	limits := req.Limits
	if limits.Timeout <= 0 {
		limits = DefaultLimits()
	}

	spec := runtimes[lang]
	containerID, err := r.provision(ctx, lang, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvironmentUnavailable, err)
	}
	defer r.teardown(containerID)

	if err := r.copyCode(ctx, containerID, spec.FileName, req.Code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvironmentUnavailable, err)
	}

	start := time.Now()
	result, err := r.execute(ctx, containerID, spec.Command, limits.Timeout)
	if err != nil {
		return nil, err
	}

	if req.TestCommand != "" && !result.TimedOut && result.ExitCode == 0 {
		remaining := limits.Timeout - time.Since(start)
		if remaining <= 0 {
			result.TimedOut = true
		} else {
			testResult, err := r.execute(ctx, containerID, []string{"sh", "-c", req.TestCommand}, remaining)
			if err != nil {
				return nil, err
			}
			result.ExitCode = testResult.ExitCode
			result.TimedOut = testResult.TimedOut
			result.Stdout += testResult.Stdout
			result.Stderr += testResult.Stderr
			result.TestRan = true
		}
	}

	result.Duration = time.Since(start)
	slog.Info("Sandbox run finished",
		"language", lang,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration,
	)
	return result, nil
}

// provision creates and starts a keep-alive container with the requested
// resource limits. The container idles until commands are exec'd into it.
func (r *DockerRunner) provision(ctx context.Context, lang Language, limits Limits) (string, error) {
	img := r.images[lang]
	name := fmt.Sprintf("remedy-sandbox-%s", uuid.NewString())

	config := &container.Config{
		Image:           img,
		Cmd:             strslice.StrSlice{"sleep", fmt.Sprint(keepAliveSecs)},
		WorkingDir:      workDir,
		User:            sandboxUser,
		NetworkDisabled: !limits.NetworkEnabled,
	}
	hostConfig := &container.HostConfig{
		CapDrop: strslice.StrSlice{"ALL"},
		Resources: container.Resources{
			Memory:    limits.MemoryBytes,
			CPUQuota:  limits.CPUQuota,
			PidsLimit: ptr(limits.PidsLimit),
		},
	}
	if !limits.NetworkEnabled {
		hostConfig.NetworkMode = "none"
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if errdefs.IsNotFound(err) {
		// Image missing locally; pull once and retry.
		if pullErr := r.pullImage(ctx, img); pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", img, pullErr)
		}
		resp, err = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.teardown(resp.ID)
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Debug("Sandbox container provisioned", "container_id", resp.ID, "image", img)
	return resp.ID, nil
}

func (r *DockerRunner) pullImage(ctx context.Context, img string) error {
	rc, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close image pull stream", "error", closeErr)
		}
	}()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress: %w", err)
	}
	return nil
}

// copyCode delivers the payload into the container's working directory as a
// single-file tar archive.
func (r *DockerRunner) copyCode(ctx context.Context, containerID, fileName, code string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: fileName,
		Mode: 0o644,
		Size: int64(len(code)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(code)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	if err := r.cli.CopyToContainer(ctx, containerID, workDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy code to container %s: %w", containerID, err)
	}
	return nil
}

// execute runs one command inside the container and captures demuxed output.
// Exceeding the timeout kills the container and reports TimedOut rather than
// hanging.
func (r *DockerRunner) execute(ctx context.Context, containerID string, cmd []string, timeout time.Duration) (*domain.SandboxResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := r.cli.ContainerExecCreate(execCtx, containerID, container.ExecOptions{
		Cmd:          strslice.StrSlice(cmd),
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create exec: %v", ErrEnvironmentUnavailable, err)
	}

	attach, err := r.cli.ContainerExecAttach(execCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: attach exec: %v", ErrEnvironmentUnavailable, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(
			&limitedWriter{w: &stdout},
			&limitedWriter{w: &stderr},
			attach.Reader,
		)
		copyDone <- copyErr
	}()

	timedOut := false
	select {
	case copyErr := <-copyDone:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			slog.Debug("Exec output copy error", "error", copyErr, "container_id", containerID)
		}
	case <-execCtx.Done():
		timedOut = ctx.Err() == nil // deadline hit, not caller cancellation
		// Kill the whole container; a stuck process ignores lesser signals.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if killErr := r.cli.ContainerKill(killCtx, containerID, "SIGKILL"); killErr != nil && !errdefs.IsNotFound(killErr) {
			slog.Warn("Failed to kill timed-out sandbox", "error", killErr, "container_id", containerID)
		}
		killCancel()
		<-copyDone
		if !timedOut {
			return nil, ctx.Err()
		}
	}

	result := &domain.SandboxResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}
	if timedOut {
		result.ExitCode = -1
		return result, nil
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect exec: %v", ErrEnvironmentUnavailable, err)
	}
	result.ExitCode = inspect.ExitCode
	return result, nil
}

// teardown force-removes the container. Runs with its own context so cleanup
// still happens after caller cancellation; idempotent for already-gone
// containers.
func (r *DockerRunner) teardown(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return
		}
		slog.Warn("Failed to remove sandbox container", "error", err, "container_id", containerID)
		return
	}
	slog.Debug("Sandbox container removed", "container_id", containerID)
}

// limitedWriter truncates output past maxOutputBytes without failing the copy.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if l.n >= maxOutputBytes {
		return orig, nil
	}
	if l.n+len(p) > maxOutputBytes {
		p = p[:maxOutputBytes-l.n]
	}
	l.n += len(p)
	if _, err := l.w.Write(p); err != nil {
		return 0, err
	}
	return orig, nil
}

func ptr[T any](v T) *T {
	return &v
}

package toolhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
)

// DockerSandbox runs a dangerous-class tool's invocation inside a
// throwaway container, grounded directly in the teacher's
// internal/dispatch/docker.go: a read-only bind-mounted context directory
// carrying the request payload, and a scratch workspace mount the tool may
// write into. Unlike the teacher's long-lived agent sessions, a sandbox run
// here is synchronous and self-removing — Run blocks until the container
// exits or the caller's context is cancelled.
type DockerSandbox struct {
	cli       *client.Client
	image     string
	scratchDir string
}

// NewDockerSandbox connects to the local Docker daemon using the
// environment-derived configuration (DOCKER_HOST etc.), matching the
// teacher's client.FromEnv + API version negotiation.
func NewDockerSandbox(image, scratchDir string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.NewDockerSandbox", err)
	}
	return &DockerSandbox{cli: cli, image: image, scratchDir: scratchDir}, nil
}

// Run serializes args to the context directory, starts a container running
// desc's tool command, waits for completion, and returns the captured
// stdout (trimmed) as the tool's output.
func (s *DockerSandbox) Run(ctx context.Context, desc Descriptor, args map[string]any) (any, error) {
	runID := uuid.NewString()
	hostCtxDir := filepath.Join(os.TempDir(), "htnguard-sandbox-"+runID)
	if err := os.MkdirAll(hostCtxDir, 0o755); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", err)
	}
	defer os.RemoveAll(hostCtxDir)

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, htnerr.New(htnerr.KindValidation, "toolhub.DockerSandbox.Run", err)
	}
	if err := os.WriteFile(filepath.Join(hostCtxDir, "args.json"), payload, 0o644); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", err)
	}

	workDir := filepath.Join(s.scratchDir, runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", err)
	}
	defer os.RemoveAll(workDir)

	name := "htnguard-tool-" + runID
	cfg := &container.Config{
		Image:      s.image,
		Cmd:        []string{"/bin/sh", "-c", fmt.Sprintf("htn-tool %s /sandbox/args.json", desc.Name)},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostCtxDir, Target: "/sandbox", ReadOnly: true},
			{Type: mount.TypeBind, Source: workDir, Target: "/workspace"},
		},
		AutoRemove: true,
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", fmt.Errorf("create: %w", err))
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", fmt.Errorf("start: %w", err))
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		_ = s.cli.ContainerKill(context.Background(), resp.ID, "KILL")
		return nil, ctx.Err()
	case werr := <-errCh:
		if werr != nil {
			return nil, htnerr.New(htnerr.KindTool, "toolhub.DockerSandbox.Run", werr)
		}
	case status := <-statusCh:
		logs, err := s.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
		if err != nil {
			return nil, htnerr.New(htnerr.KindUnavailable, "toolhub.DockerSandbox.Run", err)
		}
		var stdout, stderr bytes.Buffer
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
		_ = logs.Close()
		if status.StatusCode != 0 {
			return nil, htnerr.New(htnerr.KindTool, "toolhub.DockerSandbox.Run", fmt.Errorf("exit %d: %s", status.StatusCode, stderr.String()))
		}
		return stdout.String(), nil
	}
	return nil, htnerr.New(htnerr.KindTool, "toolhub.DockerSandbox.Run", fmt.Errorf("sandbox run ended without a status"))
}

// Close releases the Docker client connection.
func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

package dockerctl

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client implements ContainerControl against a Docker daemon.
type Client struct {
	api *client.Client
}

// New connects using the standard environment (DOCKER_HOST and friends)
// and negotiates the API version with the daemon.
func New() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

func (c *Client) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := c.api.ContainerStop(ctx, name, opts); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Exec runs a command inside the container and waits for it, capturing
// the demultiplexed stdout and stderr streams.
func (c *Client) Exec(ctx context.Context, name string, cmd []string, env []string) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, fmt.Errorf("exec in %s: empty command", name)
	}
	created, err := c.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create in %s: %w", name, err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read from %s: %w", name, err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect in %s: %w", name, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// CopyFrom copies one file out of the container. The engine wraps the
// payload in a tar stream; the matching regular entry is unwrapped and
// the destination written via temp file and rename.
func (c *Client) CopyFrom(ctx context.Context, name, srcPath, dstPath string) error {
	rc, _, err := c.api.CopyFromContainer(ctx, name, srcPath)
	if err != nil {
		return fmt.Errorf("copy %s from %s: %w", srcPath, name, err)
	}
	defer rc.Close()

	want := path.Base(srcPath)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("copy %s from %s: entry missing in stream", srcPath, name)
		}
		if err != nil {
			return fmt.Errorf("copy %s from %s: %w", srcPath, name, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != want {
			continue
		}
		if err := writeAtomic(dstPath, tr); err != nil {
			return fmt.Errorf("copy %s from %s: %w", srcPath, name, err)
		}
		return nil
	}
}

func writeAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pgback-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Package dockerctl is the narrow slice of the Docker Engine API that the
// backup and restore operations need: inspect, start, stop, exec with
// captured output, and copy-from-container.
package dockerctl

import (
	"context"
	"strings"
	"time"
)

// ExecResult carries the outcome of one in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// OutLine returns trimmed stdout, for commands whose single-line output
// gets parsed.
func (r ExecResult) OutLine() string {
	return strings.TrimSpace(string(r.Stdout))
}

// ErrLine returns trimmed stderr for error messages.
func (r ExecResult) ErrLine() string {
	return strings.TrimSpace(string(r.Stderr))
}

// ContainerControl is implemented by the real Docker client and by the
// in-memory Fake used in tests.
type ContainerControl interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Exec(ctx context.Context, name string, cmd []string, env []string) (ExecResult, error)
	CopyFrom(ctx context.Context, name, srcPath, dstPath string) error
}

package dockerctl

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"
)

// FakeCall records one operation against the Fake.
type FakeCall struct {
	Op        string // inspect, start, stop, exec, copy
	Container string
	Cmd       []string
	Env       []string
	Src       string
	Dst       string
}

// Fake is an in-memory ContainerControl for tests. Exec outcomes are
// scripted by program name (cmd[0]); Queue entries are consumed one per
// call with the last result sticky, so polling loops can be driven.
type Fake struct {
	mu sync.Mutex

	Running map[string]bool
	Results map[string]ExecResult
	Queue   map[string][]ExecResult
	Errors  map[string]error

	Files   map[string][]byte // in-container path -> payload for CopyFrom
	CopyErr map[string]error

	InspectErr error
	StartErr   error
	StopErr    error

	Calls []FakeCall
}

func NewFake() *Fake {
	return &Fake{
		Running: map[string]bool{},
		Results: map[string]ExecResult{},
		Queue:   map[string][]ExecResult{},
		Errors:  map[string]error{},
		Files:   map[string][]byte{},
		CopyErr: map[string]error{},
	}
}

func (f *Fake) record(call FakeCall) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(FakeCall{Op: "inspect", Container: name})
	if f.InspectErr != nil {
		return false, f.InspectErr
	}
	return f.Running[name], nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(FakeCall{Op: "start", Container: name})
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Running[name] = true
	return nil
}

func (f *Fake) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(FakeCall{Op: "stop", Container: name})
	if f.StopErr != nil {
		return f.StopErr
	}
	f.Running[name] = false
	return nil
}

func (f *Fake) Exec(_ context.Context, name string, cmd []string, env []string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(FakeCall{Op: "exec", Container: name, Cmd: cmd, Env: env})
	if len(cmd) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}
	prog := cmd[0]
	if err := f.Errors[prog]; err != nil {
		return ExecResult{}, err
	}
	if queue := f.Queue[prog]; len(queue) > 0 {
		res := queue[0]
		if len(queue) > 1 {
			f.Queue[prog] = queue[1:]
		}
		return res, nil
	}
	if res, ok := f.Results[prog]; ok {
		return res, nil
	}
	return ExecResult{}, nil
}

// CopyFrom looks up Files by the full in-container path first, then by its
// base name, so tests do not have to predict timestamped directories.
func (f *Fake) CopyFrom(_ context.Context, name, srcPath, dstPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(FakeCall{Op: "copy", Container: name, Src: srcPath, Dst: dstPath})
	if err := f.CopyErr[srcPath]; err != nil {
		return err
	}
	if err := f.CopyErr[path.Base(srcPath)]; err != nil {
		return err
	}
	data, ok := f.Files[srcPath]
	if !ok {
		data, ok = f.Files[path.Base(srcPath)]
	}
	if !ok {
		return fmt.Errorf("no such file in container: %s", srcPath)
	}
	return os.WriteFile(dstPath, data, 0o600)
}

// ExecCommands returns every exec invocation in order.
func (f *Fake) ExecCommands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds [][]string
	for _, call := range f.Calls {
		if call.Op == "exec" {
			cmds = append(cmds, call.Cmd)
		}
	}
	return cmds
}

// Ops returns the operation names in call order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, 0, len(f.Calls))
	for _, call := range f.Calls {
		ops = append(ops, call.Op)
	}
	return ops
}

package dockerctl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	running, err := f.IsRunning(ctx, "pg-a")
	if err != nil || running {
		t.Fatalf("fresh container should not run: %v %v", running, err)
	}
	if err := f.Start(ctx, "pg-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	running, _ = f.IsRunning(ctx, "pg-a")
	if !running {
		t.Fatalf("expected running after start")
	}
	if err := f.Stop(ctx, "pg-a", 30*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	running, _ = f.IsRunning(ctx, "pg-a")
	if running {
		t.Fatalf("expected stopped after stop")
	}
}

func TestFakeExecQueueStickyTail(t *testing.T) {
	f := NewFake()
	f.Queue["pg_isready"] = []ExecResult{
		{ExitCode: 1},
		{ExitCode: 1},
		{ExitCode: 0},
	}

	var codes []int
	for i := 0; i < 5; i++ {
		res, err := f.Exec(context.Background(), "pg-a", []string{"pg_isready"}, nil)
		if err != nil {
			t.Fatalf("exec: %v", err)
		}
		codes = append(codes, res.ExitCode)
	}
	want := []int{1, 1, 0, 0, 0}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("unexpected codes: %v", codes)
		}
	}
}

func TestFakeCopyFrom(t *testing.T) {
	f := NewFake()
	f.Files["/tmp/x/base.tar.gz"] = []byte("payload")

	dst := filepath.Join(t.TempDir(), "base.tar.gz")
	if err := f.CopyFrom(context.Background(), "pg-a", "/tmp/x/base.tar.gz", dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "payload" {
		t.Fatalf("unexpected copy result: %q %v", got, err)
	}

	if err := f.CopyFrom(context.Background(), "pg-a", "/tmp/x/missing", dst); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.tar.gz")
	if err := writeAtomic(dst, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "data" {
		t.Fatalf("unexpected content: %q %v", got, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}

package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/config"
	"github.com/emuops/pgback/internal/dockerctl"
	"github.com/emuops/pgback/internal/notify"
	"github.com/emuops/pgback/internal/store"
)

func newFleet(t *testing.T) (*FleetRunner, *dockerctl.Fake, *recordingNotifier) {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.Instances = map[string]config.InstanceConfig{
		"alpha": {Container: "pg-alpha", User: "postgres", Password: "pw"},
		"beta":  {Container: "pg-beta", User: "postgres", Password: "pw"},
	}
	fake := dockerctl.NewFake()
	fake.Running["pg-alpha"] = true
	fake.Running["pg-beta"] = true
	fake.Files["base.tar.gz"] = makeArchive(t, map[string]string{"PG_VERSION": "16\n"})
	fake.Files["pg_wal.tar.gz"] = makeArchive(t, map[string]string{"wal": "x"})
	rec := &recordingNotifier{}
	exec := New(cfg, store.New(root, zerolog.Nop()), fake, rec, nil, zerolog.Nop())
	return &FleetRunner{Exec: exec}, fake, rec
}

func TestFleetAllSucceed(t *testing.T) {
	runner, fake, rec := newFleet(t)

	summary, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 2 || len(summary.Failed) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	event := rec.last(t)
	if event.Kind != notify.KindFleet || event.Status != notify.StatusSuccess {
		t.Fatalf("unexpected fleet event: %+v", event)
	}
	if event.Message != "2/2 instances backed up" {
		t.Fatalf("unexpected summary message %q", event.Message)
	}

	// Stable name order: alpha before beta.
	var inspected []string
	for _, call := range fake.Calls {
		if call.Op == "inspect" {
			inspected = append(inspected, call.Container)
		}
	}
	if len(inspected) != 2 || inspected[0] != "pg-alpha" || inspected[1] != "pg-beta" {
		t.Fatalf("unexpected instance order: %v", inspected)
	}
}

func TestFleetContinuesPastFailure(t *testing.T) {
	runner, _, rec := newFleet(t)
	runner.Exec.Containers.(*dockerctl.Fake).Running["pg-alpha"] = false

	summary, err := runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "alpha") {
		t.Fatalf("expected error naming the failed instance, got %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Failed) != 1 || summary.Failed[0] != "alpha" {
		t.Fatalf("unexpected failed list: %v", summary.Failed)
	}

	event := rec.last(t)
	if event.Kind != notify.KindFleet || event.Status != notify.StatusFailed {
		t.Fatalf("unexpected fleet event: %+v", event)
	}
	if !strings.Contains(event.Message, "failed: alpha") {
		t.Fatalf("summary message does not name the failure: %q", event.Message)
	}
}

func TestFleetOutsideWindowRefuses(t *testing.T) {
	runner, fake, _ := newFleet(t)
	now := time.Now()
	runner.Exec.Cfg.Schedule.WindowStart = now.Add(time.Hour).Format("15:04")
	runner.Exec.Cfg.Schedule.WindowEnd = now.Add(2 * time.Hour).Format("15:04")

	_, err := runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "window") {
		t.Fatalf("expected window refusal, got %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("expected no container activity outside the window, got %v", fake.Ops())
	}
}

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), zerolog.Nop())
}

func writePair(t *testing.T, s *Store, instance, ts string, withWAL bool, age time.Duration) string {
	t.Helper()
	dir, err := s.EnsureInstanceDir(instance)
	if err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	base := filepath.Join(dir, instance+"_backup_"+ts+".tar.gz")
	if err := os.WriteFile(base, []byte("base"), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(base, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if withWAL {
		wal := WALCompanion(base)
		if err := os.WriteFile(wal, []byte("wal"), 0o600); err != nil {
			t.Fatalf("write wal: %v", err)
		}
	}
	return base
}

func TestSizeHuman(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{1023, "1023B"},
		{1024, "1.00K"},
		{1536, "1.50K"},
		{1048575, "1024.00K"},
		{1048576, "1.00M"},
		{5 * 1048576, "5.00M"},
		{1073741824, "1.00G"},
		{3221225472, "3.00G"},
	}
	for _, tc := range cases {
		if got := SizeHuman(tc.in); got != tc.want {
			t.Fatalf("SizeHuman(%d) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestBackupNaming(t *testing.T) {
	ts := time.Date(2025, 1, 12, 3, 30, 0, 0, time.UTC)
	name := BackupName("backend", ts)
	if name != "backend_backup_20250112_033000.tar.gz" {
		t.Fatalf("unexpected name: %s", name)
	}
	wal := WALCompanion("/b/backend/" + name)
	if wal != "/b/backend/backend_backup_20250112_033000_wal.tar.gz" {
		t.Fatalf("unexpected wal companion: %s", wal)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	writePair(t, s, "backend", "20250110_030000", true, 3*time.Hour)
	writePair(t, s, "backend", "20250112_030000", true, time.Hour)
	writePair(t, s, "backend", "20250111_030000", false, 2*time.Hour)

	pairs, err := s.List("backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("unexpected pair count: %d", len(pairs))
	}
	if pairs[0].Timestamp != "20250112_030000" || pairs[2].Timestamp != "20250110_030000" {
		t.Fatalf("unexpected order: %s .. %s", pairs[0].Timestamp, pairs[2].Timestamp)
	}
	if !pairs[0].Complete() || pairs[1].Complete() {
		t.Fatalf("completeness flags wrong")
	}
	if pairs[0].SizeBytes != int64(len("base")+len("wal")) {
		t.Fatalf("unexpected combined size: %d", pairs[0].SizeBytes)
	}

	again, err := s.List("backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range pairs {
		if pairs[i].BasePath != again[i].BasePath {
			t.Fatalf("listing not idempotent at %d", i)
		}
	}
}

func TestListMissingDirIsEmpty(t *testing.T) {
	s := newTestStore(t)
	pairs, err := s.List("ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("expected empty listing, got %d", len(pairs))
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.EnsureInstanceDir("backend")
	for _, name := range []string{"notes.txt", "backend_dump.sql.gz", "orphan_wal.tar.gz"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	writePair(t, s, "backend", "20250112_030000", true, 0)

	pairs, err := s.List("backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
}

func TestPruneRemovesOldestCompleteOnly(t *testing.T) {
	s := newTestStore(t)
	oldest := writePair(t, s, "backend", "20250108_030000", true, 5*time.Hour)
	older := writePair(t, s, "backend", "20250109_030000", true, 4*time.Hour)
	incomplete := writePair(t, s, "backend", "20250107_030000", false, 6*time.Hour)
	writePair(t, s, "backend", "20250110_030000", true, 3*time.Hour)
	writePair(t, s, "backend", "20250111_030000", true, 2*time.Hour)
	writePair(t, s, "backend", "20250112_030000", true, time.Hour)

	removed, err := s.Prune("backend", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, gone := range []string{oldest, older} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed", gone)
		}
		if _, err := os.Stat(WALCompanion(gone)); !os.IsNotExist(err) {
			t.Fatalf("expected wal of %s removed", gone)
		}
	}
	if _, err := os.Stat(incomplete); err != nil {
		t.Fatalf("incomplete pair must survive prune: %v", err)
	}

	pairs, _ := s.List("backend")
	if len(pairs) != 4 {
		t.Fatalf("expected 3 complete + 1 incomplete, got %d", len(pairs))
	}
}

func TestPruneNoopUnderKeep(t *testing.T) {
	s := newTestStore(t)
	writePair(t, s, "backend", "20250112_030000", true, time.Hour)
	removed, err := s.Prune("backend", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no removals, got %d", removed)
	}
}

func TestSweepIncomplete(t *testing.T) {
	s := newTestStore(t)
	stale := writePair(t, s, "backend", "20250101_030000", false, 48*time.Hour)
	fresh := writePair(t, s, "backend", "20250112_030000", false, time.Minute)
	complete := writePair(t, s, "backend", "20250111_030000", true, 72*time.Hour)

	removed, err := s.SweepIncomplete("backend", 0)
	if err != nil || removed != 0 {
		t.Fatalf("disabled sweep must be a no-op, got %d %v", removed, err)
	}

	removed, err = s.SweepIncomplete("backend", 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale incomplete should be gone")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh incomplete must survive: %v", err)
	}
	if _, err := os.Stat(complete); err != nil {
		t.Fatalf("complete pair must survive: %v", err)
	}
}

func TestFindResolvesBareName(t *testing.T) {
	s := newTestStore(t)
	base := writePair(t, s, "backend", "20250112_030000", true, 0)

	pair, err := s.Find("backend", filepath.Base(base))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.BasePath != base {
		t.Fatalf("unexpected path: %s", pair.BasePath)
	}
	if !pair.Complete() {
		t.Fatalf("expected wal companion to be found")
	}

	if _, err := s.Find("backend", "missing.tar.gz"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	nameInfix  = "_backup_"
	baseSuffix = ".tar.gz"
	walSuffix  = "_wal.tar.gz"

	// TimestampLayout is the artifact name timestamp, e.g. 20250112_033000.
	TimestampLayout = "20060102_150405"
)

// Pair is one backup artifact set: a base archive plus its optional WAL
// companion. A pair is complete when both files exist on disk.
type Pair struct {
	Instance  string
	BasePath  string
	WALPath   string // empty when no companion exists
	Timestamp string // raw timestamp portion of the name
	CreatedAt time.Time
	SizeBytes int64 // combined size of base and WAL
}

func (p Pair) Complete() bool { return p.WALPath != "" }

func (p Pair) BaseName() string { return filepath.Base(p.BasePath) }

// Store derives all backup state from the directory tree under Root.
// There is no catalog: the listing is the database, so every operation
// re-reads the filesystem.
type Store struct {
	Root string
	Log  zerolog.Logger
}

func New(root string, log zerolog.Logger) *Store {
	return &Store{Root: root, Log: log}
}

func (s *Store) InstanceDir(instance string) string {
	return filepath.Join(s.Root, instance)
}

// EnsureInstanceDir creates the per-instance directory if needed.
func (s *Store) EnsureInstanceDir(instance string) (string, error) {
	dir := s.InstanceDir(instance)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	return dir, nil
}

// BackupName returns the base archive name for one run.
func BackupName(instance string, ts time.Time) string {
	return instance + nameInfix + ts.Format(TimestampLayout) + baseSuffix
}

// WALCompanion maps a base archive path to its WAL sibling path.
func WALCompanion(basePath string) string {
	return strings.TrimSuffix(basePath, baseSuffix) + walSuffix
}

// List scans the instance directory and returns pairs newest first.
// A missing directory is an empty listing, not an error.
func (s *Store) List(instance string) ([]Pair, error) {
	dir := s.InstanceDir(instance)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var pairs []Pair
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, baseSuffix) || strings.HasSuffix(name, walSuffix) {
			continue
		}
		if !strings.Contains(name, nameInfix) {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		pair := Pair{
			Instance:  instance,
			BasePath:  filepath.Join(dir, name),
			Timestamp: timestampFromName(instance, name),
			CreatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		}
		walPath := WALCompanion(pair.BasePath)
		if walInfo, statErr := os.Stat(walPath); statErr == nil {
			pair.WALPath = walPath
			pair.SizeBytes += walInfo.Size()
		}
		pairs = append(pairs, pair)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].CreatedAt.Equal(pairs[j].CreatedAt) {
			return pairs[i].BasePath > pairs[j].BasePath
		}
		return pairs[i].CreatedAt.After(pairs[j].CreatedAt)
	})
	return pairs, nil
}

// Find resolves a backup reference for an instance. Bare file names are
// looked up under the instance directory; absolute paths are taken as-is.
func (s *Store) Find(instance, ref string) (Pair, error) {
	path := ref
	if !filepath.IsAbs(ref) {
		path = filepath.Join(s.InstanceDir(instance), ref)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Pair{}, fmt.Errorf("backup file not found: %s", path)
	}
	pair := Pair{
		Instance:  instance,
		BasePath:  path,
		Timestamp: timestampFromName(instance, filepath.Base(path)),
		CreatedAt: info.ModTime(),
		SizeBytes: info.Size(),
	}
	walPath := WALCompanion(path)
	if walInfo, statErr := os.Stat(walPath); statErr == nil {
		pair.WALPath = walPath
		pair.SizeBytes += walInfo.Size()
	}
	return pair, nil
}

// Prune removes complete pairs beyond keep, retaining the newest. Incomplete
// pairs are never counted toward keep and never removed here. A failed
// deletion is logged and the sweep continues.
func (s *Store) Prune(instance string, keep int) (int, error) {
	pairs, err := s.List(instance)
	if err != nil {
		return 0, err
	}
	var complete []Pair
	var incompleteNames []string
	for _, p := range pairs {
		if p.Complete() {
			complete = append(complete, p)
		} else {
			incompleteNames = append(incompleteNames, p.BaseName())
		}
	}
	if len(incompleteNames) > 0 {
		s.Log.Warn().Str("instance", instance).Strs("bases", incompleteNames).
			Msg("incomplete backup pairs present; excluded from retention")
	}
	if keep < 0 {
		keep = 0
	}
	if len(complete) <= keep {
		return 0, nil
	}

	removed := 0
	for _, victim := range complete[keep:] {
		if err := os.Remove(victim.BasePath); err != nil {
			s.Log.Warn().Err(err).Str("file", victim.BasePath).Msg("failed to remove expired base archive")
			continue
		}
		if err := os.Remove(victim.WALPath); err != nil {
			s.Log.Warn().Err(err).Str("file", victim.WALPath).Msg("failed to remove expired wal archive")
		}
		s.Log.Info().Str("instance", instance).Str("base", victim.BaseName()).Msg("pruned expired backup pair")
		removed++
	}
	return removed, nil
}

// SweepIncomplete removes incomplete pairs whose base archive is older than
// olderThan. A zero duration disables the sweep: lingering incomplete pairs
// are only reported unless the operator opts in.
func (s *Store) SweepIncomplete(instance string, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	pairs, err := s.List(instance)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, p := range pairs {
		if p.Complete() || p.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(p.BasePath); err != nil {
			s.Log.Warn().Err(err).Str("file", p.BasePath).Msg("failed to remove stale incomplete archive")
			continue
		}
		s.Log.Info().Str("instance", instance).Str("base", p.BaseName()).Msg("swept stale incomplete pair")
		removed++
	}
	return removed, nil
}

// SizeHuman renders a byte count the way listings and notifications show
// it: bare bytes below 1 KiB, then a two-decimal mantissa with K/M/G.
func SizeHuman(b int64) string {
	switch {
	case b < 1024:
		return fmt.Sprintf("%dB", b)
	case b < 1024*1024:
		return fmt.Sprintf("%.2fK", float64(b)/1024)
	case b < 1024*1024*1024:
		return fmt.Sprintf("%.2fM", float64(b)/(1024*1024))
	default:
		return fmt.Sprintf("%.2fG", float64(b)/(1024*1024*1024))
	}
}

func timestampFromName(instance, name string) string {
	trimmed := strings.TrimSuffix(name, baseSuffix)
	return strings.TrimPrefix(trimmed, instance+nameInfix)
}

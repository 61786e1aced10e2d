// Package backup produces timestamped base-backup artifacts for Docker-hosted
// PostgreSQL instances by driving pg_basebackup inside the target container
// and copying the results into the backup store.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/archive"
	"github.com/emuops/pgback/internal/config"
	"github.com/emuops/pgback/internal/dockerctl"
	"github.com/emuops/pgback/internal/notify"
	"github.com/emuops/pgback/internal/offsite"
	"github.com/emuops/pgback/internal/store"
)

const (
	// Names pg_basebackup gives its tar-format output inside the work dir.
	baseArchiveName = "base.tar.gz"
	walArchiveName  = "pg_wal.tar.gz"

	cleanupTimeout = 30 * time.Second
)

// Executor runs the backup protocol for a single instance.
type Executor struct {
	Cfg        *config.Config
	Store      *store.Store
	Containers dockerctl.ContainerControl
	Notifier   notify.Notifier
	Mirror     *offsite.Mirror
	Log        zerolog.Logger
}

func New(cfg *config.Config, st *store.Store, containers dockerctl.ContainerControl, notifier notify.Notifier, mirror *offsite.Mirror, log zerolog.Logger) *Executor {
	return &Executor{Cfg: cfg, Store: st, Containers: containers, Notifier: notifier, Mirror: mirror, Log: log}
}

// Result reports one completed run.
type Result struct {
	Pair    store.Pair
	Warning string // set when the pair ended up incomplete
	Pruned  int
}

// Run produces one artifact pair for instance. The base archive is fatal
// end-to-end; the WAL companion is best-effort and its absence downgrades
// the run to a warning, never a failure.
func (e *Executor) Run(ctx context.Context, instance string) (*Result, error) {
	inst, err := e.Cfg.Instance(instance)
	if err != nil {
		return nil, err
	}
	log := e.Log.With().Str("instance", instance).Str("container", inst.Container).Logger()

	running, err := e.Containers.IsRunning(ctx, inst.Container)
	if err != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("inspect container: %w", err))
	}
	if !running {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("container %s is not running", inst.Container))
	}

	start := time.Now()
	baseName := store.BackupName(instance, start)
	workDir := path.Join(e.Cfg.Backup.WorkRoot, strings.TrimSuffix(baseName, ".tar.gz"))
	log.Info().Str("file", baseName).Msg("starting base backup")

	if mk, mkErr := e.Containers.Exec(ctx, inst.Container, []string{"mkdir", "-p", workDir}, nil); mkErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("create work dir: %w", mkErr))
	} else if mk.ExitCode != 0 {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("create work dir %s: %s", workDir, mk.ErrLine()))
	}

	cmd := []string{
		"pg_basebackup",
		"-h", "localhost",
		"-U", inst.User,
		"-D", workDir,
		"-Ft",
		"-z",
		"-P",
		"-c", e.Cfg.Backup.Checkpoint,
		"-r", e.Cfg.Backup.MaxRate,
	}
	env := []string{"PGPASSWORD=" + inst.Password}
	res, err := e.Containers.Exec(ctx, inst.Container, cmd, env)
	if err != nil {
		e.cleanupWorkDir(inst.Container, workDir, log)
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("pg_basebackup: %w", err))
	}
	if res.ExitCode != 0 {
		e.cleanupWorkDir(inst.Container, workDir, log)
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("pg_basebackup exited %d: %s", res.ExitCode, res.ErrLine()))
	}

	dir, err := e.Store.EnsureInstanceDir(instance)
	if err != nil {
		e.cleanupWorkDir(inst.Container, workDir, log)
		return nil, e.fail(log, instance, inst.Container, err)
	}
	basePath := filepath.Join(dir, baseName)
	if err := e.Containers.CopyFrom(ctx, inst.Container, path.Join(workDir, baseArchiveName), basePath); err != nil {
		e.cleanupWorkDir(inst.Container, workDir, log)
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("copy base archive: %w", err))
	}

	entries, err := archive.ListEntries(basePath)
	if err != nil {
		if rmErr := os.Remove(basePath); rmErr != nil {
			log.Warn().Err(rmErr).Str("file", basePath).Msg("failed to remove corrupt archive")
		}
		e.cleanupWorkDir(inst.Container, workDir, log)
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("base archive failed verification: %w", err))
	}
	log.Info().Int("entries", entries).Str("file", baseName).Msg("base archive verified")

	warning := e.copyWAL(ctx, inst.Container, workDir, basePath, log)

	e.cleanupWorkDir(inst.Container, workDir, log)

	pruned, err := e.Store.Prune(instance, e.Cfg.Backup.RetentionCount)
	if err != nil {
		log.Warn().Err(err).Msg("retention pruning failed")
	}
	if _, err := e.Store.SweepIncomplete(instance, e.Cfg.Backup.IncompleteMaxAge); err != nil {
		log.Warn().Err(err).Msg("incomplete pair sweep failed")
	}

	pair, err := e.Store.Find(instance, baseName)
	if err != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("locate new archive: %w", err))
	}

	if e.Mirror != nil {
		if err := e.Mirror.UploadPair(ctx, pair); err != nil {
			log.Warn().Err(err).Msg("off-site mirror failed")
		}
	}

	status := notify.StatusSuccess
	if warning != "" {
		status = notify.StatusWarning
	}
	notify.Fire(context.Background(), e.Notifier, log, notify.Event{
		Kind:      notify.KindBackup,
		Status:    status,
		Instance:  instance,
		Container: inst.Container,
		File:      pair.BaseName(),
		Size:      store.SizeHuman(pair.SizeBytes),
		Timestamp: pair.Timestamp,
		Message:   warning,
	})
	log.Info().
		Str("file", pair.BaseName()).
		Str("size", store.SizeHuman(pair.SizeBytes)).
		Dur("elapsed", time.Since(start)).
		Msg("backup complete")

	return &Result{Pair: pair, Warning: warning, Pruned: pruned}, nil
}

// copyWAL copies the WAL companion out of the container when one exists.
// Absence and copy failures leave the pair incomplete and return a warning
// instead of failing the run.
func (e *Executor) copyWAL(ctx context.Context, container, workDir, basePath string, log zerolog.Logger) string {
	walInContainer := path.Join(workDir, walArchiveName)
	check, err := e.Containers.Exec(ctx, container, []string{"test", "-f", walInContainer}, nil)
	if err != nil || check.ExitCode != 0 {
		warning := "no WAL archive produced; pair is incomplete"
		log.Warn().Msg(warning)
		return warning
	}
	walPath := store.WALCompanion(basePath)
	if err := e.Containers.CopyFrom(ctx, container, walInContainer, walPath); err != nil {
		warning := "WAL archive copy failed; pair is incomplete"
		log.Warn().Err(err).Msg(warning)
		return warning
	}
	return ""
}

// cleanupWorkDir removes the in-container staging directory. It runs on its
// own short deadline so a cancelled operation still gets to clean up.
func (e *Executor) cleanupWorkDir(container, workDir string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	res, err := e.Containers.Exec(ctx, container, []string{"rm", "-rf", workDir}, nil)
	if err != nil {
		log.Warn().Err(err).Str("dir", workDir).Msg("failed to remove in-container work dir")
		return
	}
	if res.ExitCode != 0 {
		log.Warn().Str("dir", workDir).Str("stderr", res.ErrLine()).Msg("failed to remove in-container work dir")
	}
}

// fail sends the terminal failure notification and returns the annotated
// error.
func (e *Executor) fail(log zerolog.Logger, instance, container string, err error) error {
	log.Error().Err(err).Msg("backup failed")
	notify.Fire(context.Background(), e.Notifier, log, notify.Event{
		Kind:      notify.KindBackup,
		Status:    notify.StatusFailed,
		Instance:  instance,
		Container: container,
		Error:     err.Error(),
	})
	return fmt.Errorf("backup %s: %w", instance, err)
}

// Package restore replaces an instance's data directory with the contents
// of a chosen backup pair, brings the server back up, and verifies it. The
// protocol is a strict state machine; the only loop is the readiness poll.
package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/archive"
	"github.com/emuops/pgback/internal/config"
	"github.com/emuops/pgback/internal/dockerctl"
	"github.com/emuops/pgback/internal/notify"
	"github.com/emuops/pgback/internal/store"
)

// State is one position in the restore protocol.
type State int

const (
	StateIdle State = iota
	StateConfirmed
	StateStopped
	StateSnapshotted
	StateWiped
	StateExtracted
	StateWalExtracted
	StateRecoveryConfigured
	StateStarted
	StateReadinessPolling
	StateVerified
	StateDegraded
)

func (s State) String() string {
	names := [...]string{
		"idle", "confirmed", "stopped", "snapshotted", "wiped", "extracted",
		"wal-extracted", "recovery-configured", "started", "readiness-polling",
		"verified", "degraded",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

const restartTimeout = 30 * time.Second

// Executor runs the restore protocol for a single instance.
type Executor struct {
	Cfg        *config.Config
	Store      *store.Store
	Containers dockerctl.ContainerControl
	Notifier   notify.Notifier
	Log        zerolog.Logger

	// Confirmation prompt plumbing; defaults to the process stdio.
	Stdin  io.Reader
	Stdout io.Writer
}

func New(cfg *config.Config, st *store.Store, containers dockerctl.ContainerControl, notifier notify.Notifier, log zerolog.Logger) *Executor {
	return &Executor{Cfg: cfg, Store: st, Containers: containers, Notifier: notifier, Log: log}
}

// Result reports how far a run got.
type Result struct {
	State     State
	Cancelled bool   // operator declined the prompt; nothing was touched
	Snapshot  string // pre-restore copy of the volume dir, when one was taken
	Pair      store.Pair
}

// Run restores instance from the backup referenced by ref (a bare artifact
// name or an absolute path). Unless assumeYes is set, the operator must
// type the exact token "yes" at the prompt; anything else cancels with no
// side effects.
func (e *Executor) Run(ctx context.Context, instance, ref string, assumeYes bool) (res *Result, err error) {
	inst, cfgErr := e.Cfg.Instance(instance)
	if cfgErr != nil {
		return nil, cfgErr
	}
	if inst.VolumeDir == "" {
		return nil, fmt.Errorf("instance %s: volume_dir is required for restore", instance)
	}
	pair, findErr := e.Store.Find(instance, ref)
	if findErr != nil {
		return nil, findErr
	}

	log := e.Log.With().Str("instance", instance).Str("container", inst.Container).Logger()
	state := StateIdle
	step := func(next State) {
		state = next
		log.Debug().Str("state", state.String()).Msg("restore advanced")
	}

	if !assumeYes {
		confirmed, promptErr := e.confirm(instance, pair)
		if promptErr != nil {
			return nil, promptErr
		}
		if !confirmed {
			log.Info().Msg("restore cancelled by operator")
			return &Result{State: StateIdle, Cancelled: true, Pair: pair}, nil
		}
	}
	step(StateConfirmed)

	wasRunning, inspectErr := e.Containers.IsRunning(ctx, inst.Container)
	if inspectErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("inspect container: %w", inspectErr))
	}

	stoppedByUs := false
	dataEmpty := false
	defer func() {
		// Error trap: put the container back if this run took it down,
		// unless the data dir no longer holds a database to start over.
		if err == nil || !stoppedByUs || dataEmpty {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if startErr := e.Containers.Start(rctx, inst.Container); startErr != nil {
			log.Warn().Err(startErr).Msg("failed to restart container after aborted restore")
		} else {
			log.Info().Msg("container restarted after aborted restore")
		}
	}()

	if wasRunning {
		if stopErr := e.Containers.Stop(ctx, inst.Container, e.Cfg.Restore.StopTimeout); stopErr != nil {
			return nil, e.fail(log, instance, inst.Container, fmt.Errorf("stop container: %w", stopErr))
		}
		stoppedByUs = true
	}
	step(StateStopped)

	snapshot := inst.VolumeDir + ".pre-restore-" + time.Now().Format(store.TimestampLayout)
	if copyErr := copyTree(inst.VolumeDir, snapshot); copyErr != nil {
		log.Warn().Err(copyErr).Str("snapshot", snapshot).
			Msg("volume snapshot failed; continuing without rollback copy")
		snapshot = ""
	} else {
		log.Info().Str("snapshot", snapshot).Msg("volume snapshot taken")
	}
	step(StateSnapshotted)

	// Marked before the wipe starts so the trap never restarts the server
	// over a half-destroyed tree.
	dataEmpty = true
	if wipeErr := wipeDir(inst.VolumeDir); wipeErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("wipe volume dir: %w", wipeErr))
	}
	dataDir := filepath.Join(inst.VolumeDir, "data")
	if mkErr := os.MkdirAll(dataDir, 0o700); mkErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("recreate data dir: %w", mkErr))
	}
	step(StateWiped)

	if exErr := archive.Extract(pair.BasePath, dataDir); exErr != nil {
		log.Error().Str("data_dir", dataDir).
			Msg("extraction failed over a wiped data directory; manual intervention required")
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("extract base archive: %w", exErr))
	}
	dataEmpty = false
	step(StateExtracted)

	if pair.WALPath != "" {
		walDir := filepath.Join(dataDir, "pg_wal")
		if exErr := extractWAL(pair.WALPath, walDir); exErr != nil {
			log.Warn().Err(exErr).Msg("wal archive extraction failed; continuing without staged wal")
		} else {
			step(StateWalExtracted)
		}
	}

	if recErr := writeRecoveryConfig(dataDir); recErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("configure recovery: %w", recErr))
	}
	step(StateRecoveryConfigured)

	if chErr := chownTree(inst.VolumeDir, inst.OwnerUID, inst.OwnerGID); chErr != nil {
		log.Warn().Err(chErr).Msg("failed to set volume ownership; server may refuse to start")
	}
	if chErr := os.Chmod(dataDir, 0o700); chErr != nil {
		log.Warn().Err(chErr).Msg("failed to restrict data dir permissions")
	}
	if startErr := e.Containers.Start(ctx, inst.Container); startErr != nil {
		return nil, e.fail(log, instance, inst.Container, fmt.Errorf("start container: %w", startErr))
	}
	step(StateStarted)

	step(StateReadinessPolling)
	if readyErr := e.waitReady(ctx, inst); readyErr != nil {
		log.Error().Msg("database did not become ready; inspect the container logs")
		return nil, e.fail(log, instance, inst.Container, readyErr)
	}

	count, verifyErr := e.countDatabases(ctx, inst)
	message := fmt.Sprintf("%d user databases visible", count)
	if verifyErr != nil || count <= 0 {
		step(StateDegraded)
		message = "server is up but database verification was inconclusive"
		log.Warn().Err(verifyErr).Int("count", count).Msg(message)
	} else {
		step(StateVerified)
		log.Info().Int("count", count).Msg("restore verified")
	}

	status := notify.StatusSuccess
	if state == StateDegraded {
		status = notify.StatusWarning
	}
	notify.Fire(context.Background(), e.Notifier, log, notify.Event{
		Kind:      notify.KindRestore,
		Status:    status,
		Instance:  instance,
		Container: inst.Container,
		File:      pair.BaseName(),
		Timestamp: pair.Timestamp,
		Message:   message,
	})
	return &Result{State: state, Snapshot: snapshot, Pair: pair}, nil
}

// confirm prompts for the exact token "yes". Anything else cancels.
func (e *Executor) confirm(instance string, pair store.Pair) (bool, error) {
	in := e.Stdin
	if in == nil {
		in = os.Stdin
	}
	out := e.Stdout
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "About to restore instance %q from %s (%s, created %s).\n",
		instance, pair.BaseName(), store.SizeHuman(pair.SizeBytes), pair.CreatedAt.Format(time.RFC3339))
	fmt.Fprint(out, "This DESTROYS the current data directory. Type 'yes' to continue: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.TrimSpace(line) == "yes", nil
}

func (e *Executor) waitReady(ctx context.Context, inst config.InstanceConfig) error {
	interval := e.Cfg.Restore.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := e.Cfg.Restore.ReadyTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		res, err := e.Containers.Exec(ctx, inst.Container, []string{"pg_isready", "-h", "localhost", "-U", inst.User}, nil)
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (e *Executor) countDatabases(ctx context.Context, inst config.InstanceConfig) (int, error) {
	res, err := e.Containers.Exec(ctx, inst.Container, []string{
		"psql", "-h", "localhost", "-U", inst.User, "-d", "postgres", "-tAc",
		"SELECT count(*) FROM pg_database WHERE NOT datistemplate",
	}, []string{"PGPASSWORD=" + inst.Password})
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("psql exited %d: %s", res.ExitCode, res.ErrLine())
	}
	count, convErr := strconv.Atoi(res.OutLine())
	if convErr != nil {
		return 0, fmt.Errorf("unreadable database count %q", res.OutLine())
	}
	return count, nil
}

func (e *Executor) fail(log zerolog.Logger, instance, container string, err error) error {
	log.Error().Err(err).Msg("restore failed")
	notify.Fire(context.Background(), e.Notifier, log, notify.Event{
		Kind:      notify.KindRestore,
		Status:    notify.StatusFailed,
		Instance:  instance,
		Container: container,
		Error:     err.Error(),
	})
	return fmt.Errorf("restore %s: %w", instance, err)
}

func extractWAL(walPath, walDir string) error {
	if err := os.MkdirAll(walDir, 0o700); err != nil {
		return err
	}
	return archive.Extract(walPath, walDir)
}

// writeRecoveryConfig drops recovery.signal and points restore_command at a
// no-op: the WAL needed for consistency is already staged under pg_wal.
func writeRecoveryConfig(dataDir string) error {
	if err := os.WriteFile(filepath.Join(dataDir, "recovery.signal"), nil, 0o600); err != nil {
		return err
	}
	conf, err := os.OpenFile(filepath.Join(dataDir, "postgresql.auto.conf"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(conf, "restore_command = 'true'"); err != nil {
		conf.Close()
		return err
	}
	return conf.Close()
}

// wipeDir removes the contents of dir but keeps dir itself: volume
// directories are commonly bind-mount points.
func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o750)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// copyTree mirrors src into dst for the pre-restore snapshot. It preserves
// modes and symlinks: data trees legitimately carry symlinked tablespaces.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, linkErr := os.Readlink(p)
			if linkErr != nil {
				return linkErr
			}
			return os.Symlink(link, target)
		default:
			return copyFile(p, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// chownTree applies uid:gid over the whole tree. Chown needs privilege, so
// callers treat failure as a warning.
func chownTree(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&os.ModeSymlink != 0 {
			return os.Lchown(p, uid, gid)
		}
		return os.Chown(p, uid, gid)
	})
}

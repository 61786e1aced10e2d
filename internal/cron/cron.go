// Package cron installs the daily fleet backup into the user crontab,
// idempotently. Managed lines are tagged with a marker comment so repeat
// installs replace instead of accumulate.
package cron

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/util"
)

// Marker tags the crontab line this tool owns.
const Marker = "# pgback:daily-backup"

// Entry describes the managed installation.
type Entry struct {
	Time   string // HH:MM, local time
	Binary string // absolute path of the pgback executable
	Log    string // optional append-redirect target
}

// Line renders the crontab line for the entry.
func (e Entry) Line() (string, error) {
	parsed, err := time.Parse("15:04", e.Time)
	if err != nil {
		return "", fmt.Errorf("invalid schedule time %q (want HH:MM)", e.Time)
	}
	line := fmt.Sprintf("%d %d * * * %s backup-all", parsed.Minute(), parsed.Hour(), e.Binary)
	if e.Log != "" {
		line += fmt.Sprintf(" >> %s 2>&1", e.Log)
	}
	return line + " " + Marker, nil
}

// Installed reports whether a managed line is present.
func Installed(crontab string) bool {
	return strings.Contains(crontab, Marker)
}

// Merge removes any previously managed line from current and appends line.
// It reports whether a managed line was replaced. The result always ends
// with a newline, which crontab requires.
func Merge(current, line string) (string, bool) {
	replaced := false
	var kept []string
	for _, existing := range strings.Split(strings.TrimRight(current, "\n"), "\n") {
		if strings.Contains(existing, Marker) {
			replaced = true
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) == 1 && kept[0] == "" {
		kept = nil
	}
	kept = append(kept, line)
	return strings.Join(kept, "\n") + "\n", replaced
}

// Installer manages the user crontab through the crontab binary.
type Installer struct {
	Log zerolog.Logger

	// Replacement prompt plumbing; defaults to the process stdio.
	Stdin  io.Reader
	Stdout io.Writer
}

// Install writes the entry, replacing an existing managed line after
// confirmation (or unconditionally with force).
func (i *Installer) Install(ctx context.Context, entry Entry, force bool) error {
	if err := util.RequireBinary("crontab"); err != nil {
		return err
	}
	line, err := entry.Line()
	if err != nil {
		return err
	}
	current, err := readCrontab(ctx)
	if err != nil {
		return err
	}
	if Installed(current) && !force {
		ok, promptErr := i.confirmReplace()
		if promptErr != nil {
			return promptErr
		}
		if !ok {
			i.Log.Info().Msg("existing schedule kept")
			return nil
		}
	}
	merged, replaced := Merge(current, line)
	if err := writeCrontab(ctx, merged); err != nil {
		return err
	}
	if replaced {
		i.Log.Info().Str("entry", line).Msg("replaced scheduled backup")
	} else {
		i.Log.Info().Str("entry", line).Msg("installed scheduled backup")
	}
	return nil
}

func (i *Installer) confirmReplace() (bool, error) {
	in := i.Stdin
	if in == nil {
		in = os.Stdin
	}
	out := i.Stdout
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprint(out, "A pgback schedule is already installed. Replace it? [y/N]: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// readCrontab returns the current crontab. An absent crontab (crontab -l
// exits non-zero complaining "no crontab") reads as empty.
func readCrontab(ctx context.Context) (string, error) {
	cmd := util.Command(ctx, "crontab", []string{"-l"}, nil)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("crontab -l: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func writeCrontab(ctx context.Context, content string) error {
	cmd := util.Command(ctx, "crontab", []string{"-"}, nil)
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install crontab: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

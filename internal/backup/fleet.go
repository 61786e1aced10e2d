package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emuops/pgback/internal/notify"
	"github.com/emuops/pgback/internal/util"
)

// FleetRunner backs up every configured instance serially, pausing between
// instances to bound load on shared Docker and storage infrastructure. One
// instance's failure never stops the rest.
type FleetRunner struct {
	Exec  *Executor
	Pause time.Duration
}

// FleetSummary aggregates one fleet run.
type FleetSummary struct {
	Total     int
	Succeeded int
	Failed    []string
}

// Run walks the instances in stable name order. It returns an error iff at
// least one instance failed, after the whole fleet has been attempted.
func (f *FleetRunner) Run(ctx context.Context) (FleetSummary, error) {
	cfg := f.Exec.Cfg
	ok, err := util.InWindow(time.Now(), cfg.Schedule.WindowStart, cfg.Schedule.WindowEnd, cfg.Schedule.Timezone)
	if err != nil {
		return FleetSummary{}, err
	}
	if !ok {
		return FleetSummary{}, fmt.Errorf("current time is outside the configured backup window")
	}

	names := cfg.InstanceNames()
	summary := FleetSummary{Total: len(names)}
	log := f.Exec.Log

	for i, name := range names {
		if i > 0 && f.Pause > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(f.Pause):
			}
		}
		if _, err := f.Exec.Run(ctx, name); err != nil {
			log.Error().Err(err).Str("instance", name).Msg("instance backup failed")
			summary.Failed = append(summary.Failed, name)
			continue
		}
		summary.Succeeded++
	}

	status := notify.StatusSuccess
	msg := fmt.Sprintf("%d/%d instances backed up", summary.Succeeded, summary.Total)
	var runErr error
	if len(summary.Failed) > 0 {
		status = notify.StatusFailed
		msg = fmt.Sprintf("%d/%d instances backed up; failed: %s",
			summary.Succeeded, summary.Total, strings.Join(summary.Failed, ", "))
		runErr = fmt.Errorf("%d of %d instances failed: %s",
			len(summary.Failed), summary.Total, strings.Join(summary.Failed, ", "))
	}
	notify.Fire(context.Background(), f.Exec.Notifier, log, notify.Event{
		Kind:    notify.KindFleet,
		Status:  status,
		Message: msg,
	})
	log.Info().Int("total", summary.Total).Int("succeeded", summary.Succeeded).
		Strs("failed", summary.Failed).Msg("fleet run finished")
	return summary, runErr
}

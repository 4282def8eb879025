package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/usage"
)

// Gemini free-tier daily quotas reset at midnight Pacific time, so the reset
// job follows that clock rather than the host's.
const resetTimezone = "America/Los_Angeles"

const historyRetentionDays = 30

// DailyResetJob archives the finished day's request total, resets daily
// counters, and prunes aged history at each Pacific midnight.
type DailyResetJob struct {
	tracker  *usage.Tracker
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDailyResetJob creates the job. Falls back to UTC when the timezone
// database is unavailable.
func NewDailyResetJob(tracker *usage.Tracker, logger zerolog.Logger) *DailyResetJob {
	loc, err := time.LoadLocation(resetTimezone)
	if err != nil {
		logger.Warn().Err(err).Str("tz", resetTimezone).Msg("timezone unavailable, using UTC")
		loc = time.UTC
	}
	return &DailyResetJob{
		tracker:  tracker,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// NextReset returns the next midnight in the reset timezone after now.
func (j *DailyResetJob) NextReset(now time.Time) time.Time {
	local := now.In(j.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, j.location).AddDate(0, 0, 1)
	return next
}

// Run fires the reset at every midnight until ctx is done.
func (j *DailyResetJob) Run(ctx context.Context) {
	for {
		next := j.NextReset(j.now())
		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Reset()
		}
	}
}

// Reset archives yesterday's total, clears daily counters, and prunes
// history and per-IP token counters past retention.
func (j *DailyResetJob) Reset() {
	now := j.now().In(j.location)
	yesterday := now.AddDate(0, 0, -1).Format(usage.DateLayout)

	total := j.tracker.TotalRPD()
	j.tracker.RecordDailyTotal(yesterday, total)
	j.tracker.ResetDaily()

	cutoff := now.AddDate(0, 0, -historyRetentionDays).Format(usage.DateLayout)
	j.tracker.PruneHistory(cutoff)
	j.tracker.PruneIPCounters(cutoff)

	j.logger.Info().
		Str("date", yesterday).
		Int("requests", total).
		Msg("daily counters reset")
}

// Package janitor owns the scheduled maintenance jobs: session-log retention,
// acknowledged-alert history trimming, login-audit purging, and the in-memory
// rate limiter sweep. Everything here is deletion of data nothing reads
// anymore; a missed run costs disk, never correctness.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jobTimeout bounds each store call. Jobs run without a request context.
const jobTimeout = time.Minute

// Retention windows for data the janitor owns the lifecycle of. Session logs
// are configurable (LOG_RETENTION_DAYS); these two are fixed.
const (
	alertRetention        = 30 * 24 * time.Hour
	loginAttemptRetention = 90 * 24 * time.Hour
)

// LogPurger deletes persisted session logs older than the retention window.
type LogPurger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// AlertStore deletes acknowledged alert history.
type AlertStore interface {
	DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LoginAuditStore deletes old login attempt rows.
type LoginAuditStore interface {
	DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper drops elapsed rate limiter windows.
type Sweeper interface {
	Sweep() int
}

// sweepSpec is how often elapsed rate limiter windows are dropped. Cheap
// enough to run far more often than the nightly purges.
const sweepSpec = "@every 10m"

// Janitor schedules the maintenance jobs on an internal cron runner. The
// destructive purges run on the configured nightly schedule; the limiter
// sweep is cheap and runs often.
type Janitor struct {
	cron         *cron.Cron
	logs         LogPurger
	alerts       AlertStore
	users        LoginAuditStore
	limiter      Sweeper
	logRetention time.Duration
	schedule     string
	log          zerolog.Logger
}

// New creates a janitor. schedule is a five-field cron spec for the nightly
// purges (JANITOR_SCHEDULE); logRetention is how long persisted session logs
// are kept. The other retention windows are fixed constants.
func New(logs LogPurger, alerts AlertStore, users LoginAuditStore, limiter Sweeper, logRetention time.Duration, schedule string, logger zerolog.Logger) *Janitor {
	return &Janitor{
		cron:         cron.New(),
		logs:         logs,
		alerts:       alerts,
		users:        users,
		limiter:      limiter,
		logRetention: logRetention,
		schedule:     schedule,
		log:          logger.With().Str("component", "janitor").Logger(),
	}
}

// Start registers the jobs and starts the scheduler. A malformed schedule is
// reported here, before the server starts accepting traffic.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.nightly); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	if _, err := j.cron.AddFunc(sweepSpec, j.sweepLimiter); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info().Str("schedule", j.schedule).Msg("janitor started")
	return nil
}

// Shutdown stops the scheduler and waits for any job already running to
// finish.
func (j *Janitor) Shutdown() {
	<-j.cron.Stop().Done()
}

// nightly runs the destructive purges back to back so they never contend
// with each other on the database.
func (j *Janitor) nightly() {
	j.purgeLogs()
	j.sweepAlerts()
	j.purgeLoginAttempts()
}

func (j *Janitor) purgeLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.logs.Purge(ctx, j.logRetention)
	if err != nil {
		j.log.Error().Err(err).Msg("session log purge failed")
		return
	}
	j.log.Info().Int64("deleted", n).Msg("session logs purged")
}

func (j *Janitor) sweepAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.alerts.DeleteAcknowledgedBefore(ctx, time.Now().Add(-alertRetention))
	if err != nil {
		j.log.Error().Err(err).Msg("alert history sweep failed")
		return
	}
	j.log.Info().Int64("deleted", n).Msg("acknowledged alerts swept")
}

func (j *Janitor) purgeLoginAttempts() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.users.DeleteLoginAttemptsBefore(ctx, time.Now().Add(-loginAttemptRetention))
	if err != nil {
		j.log.Error().Err(err).Msg("login attempt purge failed")
		return
	}
	j.log.Info().Int64("deleted", n).Msg("login attempts purged")
}

func (j *Janitor) sweepLimiter() {
	if n := j.limiter.Sweep(); n > 0 {
		j.log.Debug().Int("removed", n).Msg("rate limiter windows swept")
	}
}

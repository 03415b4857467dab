package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Jobs runs periodic work (settlement cycles, order expiry) on cron
// schedules. Overlapping runs of the same job are skipped and panics are
// recovered.
type Jobs struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewJobs creates a job runner whose jobs receive ctx.
func NewJobs(ctx context.Context) *Jobs {
	logger := slogCron{}
	return &Jobs{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		), cron.WithLogger(logger)),
		ctx: ctx,
	}
}

// Add schedules fn under a standard cron spec or a descriptor such as
// "@hourly" or "@every 5m".
func (j *Jobs) Add(name, spec string, fn func(ctx context.Context) error) error {
	_, err := j.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(j.ctx); err != nil {
			slog.Error("scheduled job failed", "job", name, "err", err)
			return
		}
		slog.Debug("scheduled job finished", "job", name, "duration", time.Since(start).String())
	})
	if err != nil {
		return err
	}
	slog.Info("scheduled job registered", "job", name, "spec", spec)
	return nil
}

// Start begins running jobs in the background.
func (j *Jobs) Start() { j.cron.Start() }

// Stop prevents new runs and returns a context done when running jobs finish.
func (j *Jobs) Stop() context.Context { return j.cron.Stop() }

// Len reports the number of registered jobs.
func (j *Jobs) Len() int { return len(j.cron.Entries()) }

// slogCron adapts cron's logger to the default slog logger.
type slogCron struct{}

func (slogCron) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCron) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

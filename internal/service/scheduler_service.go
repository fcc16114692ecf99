package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// EveryMinute fires at second zero of every minute.
const EveryMinute = "0 * * * * *"

// TickDriver invokes a job on some cadence until stopped.
type TickDriver interface {
	Start(job func()) error
	Stop()
}

// CronDriver wraps cron-based jobs. A tick that is still running when the
// next one is due is skipped rather than overlapped.
type CronDriver struct {
	cron *cron.Cron
	spec string
}

// NewCronDriver builds a driver for a six-field (seconds first) cron spec
// evaluated in loc.
func NewCronDriver(spec string, loc *time.Location, log zerolog.Logger) *CronDriver {
	if spec == "" {
		spec = EveryMinute
	}
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{log: log.With().Str("component", "cron").Logger()}
	return &CronDriver{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		spec: spec,
	}
}

func (d *CronDriver) Start(job func()) error {
	if _, err := d.cron.AddFunc(d.spec, job); err != nil {
		return fmt.Errorf("schedule %q: %w", d.spec, err)
	}
	d.cron.Start()
	return nil
}

func (d *CronDriver) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
}

// ManualDriver runs its job only when Fire is called.
type ManualDriver struct {
	mu  sync.Mutex
	job func()
}

func (d *ManualDriver) Start(job func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job != nil {
		return fmt.Errorf("manual driver already started")
	}
	d.job = job
	return nil
}

func (d *ManualDriver) Stop() {
	d.mu.Lock()
	d.job = nil
	d.mu.Unlock()
}

// Fire runs one tick synchronously. It reports false if the driver is not
// started.
func (d *ManualDriver) Fire() bool {
	d.mu.Lock()
	job := d.job
	d.mu.Unlock()
	if job == nil {
		return false
	}
	job()
	return true
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

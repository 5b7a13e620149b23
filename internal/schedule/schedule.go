// Package schedule runs the periodic jobs that sit outside the module
// runtime: the capital loop optimizer, config drift checks, session close,
// journal maintenance, and report generation. A firing is skipped while the
// previous run of the same job is still going; a run that errors is logged
// and retried at the next firing.
package schedule

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages the cron-driven background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New builds an empty scheduler. Specs use the standard five-field cron
// grammar plus the @every and @hourly descriptors. Overlapping firings of
// the same job are skipped, not queued.
func New(log zerolog.Logger) *Scheduler {
	scoped := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLog{scoped}),
		)),
		log: scoped,
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers a job on the given cron spec.
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("spec", spec).Str("job", job.Name()).Msg("job registered")
	return nil
}

// RunNow fires a job outside its schedule (startup warm runs).
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job now")
	return job.Run()
}

// cronLog adapts zerolog to the cron logger contract. The skip chain is its
// only caller, so Info lines here mean a firing was suppressed because the
// previous run is still in flight.
type cronLog struct {
	log zerolog.Logger
}

func (c cronLog) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info().Fields(keysAndValues).Msg(msg)
}

func (c cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

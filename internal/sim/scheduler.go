package sim

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler owns the cron runner the growth simulator hangs off. Jobs get
// the base context; shutdown stops the timer and lets in-flight ticks
// finish.
type Scheduler struct {
	cron *cron.Cron
	base context.Context
	log  zerolog.Logger
}

func NewScheduler(base context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		base: base,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		job(s.base)
	})
}

func (s *Scheduler) Start() {
	s.log.Info().Msg("scheduler started")
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

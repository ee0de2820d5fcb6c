// Package scheduler drives the engine's periodic work: deposit
// reconciliation, agent status refresh and fee collection.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/system"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Scheduler runs registered jobs on cron schedules. A job still running when
// its next slot arrives skips that slot instead of stacking up.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	jobs []entry

	cancel context.CancelFunc
}

type entry struct {
	name string
	spec string
	job  Job
}

var _ system.Service = (*Scheduler)(nil)

// New creates a scheduler with the three engine loops attached.
func New(intervals config.IntervalConfig, reconcile, refresh, collect Job, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	s := &Scheduler{log: log}
	s.Add("deposit-reconcile", intervals.Reconcile, reconcile)
	s.Add("agent-refresh", intervals.Refresh, refresh)
	s.Add("fee-collect", intervals.CollectFee, collect)
	return s
}

// Add registers a named job. Nil jobs are ignored so callers can disable a
// loop by omission.
func (s *Scheduler) Add(name, spec string, job Job) {
	if job == nil || spec == "" {
		return
	}
	s.jobs = append(s.jobs, entry{name: name, spec: spec, job: job})
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start validates every schedule and begins running.
func (s *Scheduler) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	for _, e := range s.jobs {
		e := e
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DefaultLogger)).Then(cron.FuncJob(func() {
			started := time.Now()
			if err := e.job(runCtx); err != nil {
				s.log.WithField("job", e.name).WithError(err).Error("scheduled job failed")
				return
			}
			s.log.WithFields(map[string]interface{}{
				"job":      e.name,
				"duration": time.Since(started).String(),
			}).Debug("scheduled job finished")
		}))
		if _, err := s.cron.AddJob(e.spec, wrapped); err != nil {
			cancel()
			return fmt.Errorf("schedule %s (%q): %w", e.name, e.spec, err)
		}
		s.log.WithFields(map[string]interface{}{
			"job":  e.name,
			"spec": e.spec,
		}).Info("job scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package enrich

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"lead-sync-service/internal/logger"
)

// Scheduler drives a Runner from a cron schedule. Each firing drains candidates in
// batches, pausing between batches, until a batch comes back short or settles none of its candidates.
type Scheduler struct {
	runner    *Runner
	schedule  string
	batchSize int
	pause     DelayPolicy
	sleep     Sleeper

	cron    *cron.Cron
	entryID cron.EntryID
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(runner *Runner, schedule string, batchSize int, pause DelayPolicy) *Scheduler {
	return &Scheduler{
		runner:    runner,
		schedule:  schedule,
		batchSize: batchSize,
		pause:     pause,
		sleep:     contextSleep,
		cron:      cron.New(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	logger.Log.Info("Starting enrichment scheduler",
		zap.String("policy", s.runner.Name()),
		zap.String("schedule", s.schedule),
		zap.Int("batch_size", s.batchSize),
	)

	id, err := s.cron.AddFunc(s.schedule, func() {
		s.trigger(s.ctx)
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop cancels an in-progress cycle and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped enrichment scheduler", zap.String("policy", s.runner.Name()))
}

func (s *Scheduler) trigger(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Log.Info("Enrichment cycle still running, skipping scheduled run",
			zap.String("policy", s.runner.Name()))
		return
	}
	defer s.running.Store(false)

	if err := s.runCycle(ctx); err != nil {
		logger.Log.Error("Enrichment cycle failed", zap.String("policy", s.runner.Name()), zap.Error(err))
	}
}

// runCycle processes batches until the queue is drained or ctx ends.
func (s *Scheduler) runCycle(ctx context.Context) error {
	for batch := 0; ; batch++ {
		if batch > 0 {
			if err := s.sleep(ctx, s.pause.Next()); err != nil {
				return err
			}
		}

		res, err := s.runner.ProcessBatch(ctx, s.batchSize)
		if err != nil {
			return err
		}
		if res.Selected < s.batchSize || res.Processed+res.Skipped == 0 {
			return nil
		}
	}
}

package jobs

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"notehub/internal/notify"
)

type enqueuer interface {
	Enqueue(ctx context.Context, task notify.Task) error
}

// Scheduler only enqueues cleanup work. The worker performs it, so running
// several API replicas at most queues duplicate, idempotent deletes.
type Scheduler struct {
	cron  *cron.Cron
	queue enqueuer
	spec  string
	log   zerolog.Logger
}

func NewScheduler(queue enqueuer, spec string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		queue: queue,
		spec:  spec,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.enqueueCleanup); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running enqueue, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) enqueueCleanup() {
	task := notify.Task{
		Type: notify.TaskCleanup,
		Cleanup: &notify.CleanupTask{
			Targets: []string{notify.CleanupSessions, notify.CleanupResetTokens, notify.CleanupAPITokens},
		},
	}
	if err := s.queue.Enqueue(context.Background(), task); err != nil {
		s.log.Error().Err(err).Msg("enqueue cleanup failed")
		return
	}
	s.log.Debug().Msg("cleanup enqueued")
}

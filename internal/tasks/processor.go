package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"notehub/internal/mailer"
	"notehub/internal/notify"
)

type renderer interface {
	Render(to, name string, payload notify.Payload) (mailer.Message, error)
}

type cleaner interface {
	Run(ctx context.Context, targets []string) (map[string]int64, error)
}

type Processor struct {
	renderer renderer
	sender   mailer.Sender
	cleaner  cleaner
	attempts uint64
	backoff  time.Duration
	logger   zerolog.Logger
}

func NewProcessor(r renderer, sender mailer.Sender, c cleaner, attempts uint64, logger zerolog.Logger) *Processor {
	if attempts == 0 {
		attempts = 1
	}
	return &Processor{
		renderer: r,
		sender:   sender,
		cleaner:  c,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
		logger:   logger.With().Str("component", "processor").Logger(),
	}
}

// Handle returns an error only when the task may succeed on redelivery.
func (p *Processor) Handle(ctx context.Context, task notify.Task) error {
	switch task.Type {
	case notify.TaskEmail:
		return p.handleEmail(ctx, task.Email)
	case notify.TaskCleanup:
		return p.handleCleanup(ctx, task.Cleanup)
	default:
		p.logger.Warn().Str("type", task.Type).Msg("unknown task type")
		return nil
	}
}

func (p *Processor) handleEmail(ctx context.Context, email *notify.EmailTask) error {
	msg, err := p.renderer.Render(email.To, email.Name, email.Payload)
	if err != nil {
		p.logger.Error().Err(err).Str("kind", email.Payload.Kind).Msg("dropping unrenderable email")
		return nil
	}

	backoff := retry.WithMaxRetries(p.attempts-1, retry.NewExponential(p.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.sender.Send(ctx, msg); err != nil {
			p.logger.Warn().Err(err).Str("kind", msg.Kind).Msg("send attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("send %s email: %w", msg.Kind, err)
	}
	p.logger.Info().Str("kind", msg.Kind).Msg("email sent")
	return nil
}

func (p *Processor) handleCleanup(ctx context.Context, task *notify.CleanupTask) error {
	var targets []string
	if task != nil {
		targets = task.Targets
	}
	removed, err := p.cleaner.Run(ctx, targets)
	for target, n := range removed {
		p.logger.Info().Str("target", target).Int64("removed", n).Msg("cleanup finished")
	}
	if err != nil {
		return errors.Join(errors.New("cleanup incomplete"), err)
	}
	return nil
}

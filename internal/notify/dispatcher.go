package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
)

// Dispatcher hands a message to the out-of-band channel. A nil error only
// means the message was accepted for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, to, name string, payload Payload) error
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamDispatcher appends tasks to a redis stream consumed by the worker.
type StreamDispatcher struct {
	client streamAdder
	stream string
	maxLen int64
}

func NewStreamDispatcher(client streamAdder, stream string, maxLen int64) *StreamDispatcher {
	return &StreamDispatcher{client: client, stream: stream, maxLen: maxLen}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, to, name string, payload Payload) error {
	return d.Enqueue(ctx, Task{
		Type:  TaskEmail,
		Email: &EmailTask{To: to, Name: name, Payload: payload},
	})
}

func (d *StreamDispatcher) Enqueue(ctx context.Context, task Task) error {
	values, err := task.Values()
	if err != nil {
		return oops.Code("TASK_ENCODE_FAILED").With("type", task.Type).Wrap(err)
	}
	args := &redis.XAddArgs{Stream: d.stream, Values: values}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return oops.Code("TASK_ENQUEUE_FAILED").With("stream", d.stream, "type", task.Type).Wrap(err)
	}
	return nil
}

// LogDispatcher only logs. Used when no redis is configured.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, to, name string, payload Payload) error {
	d.log.Info().
		Str("to", to).
		Str("name", name).
		Str("kind", payload.Kind).
		Msg("notification not delivered: no dispatcher configured")
	return nil
}

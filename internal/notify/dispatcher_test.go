package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	added []*redis.XAddArgs
	err   error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestStreamDispatcher_Dispatch(t *testing.T) {
	stream := &fakeStream{}
	d := NewStreamDispatcher(stream, "auth:tasks", 1000)

	err := d.Dispatch(context.Background(), "alice@test.com", "Alice", Payload{
		Kind: KindPasswordReset,
		Data: map[string]string{"token": "abc"},
	})
	require.NoError(t, err)
	require.Len(t, stream.added, 1)

	args := stream.added[0]
	assert.Equal(t, "auth:tasks", args.Stream)
	assert.EqualValues(t, 1000, args.MaxLen)
	assert.True(t, args.Approx)

	task, err := DecodeTask(args.Values.(map[string]any))
	require.NoError(t, err)
	assert.Equal(t, TaskEmail, task.Type)
	assert.Equal(t, "alice@test.com", task.Email.To)
	assert.Equal(t, "Alice", task.Email.Name)
	assert.Equal(t, "abc", task.Email.Payload.Data["token"])
}

func TestStreamDispatcher_PropagatesRedisError(t *testing.T) {
	stream := &fakeStream{err: errors.New("connection refused")}
	d := NewStreamDispatcher(stream, "auth:tasks", 0)

	err := d.Dispatch(context.Background(), "a@b.c", "", Payload{Kind: KindPasswordChanged})
	assert.ErrorContains(t, err, "connection refused")
}

func TestDecodeTask(t *testing.T) {
	_, err := DecodeTask(map[string]any{"type": "email"})
	assert.ErrorIs(t, err, ErrMalformedTask)

	_, err = DecodeTask(map[string]any{"body": "{not json"})
	assert.ErrorIs(t, err, ErrMalformedTask)

	_, err = DecodeTask(map[string]any{"body": `{"type":"email","email":{"to":""}}`})
	assert.ErrorIs(t, err, ErrMalformedTask)

	task, err := DecodeTask(map[string]any{"body": `{"type":"cleanup"}`})
	require.NoError(t, err)
	require.NotNil(t, task.Cleanup)
	assert.Empty(t, task.Cleanup.Targets)
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisStreamSink_Emit(t *testing.T) {
	fake := &fakeStream{}
	sink := newRedisStreamSink(fake, "", 1000)

	evt := Event{ID: "evt-1", Action: ActionRepudiationCheck, Status: StatusDenied, Actor: "op-2"}
	require.NoError(t, sink.Emit(context.Background(), evt))

	require.Len(t, fake.args, 1)
	args := fake.args[0]
	assert.Equal(t, "helm:ledger:integrity", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "denied", values["status"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, "op-2", decoded.Actor)
}

func TestRedisStreamSink_PropagatesError(t *testing.T) {
	sink := newRedisStreamSink(&fakeStream{err: errors.New("READONLY")}, "s", 0)
	err := sink.Emit(context.Background(), Event{ID: "x"})
	assert.ErrorContains(t, err, "READONLY")
}

// TestRedisStreamSink_Integration requires a running Redis.
func TestRedisStreamSink_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	stream := "helm:ledger:integrity:test"
	sink := newRedisStreamSink(client, stream, 0)
	require.NoError(t, sink.Emit(ctx, Event{ID: "evt-int", Action: ActionRootSign, Status: StatusSuccess}))

	n, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_ = client.Del(ctx, stream).Err()
}

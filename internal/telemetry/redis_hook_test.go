package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisHookCountsCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	client.AddHook(NewRedisHook(time.Second))

	ctx := context.Background()
	okBefore := testutil.ToFloat64(RedisCommands.WithLabelValues("set", "ok"))
	missBefore := testutil.ToFloat64(RedisCommands.WithLabelValues("get", "ok"))
	pipeBefore := testutil.ToFloat64(RedisCommands.WithLabelValues("pipeline", "ok"))

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	require.ErrorIs(t, client.Get(ctx, "missing").Err(), redis.Nil)

	pipe := client.Pipeline()
	pipe.Expire(ctx, "k", time.Minute)
	pipe.Expire(ctx, "k", time.Minute)
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)

	require.Equal(t, okBefore+1, testutil.ToFloat64(RedisCommands.WithLabelValues("set", "ok")))
	// a cache miss is not a failure
	require.Equal(t, missBefore+1, testutil.ToFloat64(RedisCommands.WithLabelValues("get", "ok")))
	require.Equal(t, pipeBefore+1, testutil.ToFloat64(RedisCommands.WithLabelValues("pipeline", "ok")))
}

func TestRedisHookCountsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	client.AddHook(NewRedisHook(0))

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	before := testutil.ToFloat64(RedisCommands.WithLabelValues("incr", "error"))
	require.Error(t, client.Incr(ctx, "k").Err())
	require.Equal(t, before+1, testutil.ToFloat64(RedisCommands.WithLabelValues("incr", "error")))
}

func TestObserveCallDefaultsToOK(t *testing.T) {
	before := testutil.ToFloat64(Calls.WithLabelValues("JoinQuiz", "OK"))
	ObserveCall("JoinQuiz", "")
	require.Equal(t, before+1, testutil.ToFloat64(Calls.WithLabelValues("JoinQuiz", "OK")))
}

package telemetry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisHook logs failed or slow Redis commands and counts every command.
type RedisHook struct {
	Slow time.Duration
}

func NewRedisHook(slow time.Duration) RedisHook {
	return RedisHook{Slow: slow}
}

func (h RedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("redis dial failed")
		}
		return conn, err
	}
}

func (h RedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), time.Since(start), err)
		return err
	}
}

func (h RedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", time.Since(start), err)
		return err
	}
}

func (h RedisHook) observe(name string, took time.Duration, err error) {
	status := "ok"
	switch {
	case err == nil, errors.Is(err, redis.Nil):
	default:
		status = "error"
		log.Warn().Err(err).Str("command", name).Msg("redis command failed")
	}
	RedisCommands.WithLabelValues(name, status).Inc()
	if h.Slow > 0 && took > h.Slow {
		log.Warn().Str("command", name).Dur("took", took).Msg("slow redis command")
	}
}

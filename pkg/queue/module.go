package queue

import (
	"context"

	"profilehub/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func registerClient(lc fx.Lifecycle, rdb *redis.Client) *asynq.Client {
	client := asynq.NewClientFromRedisClient(rdb)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServeMux),
	fx.Invoke(registerServer),
)

func registerServeMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			// Record batches of one category must not overlap: the sync
			// queue runs with a single worker.
			Queues: map[string]int{
				"sync":    1,
				"webhook": 5,
				"default": 3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				zap.L().Error("asynq task permanently failed", zap.String("task_type", task.Type()), zap.Error(err))
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go server.Run(mux)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Stop()
			return nil
		},
	})
}

// Scheduler drives the periodic batch entrypoints. Entries are registered
// by the services before the fx app starts.
var Scheduler = fx.Module("asynq:scheduler",
	fx.Provide(registerScheduler),
	fx.Invoke(startScheduler),
)

func registerScheduler(cfg *config.Config) *asynq.Scheduler {
	return asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		&asynq.SchedulerOpts{},
	)
}

func startScheduler(lc fx.Lifecycle, scheduler *asynq.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := scheduler.Run(); err != nil {
					zap.L().Error("[Asynq] scheduler stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})
}

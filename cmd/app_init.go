package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/notify"
	"github.com/qbilhub/docpipe/internal/orchestrator"
	"github.com/qbilhub/docpipe/internal/queue"
	"github.com/qbilhub/docpipe/internal/store"
	"github.com/qbilhub/docpipe/pkg/intelligence"
)

// appEnv holds the initialized store, queue, clients, and orchestrator shared
// by the serve/worker/process/retry commands.
type appEnv struct {
	Store        store.Store
	Queue        queue.Queue
	Notifier     *notify.Notifier
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Queue != nil {
		_ = e.Queue.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp sets up the store, queue, notification publisher, intelligence
// client, and orchestrator. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rdb := newRedisClient()

	q, err := initQueue(rdb)
	if err != nil {
		_ = rdb.Close()
		_ = st.Close()
		return nil, err
	}

	notifier := notify.New(notify.NewRedisPublisher(rdb))
	client := intelligence.NewClient(cfg.Intelligence.BaseURL)
	orch := orchestrator.New(st, client, q, notifier)

	return &appEnv{
		Store:        st,
		Queue:        q,
		Notifier:     notifier,
		Orchestrator: orch,
		redis:        rdb,
	}, nil
}

// initStore opens the configured document store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
		if err != nil {
			return nil, eris.Wrap(err, "open postgres store")
		}
		zap.L().Info("using postgres store")
		return st, nil
	case "sqlite", "":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite store")
		}
		zap.L().Info("using sqlite store", zap.String("path", cfg.Store.DatabaseURL))
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// initQueue builds the job substrate. The redis driver survives process
// restarts and is the production default; memory is for single-process and
// local use.
func initQueue(rdb *redis.Client) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		zap.L().Info("using redis queue", zap.String("addr", cfg.Redis.Addr))
		return queue.NewRedis(rdb), nil
	case "memory", "":
		return queue.NewMemory(256), nil
	default:
		return nil, eris.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// newRunner builds a worker runner with the configured concurrency and
// delivery budget and the orchestrator's handlers registered.
func newRunner(env *appEnv) *queue.Runner {
	r := queue.NewRunner(env.Queue,
		queue.WithWorkers(cfg.Queue.Workers),
		queue.WithMaxDeliveries(cfg.Queue.MaxDeliveries),
	)
	env.Orchestrator.Register(r)
	return r
}

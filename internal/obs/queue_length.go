// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the length of every pipeline queue on a
// fixed interval and updates the QueueLength gauge, same shape as the
// teacher's queue-length sampler but pointed at the five stage/retry
// queues instead of a priority worker pool's queue set.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	queues := []string{
		cfg.Bus.VerifyQueue,
		cfg.Bus.CollectQueue,
		cfg.Bus.AnalyzeQueue,
		cfg.Bus.EmailQueue,
		cfg.Bus.RetryQueue,
	}

	ticker := time.NewTicker(2 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					n, err := rdb.LLen(ctx, q).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", q), Err(err))
						continue
					}
					QueueLength.WithLabelValues(q).Set(float64(n))
				}
			}
		}
	}()
}

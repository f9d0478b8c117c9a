package main

import (
	"context"
	"time"

	"booml/internal/notebook/stream"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const evictInterval = time.Minute

func evictLoop(ctx context.Context, streams *stream.Manager) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if ids := streams.EvictExpired(now); len(ids) > 0 {
				logger.Debug(ctx, "evicted finished runs", zap.Strings("run_ids", ids))
			}
		}
	}
}

package metrics

import (
	"context"
	"time"

	"depthflow/internal/channel"
	"depthflow/logger"
)

// StartChannelSizeMetrics emits occupancy gauges for every router
// subscription until the context is cancelled. When interval <= 0, a
// one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, router *channel.Router, interval time.Duration) {
	if router == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sub := range router.Subscriptions() {
					EmitGauge(component, sub.Name()+"_buffer_length", float64(sub.Len()), logger.Fields{
						"buffer":   sub.Name(),
						"capacity": sub.Cap(),
						"sent":     sub.Sent(),
					})
				}
			}
		}
	}()
}

package channel

import (
	"context"
	"sync/atomic"

	"depthflow/logger"
	"depthflow/models"
)

// Subscription is one bounded downstream view of the event stream. Every
// subscriber gets its own channel and drains it independently.
type Subscription struct {
	name string
	ch   chan models.MarketEvent
	sent int64
}

// Events exposes the receive side of the subscription.
func (s *Subscription) Events() <-chan models.MarketEvent {
	return s.ch
}

// Name returns the subscriber name used in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// Len returns the current channel occupancy.
func (s *Subscription) Len() int { return len(s.ch) }

// Cap returns the channel capacity.
func (s *Subscription) Cap() int { return cap(s.ch) }

// Sent returns the number of events delivered so far.
func (s *Subscription) Sent() int64 { return atomic.LoadInt64(&s.sent) }

// Router fans market events out to every subscription. Publish blocks while
// any subscriber's channel is full, so a slow consumer throttles the
// producing stream reader instead of dropping events or growing memory.
// Events for one symbol are delivered in publish order because each
// subscription is a FIFO channel with a single producer per symbol.
type Router struct {
	subs []*Subscription
	log  *logger.Log
}

func NewRouter() *Router {
	return &Router{log: logger.GetLogger()}
}

// Subscribe registers a named bounded channel before the pipeline starts.
// Not safe to call once publishing has begun.
func (r *Router) Subscribe(name string, buffer int) *Subscription {
	sub := &Subscription{name: name, ch: make(chan models.MarketEvent, buffer)}
	r.subs = append(r.subs, sub)

	r.log.WithComponent("router").WithFields(logger.Fields{
		"subscriber": name,
		"buffer":     buffer,
	}).Info("subscription registered")
	return sub
}

// Publish delivers the event to every subscription, suspending on full
// channels until space frees up or the context is cancelled.
func (r *Router) Publish(ctx context.Context, event models.MarketEvent) error {
	for _, sub := range r.subs {
		select {
		case sub.ch <- event:
			atomic.AddInt64(&sub.sent, 1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes all subscription channels. Call only after every publisher
// has stopped.
func (r *Router) Close() {
	for _, sub := range r.subs {
		close(sub.ch)
	}
	r.log.WithComponent("router").Info("router channels closed")
}

// Subscriptions returns the registered subscriptions for inspection.
func (r *Router) Subscriptions() []*Subscription {
	return r.subs
}

package cell

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff window for consecutive listen failures, so a dead transport does
// not spin the loop hot.
const (
	listenRetryBase = 100 * time.Millisecond
	listenRetryMax  = 5 * time.Second
)

// Cell ties a SensorGateway and an Actor into the blocking pull loop: one
// sensory event is processed to completion before the next is pulled.
type Cell struct {
	gateway *SensorGateway
	actor   *Actor
	reply   string
	logger  *slog.Logger
	hook    EventHook
}

// CellOption configures a Cell.
type CellOption func(*Cell)

// WithReplyChannel sets the channel replies are published to. Default is
// the "sender" sentinel, which redirects each reply to its originator.
func WithReplyChannel(channel string) CellOption {
	return func(c *Cell) { c.reply = channel }
}

// WithCellLogger sets a structured logger for the run loop.
func WithCellLogger(l *slog.Logger) CellOption {
	return func(c *Cell) { c.logger = l }
}

// EventHook observes each processed event and its result, e.g. for metrics.
type EventHook func(ctx context.Context, event SensoryEvent, result Result)

// WithEventHook registers a hook invoked after every response cycle.
func WithEventHook(hook EventHook) CellOption {
	return func(c *Cell) { c.hook = hook }
}

// NewCell creates a Cell over a configured gateway and actor.
func NewCell(gateway *SensorGateway, actor *Actor, opts ...CellOption) *Cell {
	c := &Cell{
		gateway: gateway,
		actor:   actor,
		reply:   SenderChannel,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run pulls events until ctx is done. Decode errors have already been
// published to the error channel by the gateway, so the loop logs them and
// keeps listening, backing off while the failures persist. Each event runs
// the full response cycle, the reply envelope is sent, and the memory
// buffer is flushed.
func (c *Cell) Run(ctx context.Context) error {
	failures := 0
	for {
		event, err := c.gateway.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			failures++
			c.logger.Error("listen", "failures", failures, "error", err)
			wait := listenRetryBase * time.Duration(failures)
			if wait > listenRetryMax {
				wait = listenRetryMax
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		result := c.actor.Respond(ctx, event)
		if c.hook != nil {
			c.hook(ctx, event, result)
		}
		if result.Err != nil {
			c.logger.Error("respond", "sensor", event.Sensor, "error", result.Err.Error)
		}

		memory := c.actor.memory.Buffered()
		if err := c.gateway.Send(ctx, c.reply, event, result.Response, memory); err != nil {
			c.logger.Error("send reply", "sensor", event.Sensor, "error", err)
		}

		if err := c.actor.Memorize(ctx); err != nil {
			c.logger.Error("memorize", "sensor", event.Sensor, "error", err)
		}
	}
}

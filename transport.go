package cell

import (
	"context"
	"time"
)

// Transport abstracts the pub/sub channel the cell listens and replies on.
// The transport/redis package provides the production implementation.
type Transport interface {
	// Subscribe opens a subscription on the named channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Publish sends a payload on the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is a blocking, restartable package source.
type Subscription interface {
	// Next blocks until a package arrives or timeout elapses. A nil package
	// with a nil error means the timeout passed with nothing to read; the
	// caller simply polls again.
	Next(ctx context.Context, timeout time.Duration) (*Package, error)
	// Close tears the subscription down.
	Close() error
}

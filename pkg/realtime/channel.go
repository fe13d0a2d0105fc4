// Package realtime carries execution events between processes and streams
// them to connected clients.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/dukex/runflow/pkg/events"
)

var ErrClosed = errors.New("realtime channel closed")

// Subscription delivers the events of one execution until closed.
type Subscription interface {
	Events() <-chan events.Event
	Close() error
}

// Channel is a cross-process broadcast of execution events. Delivery is
// best-effort and there is no replay: subscribers only see events published
// after Subscribe returns.
type Channel interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(ctx context.Context, executionID string) (Subscription, error)
	Close() error
}

const subscriptionBuffer = 64

// subscription is the transport-independent half of a Subscription.
type subscription struct {
	events    chan events.Event
	done      chan struct{}
	closeFn   func() error
	closeOnce sync.Once
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{
		events:  make(chan events.Event, subscriptionBuffer),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *subscription) Events() <-chan events.Event {
	return s.events
}

// deliver blocks until the event is buffered or the subscription closes.
func (s *subscription) deliver(event events.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.done)

		if s.closeFn != nil {
			err = s.closeFn()
		}
	})

	return err
}

// Package bus carries canonical events between workflow stages.
//
// The kernel only ever sees a Publisher. Transports deliver the BUS_WRAPPED
// form produced by envelope.Wrap, so a consumer feeds every body it receives
// straight into the kernel's entry point, exactly as it would with a real
// managed event bus.
package bus

import (
	"context"
	"errors"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, evt event.Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// Delivery consumes one BUS_WRAPPED body. A non-nil error asks the
// transport to redeliver the same body.
type Delivery func(ctx context.Context, body []byte) error

// GiveUp receives a body the transport stopped redelivering.
type GiveUp func(ctx context.Context, body []byte, cause error)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus: closed")

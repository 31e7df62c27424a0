package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/envelope"
	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
	"github.com/randalmurphal/tradeflow/pkg/tradeflow/event"
)

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe()

	// Pause temporarily stops delivery.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// LocalConfig configures a LocalBus.
type LocalConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxDeliveries bounds delivery attempts of one body to one subscriber,
	// redeliveries included. Only retryable errors are redelivered.
	// Default: 3
	MaxDeliveries int

	// RedeliveryDelay is the pause before a redelivery.
	// Default: 10ms
	RedeliveryDelay time.Duration

	// OnGiveUp receives bodies that were not redelivered again.
	OnGiveUp GiveUp

	// OnError is called for every failed delivery.
	OnError func(body []byte, subscriberID string, err error)
}

// DefaultLocalConfig provides reasonable defaults.
var DefaultLocalConfig = LocalConfig{
	BufferSize:      256,
	MaxDeliveries:   3,
	RedeliveryDelay: 10 * time.Millisecond,
}

// LocalBus is an in-process at-least-once bus. Published events are wrapped
// with envelope.Wrap and fanned out to matching subscribers, each on its own
// goroutine.
type LocalBus struct {
	config LocalConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[event.Type]map[string]*subscription
	wildcards     map[string]*subscription

	pending sync.WaitGroup
	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(config LocalConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultLocalConfig.BufferSize
	}
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = DefaultLocalConfig.MaxDeliveries
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = DefaultLocalConfig.RedeliveryDelay
	}

	return &LocalBus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[event.Type]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
		closeCh:       make(chan struct{}),
	}
}

type subscription struct {
	id      string
	types   []event.Type
	deliver Delivery
	bodies  chan []byte
	paused  atomic.Bool
	done    chan struct{}
	once    sync.Once
	bus     *LocalBus
}

// Publish wraps evt and queues it for every matching subscriber.
func (b *LocalBus) Publish(ctx context.Context, evt event.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	body, err := envelope.Wrap(evt)
	if err != nil {
		return tferrors.Permanent(err, "publish")
	}

	b.mu.RLock()
	subs := b.matching(evt.Type())
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.paused.Load() {
			continue
		}
		b.pending.Add(1)
		select {
		case sub.bodies <- body:
		case <-ctx.Done():
			b.pending.Done()
			return ctx.Err()
		case <-b.closeCh:
			b.pending.Done()
			return fmt.Errorf("publish %s %s: %w", evt.Type(), evt.ID(), ErrClosed)
		}
	}
	return nil
}

// Subscribe delivers bodies of the given types. No types means all types.
func (b *LocalBus) Subscribe(types []event.Type, deliver Delivery) Subscription {
	if b.closed.Load() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      strconv.FormatInt(b.nextID.Add(1), 10),
		types:   types,
		deliver: deliver,
		bodies:  make(chan []byte, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subscriptions[sub.id] = sub

	if len(types) == 0 {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	go sub.process()
	return sub
}

// Wait blocks until every queued body, including bodies published by
// subscribers while Wait runs, has been delivered or given up on.
func (b *LocalBus) Wait() {
	b.pending.Wait()
}

func (b *LocalBus) matching(t event.Type) []*subscription {
	subs := make([]*subscription, 0, len(b.byType[t])+len(b.wildcards))
	for _, sub := range b.byType[t] {
		subs = append(subs, sub)
	}
	for _, sub := range b.wildcards {
		subs = append(subs, sub)
	}
	return subs
}

// Close shuts down the bus. Queued bodies are dropped.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		sub.stop()
	}
	return nil
}

func (s *subscription) process() {
	for {
		select {
		case body := <-s.bodies:
			s.deliverWithRedelivery(body)
			s.bus.pending.Done()
		case <-s.done:
			// Release anything still buffered so Wait cannot hang.
			for {
				select {
				case <-s.bodies:
					s.bus.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) deliverWithRedelivery(body []byte) {
	cfg := s.bus.config
	ctx := context.Background()

	var err error
	for attempt := 1; attempt <= cfg.MaxDeliveries; attempt++ {
		if s.paused.Load() {
			return
		}
		if err = s.deliver(ctx, body); err == nil {
			return
		}
		if cfg.OnError != nil {
			cfg.OnError(body, s.id, err)
		}
		if !tferrors.IsRetryable(err) {
			break
		}
		if attempt < cfg.MaxDeliveries {
			select {
			case <-time.After(cfg.RedeliveryDelay):
			case <-s.done:
				return
			}
		}
	}
	if cfg.OnGiveUp != nil {
		cfg.OnGiveUp(ctx, body, err)
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subscriptions, s.id)
	delete(s.bus.wildcards, s.id)
	for _, t := range s.types {
		if typeSubs, ok := s.bus.byType[t]; ok {
			delete(typeSubs, s.id)
		}
	}
	s.stop()
}

// Pause temporarily stops delivery.
func (s *subscription) Pause() {
	s.paused.Store(true)
}

// Resume continues delivery after pause.
func (s *subscription) Resume() {
	s.paused.Store(false)
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	return s.paused.Load()
}

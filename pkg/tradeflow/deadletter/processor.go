package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/tradeflow/pkg/tradeflow/bus"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// BatchSize is the number of entries claimed per poll.
	// Default: 10
	BatchSize int

	// PollInterval is how often the queue is polled.
	// Default: 10 seconds
	PollInterval time.Duration

	// RatePerSecond bounds replays per second across batches.
	// Default: 5
	RatePerSecond float64

	// Burst is the limiter burst size.
	// Default: 1
	Burst int

	Logger *slog.Logger

	// OnReplay is called before an entry is republished.
	OnReplay func(*Entry)

	// OnSuccess is called after an entry was republished.
	OnSuccess func(*Entry)

	// OnFailure is called after a replay failed.
	OnFailure func(*Entry, error)
}

// DefaultProcessorConfig provides reasonable defaults.
var DefaultProcessorConfig = ProcessorConfig{
	BatchSize:     10,
	PollInterval:  10 * time.Second,
	RatePerSecond: 5,
	Burst:         1,
}

// Processor republishes due entries from a Queue. Replayed events keep
// their event_id, so the idempotency store still guards every handler.
type Processor struct {
	queue     Queue
	publisher bus.Publisher
	limiter   *rate.Limiter
	cfg       ProcessorConfig
	logger    *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewProcessor creates a processor.
func NewProcessor(queue Queue, publisher bus.Publisher, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultProcessorConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProcessorConfig.PollInterval
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultProcessorConfig.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultProcessorConfig.Burst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		queue:     queue,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:       cfg,
		logger:    logger.With("component", "deadletter.processor"),
	}
}

// Start begins polling in the background. It is a no-op if already running.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.doneCh)
}

// Stop halts polling and waits for the current batch to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.running = false
	p.mu.Unlock()

	<-done
}

func (p *Processor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("dead-letter batch failed", "error", err)
			}
		}
	}
}

// ProcessBatch replays one batch and returns how many entries were
// republished.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := p.queue.Dequeue(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		if err := p.limiter.Wait(ctx); err != nil {
			// Put the claimed entry back on its schedule.
			_ = p.queue.RecordRetryFailure(context.WithoutCancel(ctx), entry, err)
			return replayed, err
		}

		ok, err := p.replay(ctx, entry)
		if err != nil {
			return replayed, err
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

func (p *Processor) replay(ctx context.Context, entry *Entry) (bool, error) {
	logger := p.logger.With("dead_letter_id", entry.ID(), "event_type", string(entry.EventType))

	if !entry.Replayable() {
		logger.Warn("parking dead letter that cannot be replayed", "origin", string(entry.Origin))
		return false, p.queue.Park(ctx, entry, "not a canonical event")
	}
	evt, err := entry.Canonical()
	if err != nil {
		logger.Warn("parking undecodable dead letter", "error", err)
		return false, p.queue.Park(ctx, entry, err.Error())
	}

	if p.cfg.OnReplay != nil {
		p.cfg.OnReplay(entry)
	}

	if err := p.publisher.Publish(ctx, evt); err != nil {
		logger.Warn("dead-letter replay failed", "replay_count", entry.ReplayCount+1, "error", err)
		if p.cfg.OnFailure != nil {
			p.cfg.OnFailure(entry, err)
		}
		return false, p.queue.RecordRetryFailure(ctx, entry, err)
	}

	logger.Info("dead letter replayed", "event_id", evt.ID())
	if p.cfg.OnSuccess != nil {
		p.cfg.OnSuccess(entry)
	}
	return true, p.queue.Acknowledge(ctx, entry.ID())
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themis/core"
	"themis/detect"
	"themis/metrics"
	"themis/normalize"
	"themis/notify"
	"themis/storage"
	"themis/util/goroutine"
)

// ErrPipelineClosed is returned by Submit after shutdown has begun.
var ErrPipelineClosed = errors.New("pipeline is shut down")

// DefaultQueueSize is the per-stage channel capacity.
const DefaultQueueSize = 256

// DefaultShutdownGrace bounds how long Shutdown waits for in-flight
// events to drain before discarding the remainder.
const DefaultShutdownGrace = 15 * time.Second

// Config controls pipeline queue sizing and shutdown behavior.
type Config struct {
	QueueSize     int
	ShutdownGrace time.Duration
}

type rawEvent struct {
	raw    map[string]interface{}
	source string
}

// Pipeline connects the processing stages with bounded channels. One
// goroutine per stage preserves per-entity ordering end to end; a full
// downstream queue blocks the stage above it, which is the backpressure
// the intake relies on.
type Pipeline struct {
	normalizer *normalize.Normalizer
	engine     *detect.RuleEngine
	dedup      *core.Deduplicator
	dispatcher *notify.Dispatcher
	audit      storage.AuditStore
	logger     *zap.SugaredLogger
	config     Config

	intake     chan rawEvent
	events     chan *core.Event
	violations chan core.Violation
	auditPool  *core.WorkerPool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a pipeline. Zero config values fall back to defaults.
func New(
	normalizer *normalize.Normalizer,
	engine *detect.RuleEngine,
	dedup *core.Deduplicator,
	dispatcher *notify.Dispatcher,
	audit storage.AuditStore,
	config Config,
	logger *zap.SugaredLogger,
) *Pipeline {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultShutdownGrace
	}
	return &Pipeline{
		normalizer: normalizer,
		engine:     engine,
		dedup:      dedup,
		dispatcher: dispatcher,
		audit:      audit,
		logger:     logger,
		config:     config,
		intake:     make(chan rawEvent, config.QueueSize),
		events:     make(chan *core.Event, config.QueueSize),
		violations: make(chan core.Violation, config.QueueSize),
	}
}

// Start launches the stage goroutines.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.ctx = ctx

	// Audit writes ride a small pool so a slow store never stalls a stage.
	p.auditPool = core.NewWorkerPool(context.Background(), 2, p.config.QueueSize, "audit", p.logger)
	p.auditPool.Start()

	p.wg.Add(3)
	go p.normalizeStage(ctx)
	go p.evaluateStage(ctx)
	go p.alertStage(ctx)

	p.logger.Infow("Pipeline started", "queue_size", p.config.QueueSize)
}

// Submit enqueues one raw event. It blocks while the intake queue is
// full; cancelling ctx abandons the submit.
func (p *Pipeline) Submit(ctx context.Context, raw map[string]interface{}, source string) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPipelineClosed
	}
	p.mu.RUnlock()

	select {
	case p.intake <- rawEvent{raw: raw, source: source}:
		metrics.PipelineQueueDepth.WithLabelValues("intake").Set(float64(len(p.intake)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the intake and drains in-flight events. Events still
// queued when the grace deadline passes are discarded and counted.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	if p.closed || !p.started {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.intake)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Pipeline drained and stopped")
	case <-time.After(p.config.ShutdownGrace):
		p.cancel()
		<-done
		discarded := len(p.intake) + len(p.events) + len(p.violations)
		if discarded > 0 {
			metrics.EventsDiscarded.Add(float64(discarded))
		}
		p.logger.Warnw("Pipeline shutdown grace expired",
			"discarded", discarded)
	}

	// Release the derived context on the clean-drain path too.
	p.cancel()
	p.auditPool.Stop()
}

func (p *Pipeline) normalizeStage(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.events)
	defer goroutine.Recover("pipeline-normalize", p.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case re, ok := <-p.intake:
			if !ok {
				return
			}
			start := time.Now()
			event, err := p.normalizer.Normalize(re.raw, re.source)
			if err != nil {
				// Already counted and logged by the normalizer.
				continue
			}
			p.indexEvent(event)
			select {
			case p.events <- event:
				metrics.PipelineQueueDepth.WithLabelValues("evaluate").Set(float64(len(p.events)))
			case <-ctx.Done():
				return
			}
			metrics.EventProcessingDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
		}
	}
}

func (p *Pipeline) evaluateStage(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.violations)
	defer goroutine.Recover("pipeline-evaluate", p.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.events:
			if !ok {
				return
			}
			start := time.Now()
			for _, v := range p.engine.Evaluate(event) {
				select {
				case p.violations <- v:
					metrics.PipelineQueueDepth.WithLabelValues("alert").Set(float64(len(p.violations)))
				case <-ctx.Done():
					return
				}
			}
			metrics.EventProcessingDuration.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
		}
	}
}

func (p *Pipeline) alertStage(ctx context.Context) {
	defer p.wg.Done()
	defer goroutine.Recover("pipeline-alert", p.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-p.violations:
			if !ok {
				return
			}
			admitted, err := p.dedup.Admit(ctx, v)
			if err != nil {
				p.logger.Errorw("Deduplication check failed, alerting anyway",
					"rule", v.RuleName,
					"entity", v.EntityID,
					"error", err)
				admitted = true
			}
			if !admitted {
				continue
			}

			alert := &core.Alert{
				AlertID:   uuid.NewString(),
				Violation: v,
				CreatedAt: time.Now().UTC(),
			}
			p.indexViolation(v, alert.AlertID)
			p.dispatcher.Dispatch(ctx, alert)
		}
	}
}

// indexEvent writes a normalized event to the audit store. Indexing
// failures are counted but do not stop the pipeline.
func (p *Pipeline) indexEvent(event *core.Event) {
	p.indexEntry(&storage.AuditEntry{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Category:  event.Category,
		Source:    event.Source,
		Message:   event.Message,
		Fields:    event.Fields,
	})
}

func (p *Pipeline) indexViolation(v core.Violation, alertID string) {
	p.indexEntry(&storage.AuditEntry{
		ID:        alertID,
		Timestamp: v.DetectedAt,
		Category:  v.Category,
		Source:    "detect",
		Message:   v.Detail,
		Fields: map[string]interface{}{
			"rule":      v.RuleName,
			"event_id":  v.EventID,
			"entity_id": v.EntityID,
			"severity":  v.Severity,
		},
	})
}

// indexEntry hands the write to the audit pool, falling back to an
// inline write when the pool is saturated or stopped.
func (p *Pipeline) indexEntry(entry *storage.AuditEntry) {
	write := func() {
		if err := p.audit.Index(context.Background(), entry); err != nil {
			metrics.AuditIndexFailures.Inc()
			p.logger.Errorw("Failed to index audit entry", "id", entry.ID, "error", err)
		}
	}
	if err := p.auditPool.Submit(write); err != nil {
		write()
	}
}

package notify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"themis/core"
	"themis/metrics"
)

// Sink is one notification channel. Send must respect the context
// deadline and return a DeliveryError so retries can be classified.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *core.Alert) error
}

// RetryPolicy controls per-channel retry behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	// AttemptTimeout bounds a single send so a hung channel cannot
	// stall dispatch. A timed-out attempt counts as transient.
	AttemptTimeout time.Duration
}

// DefaultAttemptTimeout bounds one send attempt on any channel.
const DefaultAttemptTimeout = 10 * time.Second

// DefaultRetryPolicy retries transient failures up to 5 attempts with
// exponential backoff starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		Factor:         2.0,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// delay returns the backoff before the given attempt (1-based), with up
// to 25% jitter so synchronized retries spread out.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	jitter := d * 0.25 * rand.Float64()
	return time.Duration(d + jitter)
}

// ChannelResult records one channel's final outcome for an alert.
type ChannelResult struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// DispatchResult is the aggregate outcome across all channels.
// Delivered is true when at least one channel succeeded.
type DispatchResult struct {
	AlertID   string          `json:"alert_id"`
	Delivered bool            `json:"delivered"`
	Channels  []ChannelResult `json:"channels"`
}

// Dispatcher fans alerts out to every registered sink. Channel failures
// are isolated: one sink being down never blocks the others, and a full
// failure is logged and counted rather than dropped.
type Dispatcher struct {
	sinks    []Sink
	policy   RetryPolicy
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
	breakers map[string]*core.CircuitBreaker
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher over the given sinks. limiter may
// be nil to disable outbound rate limiting.
func NewDispatcher(sinks []Sink, policy RetryPolicy, limiter *rate.Limiter, logger *zap.SugaredLogger) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Dispatcher{
		sinks:    sinks,
		policy:   policy,
		limiter:  limiter,
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

// Dispatch sends one alert to all channels in parallel and reports the
// per-channel outcomes. It never returns early while channels are still
// trying; retry budgets are bounded so this completes.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *core.Alert) *DispatchResult {
	result := &DispatchResult{
		AlertID:  alert.AlertID,
		Channels: make([]ChannelResult, len(d.sinks)),
	}

	var wg sync.WaitGroup
	for i, sink := range d.sinks {
		wg.Add(1)
		go func(i int, sink Sink) {
			defer wg.Done()
			result.Channels[i] = d.sendWithRetry(ctx, sink, alert)
		}(i, sink)
	}
	wg.Wait()

	for _, ch := range result.Channels {
		if ch.Delivered {
			result.Delivered = true
			break
		}
	}

	if !result.Delivered {
		metrics.DispatchFailures.Inc()
		d.logger.Errorw("Alert failed on all notification channels",
			"alert_id", alert.AlertID,
			"rule", alert.Violation.RuleName,
			"entity", alert.Violation.EntityID,
			"channels", len(d.sinks))
	}
	return result
}

// sendWithRetry drives one channel to success, a permanent failure, or
// retry exhaustion.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sink Sink, alert *core.Alert) ChannelResult {
	res := ChannelResult{Channel: sink.Name()}
	cb := d.breaker(sink.Name())

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := cb.Allow(); err != nil {
			res.Error = err.Error()
			metrics.AlertsDispatched.WithLabelValues(sink.Name(), "circuit_open").Inc()
			d.logger.Warnw("Circuit breaker open for notification channel",
				"channel", sink.Name(),
				"alert_id", alert.AlertID)
			return res
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				res.Error = err.Error()
				return res
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		err := sink.Send(attemptCtx, alert)
		cancel()
		if err == nil {
			cb.RecordSuccess()
			metrics.AlertsDispatched.WithLabelValues(sink.Name(), "success").Inc()
			d.logger.Infow("Alert delivered",
				"channel", sink.Name(),
				"alert_id", alert.AlertID,
				"attempts", attempt)
			res.Delivered = true
			return res
		}

		cb.RecordFailure()
		res.Error = err.Error()

		if !IsTransient(err) {
			metrics.AlertsDispatched.WithLabelValues(sink.Name(), "permanent_failure").Inc()
			d.logger.Errorw("Permanent delivery failure, not retrying",
				"channel", sink.Name(),
				"alert_id", alert.AlertID,
				"error", err)
			return res
		}

		if attempt == d.policy.MaxAttempts {
			break
		}
		metrics.DispatchRetries.WithLabelValues(sink.Name()).Inc()
		d.logger.Warnw("Transient delivery failure, will retry",
			"channel", sink.Name(),
			"alert_id", alert.AlertID,
			"attempt", attempt,
			"error", err)

		select {
		case <-time.After(d.policy.delay(attempt)):
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		}
	}

	metrics.AlertsDispatched.WithLabelValues(sink.Name(), "retries_exhausted").Inc()
	d.logger.Errorw("Delivery retries exhausted",
		"channel", sink.Name(),
		"alert_id", alert.AlertID,
		"attempts", res.Attempts)
	return res
}

func (d *Dispatcher) breaker(channel string) *core.CircuitBreaker {
	d.mu.RLock()
	cb, ok := d.breakers[channel]
	d.mu.RUnlock()
	if ok {
		return cb
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[channel]; ok {
		return cb
	}
	cb = core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	d.breakers[channel] = cb
	return cb
}

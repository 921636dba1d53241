package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"themis/core"
	"themis/storage"
	"themis/util/goroutine"
)

// MonitorRule triggers a summary alert when a category accumulates too
// many audit entries inside the lookback window.
type MonitorRule struct {
	Category  string
	Threshold int64
	Severity  string
}

// defaultMonitorWindow is the lookback for count checks.
const defaultMonitorWindow = 1 * time.Hour

// Monitor periodically counts recent audit entries per category and
// raises a summary alert when a rule's threshold is reached. It rides
// the same dispatcher as violation alerts.
type Monitor struct {
	store      storage.AuditStore
	dispatcher *Dispatcher
	rules      []MonitorRule
	window     time.Duration
	interval   time.Duration
	logger     *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates an audit volume monitor. A zero window falls back
// to one hour.
func NewMonitor(store storage.AuditStore, dispatcher *Dispatcher, rules []MonitorRule, window, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	if window <= 0 {
		window = defaultMonitorWindow
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		store:      store,
		dispatcher: dispatcher,
		rules:      rules,
		window:     window,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins periodic checks.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer goroutine.Recover("alert-monitor", m.logger)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic checks and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Check runs every monitor rule once.
func (m *Monitor) Check(ctx context.Context) {
	now := time.Now().UTC()
	for _, rule := range m.rules {
		count, err := m.store.Count(ctx, storage.Query{
			From:     now.Add(-m.window),
			To:       now,
			Category: rule.Category,
		})
		if err != nil {
			m.logger.Errorw("Monitor count query failed",
				"category", rule.Category,
				"error", err)
			continue
		}
		if count < rule.Threshold {
			continue
		}

		severity := rule.Severity
		if severity == "" {
			severity = core.SeverityHigh
		}
		alert := &core.Alert{
			AlertID: uuid.NewString(),
			Violation: core.Violation{
				RuleName:   fmt.Sprintf("volume:%s", rule.Category),
				EntityID:   rule.Category,
				Category:   rule.Category,
				Severity:   severity,
				Detail:     fmt.Sprintf("%d %s audit entries in the last %s (threshold %d)", count, rule.Category, m.window, rule.Threshold),
				DetectedAt: now,
			},
			CreatedAt: now,
		}

		m.logger.Warnw("Audit volume threshold reached",
			"category", rule.Category,
			"count", count,
			"threshold", rule.Threshold)
		m.dispatcher.Dispatch(ctx, alert)
	}
}

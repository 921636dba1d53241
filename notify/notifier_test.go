package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"themis/core"
)

func testAlert() *core.Alert {
	return &core.Alert{
		AlertID: "alert-1",
		Violation: core.Violation{
			RuleName:   "amount_limit",
			EntityID:   "client-1",
			Category:   core.CategoryAML,
			Severity:   core.SeverityCritical,
			Detail:     "amount 95000 exceeds maximum 90000",
			DetectedAt: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2.0}
}

func transientErr(channel string) error {
	return &DeliveryError{Channel: channel, Transient: true, Err: errors.New("connection refused")}
}

func permanentErr(channel string) error {
	return &DeliveryError{Channel: channel, StatusCode: 401, Transient: false, Err: errors.New("unauthorized")}
}

func TestDispatchAllChannelsSucceed(t *testing.T) {
	email := NewMockSink("email")
	slack := NewMockSink("slack")
	d := NewDispatcher([]Sink{email, slack}, fastPolicy(), nil, zap.NewNop().Sugar())

	result := d.Dispatch(context.Background(), testAlert())

	assert.True(t, result.Delivered)
	require.Len(t, result.Channels, 2)
	for _, ch := range result.Channels {
		assert.True(t, ch.Delivered)
		assert.Equal(t, 1, ch.Attempts)
	}
	assert.Len(t, email.Sent(), 1)
	assert.Len(t, slack.Sent(), 1)
}

func TestDispatchOneChannelFailsOthersDeliver(t *testing.T) {
	email := NewMockSink("email")
	email.FailWith(permanentErr("email"))
	slack := NewMockSink("slack")
	d := NewDispatcher([]Sink{email, slack}, fastPolicy(), nil, zap.NewNop().Sugar())

	result := d.Dispatch(context.Background(), testAlert())

	assert.True(t, result.Delivered, "one successful channel means the alert is delivered")

	byName := map[string]ChannelResult{}
	for _, ch := range result.Channels {
		byName[ch.Channel] = ch
	}
	assert.False(t, byName["email"].Delivered)
	assert.NotEmpty(t, byName["email"].Error, "the failed channel keeps its failure recorded")
	assert.True(t, byName["slack"].Delivered)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	sink := NewMockSink("webhook")
	sink.FailWith(transientErr("webhook"), transientErr("webhook"))
	d := NewDispatcher([]Sink{sink}, fastPolicy(), nil, zap.NewNop().Sugar())

	result := d.Dispatch(context.Background(), testAlert())

	assert.True(t, result.Delivered)
	require.Len(t, result.Channels, 1)
	assert.Equal(t, 3, result.Channels[0].Attempts, "two transient failures then success")
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	sink := NewMockSink("email")
	sink.FailWith(permanentErr("email"))
	d := NewDispatcher([]Sink{sink}, fastPolicy(), nil, zap.NewNop().Sugar())

	result := d.Dispatch(context.Background(), testAlert())

	assert.False(t, result.Delivered)
	require.Len(t, result.Channels, 1)
	assert.Equal(t, 1, result.Channels[0].Attempts, "permanent failures get a single attempt")
	assert.Empty(t, sink.Sent())
}

func TestDispatchExhaustsRetries(t *testing.T) {
	sink := NewMockSink("webhook")
	sink.FailWith(
		transientErr("webhook"),
		transientErr("webhook"),
		transientErr("webhook"),
	)
	d := NewDispatcher([]Sink{sink}, fastPolicy(), nil, zap.NewNop().Sugar())

	result := d.Dispatch(context.Background(), testAlert())

	assert.False(t, result.Delivered)
	assert.Equal(t, 3, result.Channels[0].Attempts)
	assert.NotEmpty(t, result.Channels[0].Error)
}

func TestDispatchNoSinks(t *testing.T) {
	d := NewDispatcher(nil, fastPolicy(), nil, zap.NewNop().Sugar())
	result := d.Dispatch(context.Background(), testAlert())
	assert.False(t, result.Delivered)
	assert.Empty(t, result.Channels)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(transientErr("x")))
	assert.False(t, IsTransient(permanentErr("x")))
	assert.True(t, IsTransient(errors.New("unclassified")), "unclassified errors default to transient")
}

func TestTransientHTTPStatus(t *testing.T) {
	assert.True(t, transientHTTPStatus(500))
	assert.True(t, transientHTTPStatus(503))
	assert.True(t, transientHTTPStatus(429))
	assert.False(t, transientHTTPStatus(400))
	assert.False(t, transientHTTPStatus(401))
	assert.False(t, transientHTTPStatus(404))
}

func TestRetryPolicyDelayGrows(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, Factor: 2.0}

	d1 := p.delay(1)
	d3 := p.delay(3)

	assert.GreaterOrEqual(t, d1, 500*time.Millisecond)
	assert.Less(t, d1, 625*time.Millisecond, "jitter is bounded at 25%")
	assert.GreaterOrEqual(t, d3, 2*time.Second)
}

// hangingSink never returns until the send context expires, like an
// SMTP server that accepts the connection and then goes silent.
type hangingSink struct{ name string }

func (s *hangingSink) Name() string { return s.name }

func (s *hangingSink) Send(ctx context.Context, _ *core.Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchBoundsHungSends(t *testing.T) {
	policy := fastPolicy()
	policy.AttemptTimeout = 20 * time.Millisecond
	d := NewDispatcher([]Sink{&hangingSink{"email"}}, policy, nil, zap.NewNop().Sugar())

	start := time.Now()
	result := d.Dispatch(context.Background(), testAlert())

	assert.False(t, result.Delivered)
	require.Len(t, result.Channels, 1)
	assert.Equal(t, 3, result.Channels[0].Attempts,
		"timed-out attempts are transient and retried until the budget runs out")
	assert.Less(t, time.Since(start), 2*time.Second,
		"a hung channel must not stall dispatch past its attempt timeouts")
}

func TestDispatchCircuitBreakerOpens(t *testing.T) {
	sink := NewMockSink("email")
	// Default breaker opens after 3 consecutive failures.
	sink.FailWith(
		permanentErr("email"), permanentErr("email"), permanentErr("email"),
		permanentErr("email"),
	)
	d := NewDispatcher([]Sink{sink}, fastPolicy(), nil, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), testAlert())
	}

	result := d.Dispatch(context.Background(), testAlert())
	assert.False(t, result.Delivered)
	assert.Contains(t, result.Channels[0].Error, "circuit breaker")
}

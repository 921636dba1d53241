package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// DeliveryError is a failed send on one channel, classified so the
// retry loop knows whether another attempt can help.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is worth retrying. Unclassified
// errors are treated as transient so flaky infrastructure gets retried.
func IsTransient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return true
}

// transientHTTPStatus reports whether an HTTP status indicates a
// condition that may clear on retry. Auth failures and other 4xx are
// permanent; retrying them only hammers the endpoint.
func transientHTTPStatus(status int) bool {
	if status >= 500 {
		return true
	}
	return status == http.StatusTooManyRequests
}

// classifySendError wraps a transport-level error from a send attempt.
// Network errors and timeouts are transient.
func classifySendError(channel string, err error) *DeliveryError {
	transient := true
	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		transient = true
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	case errors.Is(err, context.Canceled):
		transient = false
	}
	return &DeliveryError{Channel: channel, Transient: transient, Err: err}
}

// classifyHTTPStatus wraps a non-2xx HTTP response.
func classifyHTTPStatus(channel string, status int) *DeliveryError {
	return &DeliveryError{
		Channel:    channel,
		StatusCode: status,
		Transient:  transientHTTPStatus(status),
		Err:        fmt.Errorf("unexpected status %d", status),
	}
}

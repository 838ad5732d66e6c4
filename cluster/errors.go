package cluster

import (
	"errors"
	"fmt"

	"cluster-rpc/message"
)

var (
	// ErrServiceUnavailable means no live endpoint served the path when the
	// call was routed. Calls are not retried.
	ErrServiceUnavailable = errors.New("cluster: service unavailable")
	// ErrTimeout means no response arrived in time. The remote handler may
	// still run to completion; its late response is dropped.
	ErrTimeout = errors.New("cluster: call timed out")
	// ErrInvalidRegistration is returned synchronously by Register for an
	// empty path or a nil handler.
	ErrInvalidRegistration = errors.New("cluster: invalid registration")
	// ErrOverloaded means a bounded queue on the way was full and the call was shed.
	ErrOverloaded     = errors.New("cluster: overloaded")
	ErrClosed         = errors.New("cluster: registry closed")
	ErrNotStarted     = errors.New("cluster: registry not started")
	ErrTransport      = errors.New("cluster: transport failure")
	ErrNoCapturedCall = errors.New("cluster: no call captured")
	ErrMultipleCalls  = errors.New("cluster: more than one call captured")
	ErrHandlerFailure = errors.New("cluster: handler failure")
)

// HandlerFailure is the error of a call whose remote handler failed.
// errors.Is(err, ErrHandlerFailure) holds for it.
type HandlerFailure struct {
	Message   string
	Responder message.Endpoint
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("cluster: handler %s failed: %s", e.Responder, e.Message)
}

func (e *HandlerFailure) Is(target error) bool {
	return target == ErrHandlerFailure
}

// responseError maps a failed Response back to the matching error.
func responseError(resp *message.Response) error {
	if resp.OK() {
		return nil
	}
	f := resp.Failure
	switch f.Kind {
	case message.FailureHandler:
		return &HandlerFailure{Message: f.Message, Responder: resp.Responder}
	case message.FailureUnavailable:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, f.Message)
	case message.FailureTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, f.Message)
	case message.FailureOverloaded:
		return fmt.Errorf("%w: %s", ErrOverloaded, f.Message)
	default:
		return fmt.Errorf("cluster: %s: %s", f.Kind, f.Message)
	}
}

// failureLabel names err for the failed-requests metric.
func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrHandlerFailure):
		return "handler"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}

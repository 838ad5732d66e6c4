package cluster

import (
	"errors"
	"fmt"
	"testing"

	"cluster-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseError(t *testing.T) {
	ep := message.NewEndpoint("n1", "svc")
	tests := []struct {
		kind message.FailureKind
		want error
	}{
		{message.FailureHandler, ErrHandlerFailure},
		{message.FailureUnavailable, ErrServiceUnavailable},
		{message.FailureTimeout, ErrTimeout},
		{message.FailureOverloaded, ErrOverloaded},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			resp := message.Fail(tt.kind, "details")
			resp.Responder = ep
			err := responseError(resp)
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "details")
		})
	}

	assert.NoError(t, responseError(&message.Response{Value: []byte("1")}))
	assert.Error(t, responseError(message.Fail(message.FailureKind(42), "odd")))
}

func TestHandlerFailureCarriesResponder(t *testing.T) {
	ep := message.NewEndpoint("n1", "svc")
	resp := message.Fail(message.FailureHandler, "bad input")
	resp.Responder = ep

	err := fmt.Errorf("call: %w", responseError(resp))
	var hf *HandlerFailure
	require.True(t, errors.As(err, &hf))
	assert.Equal(t, "bad input", hf.Message)
	assert.Equal(t, ep, hf.Responder)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestFailureLabel(t *testing.T) {
	assert.Equal(t, "handler", failureLabel(&HandlerFailure{Message: "x"}))
	assert.Equal(t, "unavailable", failureLabel(fmt.Errorf("%w: no route", ErrServiceUnavailable)))
	assert.Equal(t, "timeout", failureLabel(ErrTimeout))
	assert.Equal(t, "overloaded", failureLabel(ErrOverloaded))
	assert.Equal(t, "transport", failureLabel(ErrTransport))
	assert.Equal(t, "closed", failureLabel(ErrClosed))
	assert.Equal(t, "other", failureLabel(errors.New("boom")))
}

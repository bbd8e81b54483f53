package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrchestrationErrorMessage(t *testing.T) {
	err := Protocol("get_earnings", "upstream timeout", stderrors.New("deadline exceeded")).ForProvider("storj")

	assert.Equal(t, "PROTOCOL_ERROR get_earnings [storj]: upstream timeout: deadline exceeded", err.Error())
	assert.Equal(t, "MONITORING_ERROR report", Monitoring("report", "", nil).Error())
}

func TestOrchestrationErrorMatching(t *testing.T) {
	err := fmt.Errorf("cycle failed: %w", Reallocation("execute", "hold window active", ErrHoldDuration))

	assert.True(t, stderrors.Is(err, ErrHoldDuration))
	assert.True(t, stderrors.Is(err, &OrchestrationError{Kind: KindReallocation}))
	assert.False(t, stderrors.Is(err, &OrchestrationError{Kind: KindMonitoring}))
	assert.True(t, IsKind(err, KindReallocation))
	assert.False(t, IsKind(stderrors.New("plain"), KindReallocation))

	var oe *OrchestrationError
	assert.True(t, stderrors.As(err, &oe))
	assert.Equal(t, "execute", oe.Op)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *OrchestrationError
		want int
	}{
		{"no data", Monitoring("report", "", ErrNoData), http.StatusNotFound},
		{"alert not found", Monitoring("acknowledge", "", ErrNotFound), http.StatusNotFound},
		{"unknown provider", Coordination("status", "", ErrProviderNotFound), http.StatusNotFound},
		{"invalid plan", Reallocation("validate", "", ErrInvalidPlan), http.StatusBadRequest},
		{"hold window", Reallocation("execute", "", ErrHoldDuration), http.StatusConflict},
		{"bad input", Calculation("analyze", "nil metrics", nil), http.StatusBadRequest},
		{"protocol", Protocol("connect", "", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestRollbackError(t *testing.T) {
	original := Protocol("update_allocation", "", stderrors.New("grass unavailable"))
	cause := stderrors.New("revert rejected")
	err := &RollbackError{ProviderID: "storj", Cause: cause, Original: original}

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsKind(err, KindProtocol))
	assert.Contains(t, err.Error(), "storj")

	var rb *RollbackError
	assert.True(t, stderrors.As(fmt.Errorf("wrapped: %w", err), &rb))
	assert.Equal(t, "storj", rb.ProviderID)
}

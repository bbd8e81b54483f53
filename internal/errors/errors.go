package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies orchestration failures
type Kind string

const (
	KindCoordination  Kind = "COORDINATION_ERROR"
	KindOptimization  Kind = "OPTIMIZATION_ERROR"
	KindCalculation   Kind = "CALCULATION_ERROR"
	KindReallocation  Kind = "REALLOCATION_ERROR"
	KindMonitoring    Kind = "MONITORING_ERROR"
	KindProtocol      Kind = "PROTOCOL_ERROR"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindData          Kind = "DATA_ERROR"
)

// Sentinel causes that callers can match with errors.Is
var (
	ErrNoData           = stderrors.New("no data")
	ErrNotFound         = stderrors.New("not found")
	ErrHoldDuration     = stderrors.New("minimum hold duration not met")
	ErrRateLimited      = stderrors.New("reallocation rate limit exceeded")
	ErrInvalidPlan      = stderrors.New("invalid allocation plan")
	ErrProviderNotFound = stderrors.New("provider not registered")
	ErrNotConfirmed     = stderrors.New("plan not confirmed")
	ErrPolicyDenied     = stderrors.New("plan denied by policy")
)

// OrchestrationError is the error type returned by the orchestration components
type OrchestrationError struct {
	Kind       Kind
	Op         string
	ProviderID string
	Message    string
	Err        error
}

// Error implements error interface
func (e *OrchestrationError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.ProviderID != "" {
		msg += fmt.Sprintf(" [%s]", e.ProviderID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches another OrchestrationError by kind
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// HTTPStatus maps the error kind to a transport status code
func (e *OrchestrationError) HTTPStatus() int {
	switch {
	case stderrors.Is(e.Err, ErrNoData), stderrors.Is(e.Err, ErrNotFound), stderrors.Is(e.Err, ErrProviderNotFound):
		return http.StatusNotFound
	case stderrors.Is(e.Err, ErrInvalidPlan):
		return http.StatusBadRequest
	}

	switch e.Kind {
	case KindReallocation:
		return http.StatusConflict
	case KindCoordination:
		return http.StatusNotFound
	case KindCalculation, KindOptimization, KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, op, message string, err error) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Op: op, Message: message, Err: err}
}

// Coordination creates a registry or contract misuse error
func Coordination(op, message string, err error) *OrchestrationError {
	return newError(KindCoordination, op, message, err)
}

// Optimization creates an analysis error
func Optimization(op, message string, err error) *OrchestrationError {
	return newError(KindOptimization, op, message, err)
}

// Calculation creates an error for malformed analysis inputs
func Calculation(op, message string, err error) *OrchestrationError {
	return newError(KindCalculation, op, message, err)
}

// Reallocation creates a constraint violation or apply failure error
func Reallocation(op, message string, err error) *OrchestrationError {
	return newError(KindReallocation, op, message, err)
}

// Monitoring creates a reporting or alert lookup error
func Monitoring(op, message string, err error) *OrchestrationError {
	return newError(KindMonitoring, op, message, err)
}

// Protocol creates a provider adapter error
func Protocol(op, message string, err error) *OrchestrationError {
	return newError(KindProtocol, op, message, err)
}

// Configuration creates a configuration error
func Configuration(op, message string, err error) *OrchestrationError {
	return newError(KindConfiguration, op, message, err)
}

// Data creates a serialization error
func Data(op, message string, err error) *OrchestrationError {
	return newError(KindData, op, message, err)
}

// ForProvider attaches a provider id to the error
func (e *OrchestrationError) ForProvider(id string) *OrchestrationError {
	e.ProviderID = id
	return e
}

// IsKind reports whether any error in the chain is an OrchestrationError of kind
func IsKind(err error, kind Kind) bool {
	var oe *OrchestrationError
	if stderrors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// RollbackError reports a failed revert while recovering from an apply failure.
// The provider named here may be left in an unknown allocation state.
type RollbackError struct {
	ProviderID string
	Cause      error
	Original   error
}

// Error implements error interface
func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed for provider %s: %v (original failure: %v)", e.ProviderID, e.Cause, e.Original)
}

// Unwrap exposes both the rollback cause and the original failure
func (e *RollbackError) Unwrap() []error {
	return []error{e.Cause, e.Original}
}

// Package errors provides typed service errors for the SYNC PoDD services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a failure by the subsystem that produced it.
type ErrorType string

const (
	ErrorTypeNetwork      ErrorType = "network"
	ErrorTypeValidation   ErrorType = "validation" // malformed requests or telemetry
	ErrorTypeDatabase     ErrorType = "database"   // Postgres, Redis, InfluxDB
	ErrorTypeKafka        ErrorType = "kafka"
	ErrorTypeZMQ          ErrorType = "zmq"
	ErrorTypeRegistry     ErrorType = "registry"
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeInternal     ErrorType = "internal"
)

// ServiceError is a failure of one named operation, optionally wrapping its cause.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error renders "<type> <operation>: <message>[: <cause>]".
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Operation != "" {
		b.WriteByte(' ')
		b.WriteString(e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair, e.g. the device id or topic involved.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError whose retry classification follows its type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap annotates err. A wrapped ServiceError keeps its own retry classification; anything
// else is classified from its text, and cancellation is never retried.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	var retryable bool
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	} else {
		retryable = transient(err)
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(t ErrorType) bool {
	return t == ErrorTypeNetwork || t == ErrorTypeTimeout || t == ErrorTypeKafka || t == ErrorTypeZMQ
}

// Substrings of driver and socket errors (lib/pq, go-redis, kafka-go, net) that are worth another attempt.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"too many connections",
	"leader not available",
	"not leader for partition",
	"loading the dataset in memory",
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsType reports whether the outermost ServiceError in err's chain has type errorType.
func IsType(err error, errorType ErrorType) bool {
	return TypeOf(err) == errorType
}

// TypeOf returns the type of the outermost ServiceError in err's chain, or "" when there is none.
func TypeOf(err error) ErrorType {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return transient(err)
}

// GetContext merges the context of every ServiceError in err's chain. Outer errors win on
// key collisions. Returns nil when the chain carries no context.
func GetContext(err error) map[string]any {
	var chain []*ServiceError
	for err != nil {
		if se, ok := err.(*ServiceError); ok {
			chain = append(chain, se)
		}
		err = errors.Unwrap(err)
	}

	var merged map[string]any
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Context {
			if merged == nil {
				merged = make(map[string]any)
			}
			merged[k] = v
		}
	}
	return merged
}

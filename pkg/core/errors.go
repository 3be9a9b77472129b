package core

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ConfigurationError reports an invalid or incomplete task setup.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(field, format string, a ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, a...)}
}

// TransientIOError wraps an endpoint failure that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient i/o error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// RepairThresholdExceeded is returned when the candidate count is over the repair size threshold.
type RepairThresholdExceeded struct {
	Candidates int
	Threshold  int
}

func (e *RepairThresholdExceeded) Error() string {
	return fmt.Sprintf("repair blocked: %d candidate keys exceed threshold %d", e.Candidates, e.Threshold)
}

// PartialBatchFailure reports a dispatch where some units failed and others succeeded.
type PartialBatchFailure struct {
	Failed int
	Total  int
	Err    error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("%d of %d repair units failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PartialBatchFailure) Unwrap() error { return e.Err }

// FatalPlanningError means no repair plan could be produced.
type FatalPlanningError struct {
	Reason string
	Err    error
}

func (e *FatalPlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("repair planning failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("repair planning failed: %s", e.Reason)
}

func (e *FatalPlanningError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientIOError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

// Transient marks err as retryable unless it already is a context cancellation.
func Transient(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if IsTransient(err) {
		return &TransientIOError{Op: op, Err: err}
	}
	return err
}

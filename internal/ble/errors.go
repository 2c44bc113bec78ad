package ble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied means the platform refused a radio operation.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrDeviceUnavailable means the adapter is missing, off or not ready.
	ErrDeviceUnavailable = errors.New("ble: bluetooth adapter unavailable")
	// ErrCharacteristicUnavailable means a required GATT characteristic was
	// not resolved on the connected peripheral.
	ErrCharacteristicUnavailable = errors.New("ble: characteristic unavailable")
	// ErrConnectionLost reports an unsolicited disconnect.
	ErrConnectionLost = errors.New("ble: connection lost")
	// ErrInvalidState rejects an operation the current LinkState forbids.
	ErrInvalidState = errors.New("ble: invalid link state")
)

// ScanReason classifies a scan start failure.
type ScanReason int

const (
	ScanInternalError ScanReason = iota
	ScanAlreadyStarted
	ScanUnsupported
	ScanRegistrationFailed
)

func (r ScanReason) String() string {
	switch r {
	case ScanAlreadyStarted:
		return "already started"
	case ScanUnsupported:
		return "unsupported"
	case ScanRegistrationFailed:
		return "registration failed"
	default:
		return "internal error"
	}
}

// ScanError is reported when a scan could not be started or aborted.
type ScanError struct {
	Reason ScanReason
	Err    error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ble: scan failed: %s", e.Reason)
	}
	return fmt.Sprintf("ble: scan failed: %s: %v", e.Reason, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Classify maps a platform error onto the package taxonomy. Errors that
// already carry a sentinel, and errors that match nothing, are returned
// unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrPermissionDenied, ErrDeviceUnavailable, ErrCharacteristicUnavailable, ErrConnectionLost, ErrInvalidState} {
		if errors.Is(err, known) {
			return err
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission", "not permitted", "notpermitted", "not authorized", "unauthorized", "access denied", "security"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case containsAny(msg, "powered off", "not powered", "no adapter", "no such adapter", "adapter not", "not ready", "unsupported platform"):
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return err
}

// classifyScanError wraps a platform scan failure in a *ScanError.
func classifyScanError(err error) *ScanError {
	var se *ScanError
	if errors.As(err, &se) {
		return se
	}
	msg := strings.ToLower(err.Error())
	reason := ScanInternalError
	switch {
	case strings.Contains(msg, "already"):
		reason = ScanAlreadyStarted
	case containsAny(msg, "not supported", "unsupported", "not implemented"):
		reason = ScanUnsupported
	case containsAny(msg, "register", "registration"):
		reason = ScanRegistrationFailed
	}
	return &ScanError{Reason: reason, Err: Classify(err)}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package ble

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("Operation not permitted"), ErrPermissionDenied},
		{errors.New("org.bluez.Error.NotAuthorized: not authorized"), ErrPermissionDenied},
		{errors.New("CBManagerStateUnauthorized"), ErrPermissionDenied},
		{errors.New("bluetooth adapter is powered off"), ErrDeviceUnavailable},
		{errors.New("org.bluez.Error.NotReady: Resource Not Ready"), ErrDeviceUnavailable},
		{fmt.Errorf("wrapped: %w", ErrConnectionLost), ErrConnectionLost},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("Classify(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}

	plain := errors.New("timeout")
	if got := Classify(plain); got != plain {
		t.Errorf("Classify(%q) = %v, want unchanged", plain, got)
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestClassifyKeepsCause(t *testing.T) {
	cause := errors.New("Operation not permitted")
	if got := Classify(cause); !errors.Is(got, cause) {
		t.Errorf("Classify() = %v lost the platform error", got)
	}
}

func TestClassifyScanError(t *testing.T) {
	tests := []struct {
		msg  string
		want ScanReason
	}{
		{"scan already in progress", ScanAlreadyStarted},
		{"scanning not supported on this platform", ScanUnsupported},
		{"application registration failed", ScanRegistrationFailed},
		{"dbus: connection closed", ScanInternalError},
	}
	for _, tt := range tests {
		se := classifyScanError(errors.New(tt.msg))
		if se.Reason != tt.want {
			t.Errorf("classifyScanError(%q).Reason = %v, want %v", tt.msg, se.Reason, tt.want)
		}
	}

	se := classifyScanError(errors.New("permission denied"))
	if !errors.Is(se, ErrPermissionDenied) {
		t.Errorf("scan error %v does not unwrap to ErrPermissionDenied", se)
	}
	var target *ScanError
	if !errors.As(fmt.Errorf("start: %w", se), &target) {
		t.Error("errors.As failed for wrapped *ScanError")
	}
}

func TestBackoffDelay(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := BackoffDelay(i, 30*time.Second)
		if got != want {
			t.Errorf("BackoffDelay(%d, 30s) = %v, want %v", i, got, want)
		}
	}
	if got := BackoffDelay(100, 30*time.Second); got != 30*time.Second {
		t.Errorf("BackoffDelay(100) = %v, want cap", got)
	}
}

func TestLinkStateString(t *testing.T) {
	if StateServicesDiscovering.String() != "discovering services" {
		t.Errorf("String() = %q", StateServicesDiscovering.String())
	}
	if !StateReady.Connected() || StateConnecting.Connected() || StateDisconnected.Connected() {
		t.Error("Connected() mismatch")
	}
}

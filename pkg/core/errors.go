package core

import (
	"errors"
	"fmt"
)

// Error is the error type returned by the media session and its pipelines.
type Error struct {
	Type    ErrorType `json:"type"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrCredentialMissing ErrorType = "credential_missing_error"
	ErrDevicePermission  ErrorType = "device_permission_error"
	ErrDeviceUnavailable ErrorType = "device_unavailable_error"
	ErrSessionInit       ErrorType = "session_init_error"
	ErrMalformedAudio    ErrorType = "malformed_audio_error"
	ErrTransportSend     ErrorType = "transport_send_error"
)

// NewCredentialMissingError reports that no API key was available.
func NewCredentialMissingError(op string) *Error {
	return &Error{
		Type:    ErrCredentialMissing,
		Op:      op,
		Message: "api key is not set",
	}
}

// NewDevicePermissionError reports that access to device was refused.
func NewDevicePermissionError(device string, err error) *Error {
	return &Error{
		Type:    ErrDevicePermission,
		Op:      device,
		Message: "permission denied",
		Err:     err,
	}
}

// NewDeviceUnavailableError reports that device could not be opened.
func NewDeviceUnavailableError(device string, err error) *Error {
	return &Error{
		Type:    ErrDeviceUnavailable,
		Op:      device,
		Message: "device unavailable",
		Err:     err,
	}
}

// NewSessionInitError reports a failed remote session open.
func NewSessionInitError(err error) *Error {
	return &Error{
		Type:    ErrSessionInit,
		Op:      "connect",
		Message: "failed to open remote session",
		Err:     err,
	}
}

// NewMalformedAudioError reports an undecodable audio chunk.
func NewMalformedAudioError(message string) *Error {
	return &Error{
		Type:    ErrMalformedAudio,
		Message: message,
	}
}

// NewTransportSendError reports a failed outbound send of kind ("audio" or "video").
func NewTransportSendError(kind string, err error) *Error {
	return &Error{
		Type:    ErrTransportSend,
		Op:      "send " + kind,
		Message: "transport send failed",
		Err:     err,
	}
}

// IsType reports whether err is, or wraps, an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsDeviceError reports whether err is a device permission or availability
// failure.
func IsDeviceError(err error) bool {
	return IsType(err, ErrDevicePermission) || IsType(err, ErrDeviceUnavailable)
}

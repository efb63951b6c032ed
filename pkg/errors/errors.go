// Unified error handling for the Tinymovr firmware core.
//
// Errors are categorized along the device's failure taxonomy: fatal
// control errors force IDLE within the tick that detects them;
// calibration failures abort the session; storage and protocol errors
// are recovered or rejected locally and never alter device state by
// themselves.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import "fmt"

// Code categorizes an error.
type Code string

const (
	// Fatal control errors.
	CodeOvercurrent    Code = "OVERCURRENT"
	CodeUndervoltage   Code = "UNDERVOLTAGE"
	CodeOvervoltage    Code = "OVERVOLTAGE"
	CodeSensorFault    Code = "SENSOR_FAULT"
	CodeMissedDeadline Code = "MISSED_DEADLINE"
	CodeControlFault   Code = "CONTROL_FAULT"

	// Calibration stage failures.
	CodeCalDeadline   Code = "CAL_DEADLINE"
	CodeCalOutOfRange Code = "CAL_OUT_OF_RANGE"
	CodeCalAborted    Code = "CAL_ABORTED"

	// Storage errors.
	CodeStorageChecksum Code = "STORAGE_CHECKSUM"
	CodeStorageMagic    Code = "STORAGE_MAGIC"
	CodeStorageVerify   Code = "STORAGE_VERIFY"
	CodeStorageIO       Code = "STORAGE_IO"

	// Protocol errors.
	CodeProtoUnknownEndpoint Code = "PROTO_UNKNOWN_ENDPOINT"
	CodeProtoHashMismatch    Code = "PROTO_HASH_MISMATCH"
	CodeProtoMalformed       Code = "PROTO_MALFORMED"
	CodeProtoReadOnly        Code = "PROTO_READ_ONLY"
)

// CoreError is the unified error type for the firmware core.
type CoreError struct {
	// Code is the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Component is the originating subsystem, if known.
	Component string

	// Err wraps the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithComponent tags the error with the originating subsystem.
func (e *CoreError) WithComponent(name string) *CoreError {
	e.Component = name
	return e
}

// New creates a CoreError.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a CoreError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and message.
func Wrap(err error, code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Is reports whether err is a CoreError with the given code.
func Is(err error, code Code) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Code == code
}

// CodeOf returns the code of a CoreError, or the empty code.
func CodeOf(err error) Code {
	if ce, ok := err.(*CoreError); ok {
		return ce.Code
	}
	return ""
}

// IsFatalControl reports whether the error belongs to the fatal
// control category.
func IsFatalControl(err error) bool {
	switch CodeOf(err) {
	case CodeOvercurrent, CodeUndervoltage, CodeOvervoltage,
		CodeSensorFault, CodeMissedDeadline, CodeControlFault:
		return true
	}
	return false
}

// IsCalibration reports whether the error is a calibration stage
// failure.
func IsCalibration(err error) bool {
	switch CodeOf(err) {
	case CodeCalDeadline, CodeCalOutOfRange, CodeCalAborted:
		return true
	}
	return false
}

// IsStorage reports whether the error is a storage error.
func IsStorage(err error) bool {
	switch CodeOf(err) {
	case CodeStorageChecksum, CodeStorageMagic, CodeStorageVerify, CodeStorageIO:
		return true
	}
	return false
}

// IsProtocol reports whether the error is a protocol error.
func IsProtocol(err error) bool {
	switch CodeOf(err) {
	case CodeProtoUnknownEndpoint, CodeProtoHashMismatch,
		CodeProtoMalformed, CodeProtoReadOnly:
		return true
	}
	return false
}

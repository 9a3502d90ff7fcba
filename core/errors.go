// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
)

// ErrorCode is a device operation error code. Codes travel inside replies,
// so devices and gateways written against other SDKs can surface them.
type ErrorCode string

const (
	CodeClientOffline       ErrorCode = "CLIENT_OFFLINE"
	CodeTimeout             ErrorCode = "TIME_OUT"
	CodeCyclicDependence    ErrorCode = "CYCLIC_DEPENDENCE"
	CodeUnknownParentDevice ErrorCode = "UNKNOWN_PARENT_DEVICE"
	CodeNoReply             ErrorCode = "NO_REPLY"
	CodeSystemError         ErrorCode = "SYSTEM_ERROR"
	CodeFunctionUndefined   ErrorCode = "FUNCTION_UNDEFINED"
	CodeParameterError      ErrorCode = "PARAMETER_ERROR"
	CodeUnsupportedMessage  ErrorCode = "UNSUPPORTED_MESSAGE"
)

// Recognized reports whether c is one of the well-known error codes.
func (c ErrorCode) Recognized() bool {
	switch c {
	case CodeClientOffline, CodeTimeout, CodeCyclicDependence,
		CodeUnknownParentDevice, CodeNoReply, CodeSystemError,
		CodeFunctionUndefined, CodeParameterError, CodeUnsupportedMessage:
		return true
	}
	return false
}

// DeviceError is a typed device operation failure carrying an ErrorCode.
type DeviceError struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewError creates a DeviceError with an optional human-readable message.
func NewError(code ErrorCode, msg string) *DeviceError {
	return &DeviceError{Code: code, Message: msg}
}

// WrapError creates a DeviceError wrapping an underlying cause.
func WrapError(code ErrorCode, msg string, cause error) *DeviceError {
	return &DeviceError{Code: code, Message: msg, cause: cause}
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.Code, e.cause)
		}
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *DeviceError) Unwrap() error { return e.cause }

// Is matches DeviceErrors by code so sentinel comparisons with errors.Is work.
func (e *DeviceError) Is(target error) bool {
	var de *DeviceError
	if errors.As(target, &de) {
		return e.Code == de.Code
	}
	return false
}

// CodeOf extracts the ErrorCode from err. Returns false if err carries none.
func CodeOf(err error) (ErrorCode, bool) {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// Sentinel errors for the common failure modes. Compare with errors.Is.
var (
	ErrClientOffline       = NewError(CodeClientOffline, "device has no live connection")
	ErrTimeout             = NewError(CodeTimeout, "no reply within the allotted window")
	ErrCyclicDependence    = NewError(CodeCyclicDependence, "gateway forward targets itself")
	ErrUnknownParentDevice = NewError(CodeUnknownParentDevice, "parent gateway does not resolve")
	ErrNoReply             = NewError(CodeNoReply, "gateway reply carried no nested reply")
)

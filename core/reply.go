// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// Reply is a response correlated to a message id. A failed reply may carry
// a recognized ErrorCode; anything else is an opaque cause described by
// ErrorMessage.
type Reply interface {
	Message
	Success() bool
	Code() ErrorCode
	ErrorMessage() string
}

// DeviceReply is the base reply. Typed replies embed it.
type DeviceReply struct {
	Device  string
	ID      string
	Time    time.Time
	Header  Headers
	OK      bool
	ErrCode ErrorCode
	ErrMsg  string
}

var _ Reply = (*DeviceReply)(nil)

func (r *DeviceReply) DeviceID() string     { return r.Device }
func (r *DeviceReply) MessageID() string    { return r.ID }
func (r *DeviceReply) Timestamp() time.Time { return r.Time }
func (r *DeviceReply) Headers() Headers     { return r.Header }
func (r *DeviceReply) Kind() Kind           { return KindReply }
func (r *DeviceReply) Success() bool        { return r.OK }
func (r *DeviceReply) Code() ErrorCode      { return r.ErrCode }
func (r *DeviceReply) ErrorMessage() string { return r.ErrMsg }

// Fail marks the reply failed with the given code.
func (r *DeviceReply) Fail(code ErrorCode, msg string) {
	r.OK = false
	r.ErrCode = code
	r.ErrMsg = msg
}

// FunctionInvokeReply carries a function invocation result.
type FunctionInvokeReply struct {
	DeviceReply
	Output any
}

func (r *FunctionInvokeReply) Kind() Kind { return KindFunctionInvokeReply }

// ReadPropertyReply carries the read property values.
type ReadPropertyReply struct {
	DeviceReply
	Properties map[string]any
}

func (r *ReadPropertyReply) Kind() Kind { return KindReadPropertyReply }

// WritePropertyReply echoes the written property values.
type WritePropertyReply struct {
	DeviceReply
	Properties map[string]any
}

func (r *WritePropertyReply) Kind() Kind { return KindWritePropertyReply }

// ChildDeviceReply wraps a reply produced by a child device behind a
// gateway. Child is the nested reply; it must be unwrapped before being
// handed to the caller.
type ChildDeviceReply struct {
	DeviceReply
	ChildDeviceID string
	Child         Reply
}

func (r *ChildDeviceReply) Kind() Kind { return KindChildDeviceReply }

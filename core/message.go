// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package core defines the device message model shared by the sender,
// the reply correlation layer and the transports: outbound messages,
// correlated replies, the child-device forwarding envelope and the
// reference-counted Payload container.
package core

import (
	"errors"
	"time"
)

// Kind discriminates message types on the wire and in reply conversion.
type Kind string

const (
	KindDevice              Kind = "DEVICE"
	KindFunctionInvoke      Kind = "INVOKE_FUNCTION"
	KindReadProperty        Kind = "READ_PROPERTY"
	KindWriteProperty       Kind = "WRITE_PROPERTY"
	KindChildDevice         Kind = "CHILD"
	KindReply               Kind = "REPLY"
	KindFunctionInvokeReply Kind = "INVOKE_FUNCTION_REPLY"
	KindReadPropertyReply   Kind = "READ_PROPERTY_REPLY"
	KindWritePropertyReply  Kind = "WRITE_PROPERTY_REPLY"
	KindChildDeviceReply    Kind = "CHILD_REPLY"
)

// Message is an outbound instruction to a device. MessageID is the
// correlation key component and must be unique for the lifetime of the
// pending request.
type Message interface {
	DeviceID() string
	MessageID() string
	Timestamp() time.Time
	Headers() Headers
	Kind() Kind
}

// DeviceMessage is the base outbound message. Typed messages embed it.
type DeviceMessage struct {
	Device string
	ID     string
	Time   time.Time
	Header Headers
}

var _ Message = (*DeviceMessage)(nil)

func (m *DeviceMessage) DeviceID() string     { return m.Device }
func (m *DeviceMessage) MessageID() string    { return m.ID }
func (m *DeviceMessage) Timestamp() time.Time { return m.Time }
func (m *DeviceMessage) Headers() Headers     { return m.Header }
func (m *DeviceMessage) Kind() Kind           { return KindDevice }

// SetHeader stores a per-message option.
func (m *DeviceMessage) SetHeader(key string, value any) {
	m.Header = m.Header.Set(key, value)
}

// FunctionInvokeMessage invokes a device-defined function.
type FunctionInvokeMessage struct {
	DeviceMessage
	Function string
	Args     map[string]any
}

func (m *FunctionInvokeMessage) Kind() Kind { return KindFunctionInvoke }

// ReadPropertyMessage reads one or more device properties.
type ReadPropertyMessage struct {
	DeviceMessage
	Properties []string
}

func (m *ReadPropertyMessage) Kind() Kind { return KindReadProperty }

// WritePropertyMessage writes device properties.
type WritePropertyMessage struct {
	DeviceMessage
	Properties map[string]any
}

func (m *WritePropertyMessage) Kind() Kind { return KindWriteProperty }

// ChildDeviceMessage is the gateway-forward envelope. Device is the target
// gateway; ChildDeviceID is the originating child; Inner is the original
// message. MessageID and Timestamp propagate from the inner message so the
// correlation key survives the hop.
type ChildDeviceMessage struct {
	DeviceMessage
	ChildDeviceID string
	Inner         Message
}

func (m *ChildDeviceMessage) Kind() Kind { return KindChildDevice }

var (
	ErrEnvelopeNoGateway  = errors.New("child envelope: empty gateway device id")
	ErrEnvelopeNoChild    = errors.New("child envelope: empty child device id")
	ErrEnvelopeNoInner    = errors.New("child envelope: missing inner message")
	ErrEnvelopeSelfTarget = errors.New("child envelope: gateway and child are the same device")
)

// NewChildDeviceMessage wraps msg for forwarding through gatewayID,
// propagating message id, timestamp and a snapshot copy of the headers.
func NewChildDeviceMessage(gatewayID, childID string, msg Message) *ChildDeviceMessage {
	return &ChildDeviceMessage{
		DeviceMessage: DeviceMessage{
			Device: gatewayID,
			ID:     msg.MessageID(),
			Time:   msg.Timestamp(),
			Header: msg.Headers().Clone(),
		},
		ChildDeviceID: childID,
		Inner:         msg,
	}
}

// Validate checks the envelope structurally. Self-forwarding is rejected:
// a gateway can never be its own child.
func (m *ChildDeviceMessage) Validate() error {
	switch {
	case m.Device == "":
		return ErrEnvelopeNoGateway
	case m.ChildDeviceID == "":
		return ErrEnvelopeNoChild
	case m.Inner == nil:
		return ErrEnvelopeNoInner
	case m.Device == m.ChildDeviceID:
		return ErrEnvelopeSelfTarget
	}
	return nil
}

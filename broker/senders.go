// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"time"

	"github.com/absmach/devlink/core"
	"github.com/google/uuid"
)

// FunctionInvokeSender builds and sends a function invocation.
type FunctionInvokeSender struct {
	sender *Sender
	msg    *core.FunctionInvokeMessage
}

// InvokeFunction starts a function invocation builder for the named
// device function.
func (s *Sender) InvokeFunction(function string) *FunctionInvokeSender {
	return &FunctionInvokeSender{
		sender: s,
		msg: &core.FunctionInvokeMessage{
			DeviceMessage: core.DeviceMessage{Device: s.device.ID()},
			Function:      function,
			Args:          make(map[string]any),
		},
	}
}

// Arg adds one invocation argument.
func (f *FunctionInvokeSender) Arg(name string, value any) *FunctionInvokeSender {
	f.msg.Args[name] = value
	return f
}

// MessageID overrides the generated message id.
func (f *FunctionInvokeSender) MessageID(id string) *FunctionInvokeSender {
	f.msg.ID = id
	return f
}

// Timeout overrides the reply timeout for this invocation.
func (f *FunctionInvokeSender) Timeout(d time.Duration) *FunctionInvokeSender {
	f.msg.SetHeader(core.HeaderTimeout, d)
	return f
}

// SendAndForget skips reply correlation for this invocation.
func (f *FunctionInvokeSender) SendAndForget() *FunctionInvokeSender {
	f.msg.SetHeader(core.HeaderSendAndForget, true)
	return f
}

// Header sets an arbitrary per-message option.
func (f *FunctionInvokeSender) Header(key string, value any) *FunctionInvokeSender {
	f.msg.SetHeader(key, value)
	return f
}

// Send dispatches the invocation through the device's send path.
func (f *FunctionInvokeSender) Send(ctx context.Context) <-chan Result {
	stamp(&f.msg.DeviceMessage)
	return f.sender.Send(ctx, f.msg)
}

// ReadPropertySender builds and sends a property read.
type ReadPropertySender struct {
	sender *Sender
	msg    *core.ReadPropertyMessage
}

// ReadProperty starts a property read builder.
func (s *Sender) ReadProperty(properties ...string) *ReadPropertySender {
	return &ReadPropertySender{
		sender: s,
		msg: &core.ReadPropertyMessage{
			DeviceMessage: core.DeviceMessage{Device: s.device.ID()},
			Properties:    properties,
		},
	}
}

// Read adds properties to the read set.
func (r *ReadPropertySender) Read(properties ...string) *ReadPropertySender {
	r.msg.Properties = append(r.msg.Properties, properties...)
	return r
}

// MessageID overrides the generated message id.
func (r *ReadPropertySender) MessageID(id string) *ReadPropertySender {
	r.msg.ID = id
	return r
}

// Timeout overrides the reply timeout for this read.
func (r *ReadPropertySender) Timeout(d time.Duration) *ReadPropertySender {
	r.msg.SetHeader(core.HeaderTimeout, d)
	return r
}

// Send dispatches the read through the device's send path.
func (r *ReadPropertySender) Send(ctx context.Context) <-chan Result {
	stamp(&r.msg.DeviceMessage)
	return r.sender.Send(ctx, r.msg)
}

// WritePropertySender builds and sends a property write.
type WritePropertySender struct {
	sender *Sender
	msg    *core.WritePropertyMessage
}

// WriteProperty starts a property write builder.
func (s *Sender) WriteProperty() *WritePropertySender {
	return &WritePropertySender{
		sender: s,
		msg: &core.WritePropertyMessage{
			DeviceMessage: core.DeviceMessage{Device: s.device.ID()},
			Properties:    make(map[string]any),
		},
	}
}

// Write sets one property value.
func (w *WritePropertySender) Write(name string, value any) *WritePropertySender {
	w.msg.Properties[name] = value
	return w
}

// MessageID overrides the generated message id.
func (w *WritePropertySender) MessageID(id string) *WritePropertySender {
	w.msg.ID = id
	return w
}

// Timeout overrides the reply timeout for this write.
func (w *WritePropertySender) Timeout(d time.Duration) *WritePropertySender {
	w.msg.SetHeader(core.HeaderTimeout, d)
	return w
}

// Send dispatches the write through the device's send path.
func (w *WritePropertySender) Send(ctx context.Context) <-chan Result {
	stamp(&w.msg.DeviceMessage)
	return w.sender.Send(ctx, w.msg)
}

// stamp fills the generated message id and timestamp just before send.
func stamp(m *core.DeviceMessage) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"time"
)

// Field names of the structured (JSON-like) message form. This is the
// wire shape transports exchange and the intermediate form replies arrive
// in before typed conversion.
const (
	fieldType      = "messageType"
	fieldDeviceID  = "deviceId"
	fieldMessageID = "messageId"
	fieldTimestamp = "timestamp"
	fieldHeaders   = "headers"
	fieldSuccess   = "success"
	fieldCode      = "code"
	fieldMessage   = "message"
	fieldFunction  = "function"
	fieldInputs    = "inputs"
	fieldOutput    = "output"
	fieldProps     = "properties"
	fieldChildID   = "childDeviceId"
	fieldChildMsg  = "childDeviceMessage"
)

// MessageToFields converts a message to its structured form.
func MessageToFields(msg Message) map[string]any {
	f := map[string]any{
		fieldType:      string(msg.Kind()),
		fieldDeviceID:  msg.DeviceID(),
		fieldMessageID: msg.MessageID(),
		fieldTimestamp: msg.Timestamp().UnixMilli(),
	}
	if h := msg.Headers(); len(h) > 0 {
		f[fieldHeaders] = map[string]any(h)
	}
	switch m := msg.(type) {
	case *FunctionInvokeMessage:
		f[fieldFunction] = m.Function
		if m.Args != nil {
			f[fieldInputs] = m.Args
		}
	case *ReadPropertyMessage:
		f[fieldProps] = m.Properties
	case *WritePropertyMessage:
		f[fieldProps] = m.Properties
	case *ChildDeviceMessage:
		f[fieldChildID] = m.ChildDeviceID
		f[fieldChildMsg] = MessageToFields(m.Inner)
	case Reply:
		f[fieldSuccess] = m.Success()
		if m.Code() != "" {
			f[fieldCode] = string(m.Code())
		}
		if m.ErrorMessage() != "" {
			f[fieldMessage] = m.ErrorMessage()
		}
		switch r := msg.(type) {
		case *FunctionInvokeReply:
			f[fieldOutput] = r.Output
		case *ReadPropertyReply:
			f[fieldProps] = r.Properties
		case *WritePropertyReply:
			f[fieldProps] = r.Properties
		case *ChildDeviceReply:
			f[fieldChildID] = r.ChildDeviceID
			if r.Child != nil {
				f[fieldChildMsg] = MessageToFields(r.Child)
			}
		}
	}
	return f
}

// MessageFromFields converts the structured form back into a typed
// message. Unknown or missing messageType fails with an error.
func MessageFromFields(f map[string]any) (Message, error) {
	kind, _ := f[fieldType].(string)
	base := DeviceMessage{
		Device: str(f, fieldDeviceID),
		ID:     str(f, fieldMessageID),
		Time:   ts(f),
		Header: headers(f),
	}
	reply := DeviceReply{
		Device:  base.Device,
		ID:      base.ID,
		Time:    base.Time,
		Header:  base.Header,
		OK:      boolField(f, fieldSuccess),
		ErrCode: ErrorCode(str(f, fieldCode)),
		ErrMsg:  str(f, fieldMessage),
	}

	switch Kind(kind) {
	case KindDevice:
		return &base, nil
	case KindFunctionInvoke:
		return &FunctionInvokeMessage{
			DeviceMessage: base,
			Function:      str(f, fieldFunction),
			Args:          mapField(f, fieldInputs),
		}, nil
	case KindReadProperty:
		return &ReadPropertyMessage{DeviceMessage: base, Properties: strSlice(f, fieldProps)}, nil
	case KindWriteProperty:
		return &WritePropertyMessage{DeviceMessage: base, Properties: mapField(f, fieldProps)}, nil
	case KindChildDevice:
		inner, err := nested(f)
		if err != nil {
			return nil, err
		}
		return &ChildDeviceMessage{DeviceMessage: base, ChildDeviceID: str(f, fieldChildID), Inner: inner}, nil
	case KindReply:
		return &reply, nil
	case KindFunctionInvokeReply:
		return &FunctionInvokeReply{DeviceReply: reply, Output: f[fieldOutput]}, nil
	case KindReadPropertyReply:
		return &ReadPropertyReply{DeviceReply: reply, Properties: mapField(f, fieldProps)}, nil
	case KindWritePropertyReply:
		return &WritePropertyReply{DeviceReply: reply, Properties: mapField(f, fieldProps)}, nil
	case KindChildDeviceReply:
		r := &ChildDeviceReply{DeviceReply: reply, ChildDeviceID: str(f, fieldChildID)}
		if _, ok := f[fieldChildMsg]; ok {
			inner, err := nested(f)
			if err != nil {
				return nil, err
			}
			if cr, ok := inner.(Reply); ok {
				r.Child = cr
			}
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown message type %q", kind)
}

// ReplyFromFields converts the structured form into a typed reply.
func ReplyFromFields(f map[string]any) (Reply, error) {
	msg, err := MessageFromFields(f)
	if err != nil {
		return nil, err
	}
	r, ok := msg.(Reply)
	if !ok {
		return nil, fmt.Errorf("message type %q is not a reply", msg.Kind())
	}
	return r, nil
}

func nested(f map[string]any) (Message, error) {
	inner, ok := f[fieldChildMsg].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("child envelope: malformed %s field", fieldChildMsg)
	}
	return MessageFromFields(inner)
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolField(f map[string]any, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func mapField(f map[string]any, key string) map[string]any {
	m, _ := f[key].(map[string]any)
	return m
}

func strSlice(f map[string]any, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func headers(f map[string]any) Headers {
	if m, ok := f[fieldHeaders].(map[string]any); ok {
		return Headers(m)
	}
	return nil
}

func ts(f map[string]any) time.Time {
	switch v := f[fieldTimestamp].(type) {
	case int64:
		return time.UnixMilli(v)
	case float64:
		return time.UnixMilli(int64(v))
	case time.Time:
		return v
	}
	return time.Time{}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"

	"github.com/absmach/devlink/core"
)

// convertRaw converts one raw correlation reply into a typed result,
// with one conversion path per variant.
func (s *Sender) convertRaw(sent core.Message, raw RawReply) Result {
	switch raw.Kind {
	case RawError:
		if raw.Err == nil {
			return Result{Err: core.NewError(core.CodeSystemError, "correlation layer reported an empty error")}
		}
		if _, ok := core.CodeOf(raw.Err); ok {
			return Result{Err: raw.Err}
		}
		return Result{Err: core.WrapError(core.CodeSystemError, "correlation failure", raw.Err)}

	case RawTyped:
		if raw.Reply == nil {
			return Result{Err: core.NewError(core.CodeSystemError, "typed reply variant carried no reply")}
		}
		return unwrapChildReply(sent, raw.Reply)

	case RawFields:
		reply, err := core.ReplyFromFields(raw.Fields)
		if err != nil {
			return Result{Err: core.WrapError(core.CodeSystemError,
				fmt.Sprintf("cannot convert reply for message %s", sent.MessageID()), err)}
		}
		return unwrapChildReply(sent, reply)
	}
	return Result{Err: core.NewError(core.CodeSystemError,
		fmt.Sprintf("unrecognized raw reply variant %d", raw.Kind))}
}

// unwrapChildReply recovers the innermost reply from child-device reply
// envelopes, unless the sent message was itself a child envelope (then
// the envelope is what the caller asked for). A failed reply with a
// recognized code surfaces as that error; a reply envelope with neither a
// nested reply nor a recognized code fails with CodeNoReply.
func unwrapChildReply(sent core.Message, reply core.Reply) Result {
	if _, isEnvelope := sent.(*core.ChildDeviceMessage); !isEnvelope {
		for {
			child, ok := reply.(*core.ChildDeviceReply)
			if !ok {
				break
			}
			if !child.Success() {
				if code := child.Code(); code.Recognized() {
					return Result{Err: core.NewError(code, child.ErrorMessage())}
				}
			}
			if child.Child == nil {
				if code := child.Code(); code.Recognized() {
					return Result{Err: core.NewError(code, child.ErrorMessage())}
				}
				return Result{Err: core.ErrNoReply}
			}
			reply = child.Child
		}
	}
	return checkReplyError(reply)
}

// checkReplyError surfaces a recognized error code embedded in a failed
// reply as a typed error.
func checkReplyError(reply core.Reply) Result {
	if !reply.Success() {
		if code := reply.Code(); code.Recognized() {
			return Result{Err: core.NewError(code, reply.ErrorMessage())}
		}
	}
	return Result{Reply: reply}
}

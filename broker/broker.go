// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the device message sender: routing resolution,
// asynchronous reply correlation, gateway forwarding and the interception
// pipeline. The actual reply plumbing and dispatch primitive are consumed
// through the OperationBroker interface; see the transport package for
// implementations.
package broker

import (
	"context"
	"time"

	"github.com/absmach/devlink/core"
)

// OperationBroker is the reply correlation and dispatch primitive the
// sender builds on.
type OperationBroker interface {
	// AwaitReply registers a waiter for replies keyed by (deviceID,
	// messageID) and returns the raw reply stream. The waiter is
	// registered before AwaitReply returns, so dispatching after the call
	// cannot lose a fast reply. The wait is abandoned when ctx is
	// cancelled; on timeout the stream fails with a CodeTimeout error and
	// closes.
	AwaitReply(ctx context.Context, deviceID, messageID string, timeout time.Duration) (<-chan RawReply, error)

	// Dispatch hands the message to the server process identified by
	// serverID and returns the count of live connections it reached.
	// Implementations return 0 both when no connection has the message
	// and when no acknowledgement arrived at all.
	Dispatch(ctx context.Context, serverID string, msg core.Message) (int, error)
}

// RawKind discriminates the shape a raw reply arrived in. The variant is
// decided once, where the reply enters the correlation layer; the sender
// converts each variant with its own conversion path instead of chasing
// runtime type chains.
type RawKind int

const (
	// RawTyped carries an already-typed core.Reply.
	RawTyped RawKind = iota
	// RawFields carries the structured field form, e.g. decoded JSON.
	RawFields
	// RawError carries a correlation-layer failure (timeout, overload).
	RawError
)

// RawReply is the tagged union of reply shapes produced by the
// correlation layer.
type RawReply struct {
	Kind   RawKind
	Reply  core.Reply
	Fields map[string]any
	Err    error
}

// Result is one element of a send's reply stream: a typed reply or the
// error terminating that message's stream.
type Result struct {
	Reply core.Reply
	Err   error
}

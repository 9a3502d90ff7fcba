// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
)

// ConnectionHandler delivers a message to the device connections a server
// process holds and returns how many live connections accepted it.
type ConnectionHandler func(ctx context.Context, msg core.Message) int

// defaultMaxWaiters bounds the pending table of a standalone broker.
const defaultMaxWaiters = 10000

// StandaloneBroker is the in-process OperationBroker: connection servers
// attach handlers under their server id, and replies are fed back through
// Reply/ReplyFields. Single-node deployments and tests run on it.
type StandaloneBroker struct {
	pending *pendingStore

	mu       sync.RWMutex
	handlers map[string]ConnectionHandler

	logger *slog.Logger
}

var _ broker.OperationBroker = (*StandaloneBroker)(nil)

// StandaloneOption configures a StandaloneBroker.
type StandaloneOption func(*StandaloneBroker)

// WithStandaloneLogger sets the broker logger.
func WithStandaloneLogger(l *slog.Logger) StandaloneOption {
	return func(b *StandaloneBroker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMaxWaiters bounds the pending reply table.
func WithMaxWaiters(n int) StandaloneOption {
	return func(b *StandaloneBroker) {
		if n > 0 {
			b.pending = newPendingStore(n)
		}
	}
}

// NewStandalone creates an in-process operation broker.
func NewStandalone(opts ...StandaloneOption) *StandaloneBroker {
	b := &StandaloneBroker{
		pending:  newPendingStore(defaultMaxWaiters),
		handlers: make(map[string]ConnectionHandler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers the connection handler for a server id.
func (b *StandaloneBroker) Attach(serverID string, h ConnectionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[serverID] = h
}

// Detach removes the connection handler for a server id.
func (b *StandaloneBroker) Detach(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, serverID)
}

// AwaitReply registers a reply waiter. See broker.OperationBroker.
func (b *StandaloneBroker) AwaitReply(ctx context.Context, deviceID, messageID string, timeout time.Duration) (<-chan broker.RawReply, error) {
	return b.pending.register(ctx, deviceID, messageID, timeout)
}

// Dispatch hands the message to the handler attached under serverID. An
// unknown server id acknowledges zero connections.
func (b *StandaloneBroker) Dispatch(ctx context.Context, serverID string, msg core.Message) (int, error) {
	b.mu.RLock()
	h, ok := b.handlers[serverID]
	b.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return h(ctx, msg), nil
}

// Reply feeds a typed device reply into the correlation layer. Returns
// false when no waiter is registered for the reply's correlation key.
func (b *StandaloneBroker) Reply(reply core.Reply) bool {
	ok := b.pending.deliver(reply.DeviceID(), reply.MessageID(),
		broker.RawReply{Kind: broker.RawTyped, Reply: reply},
		!reply.Headers().Bool(core.HeaderFragment))
	if !ok {
		b.logger.Debug("dropping uncorrelated reply",
			slog.String("device_id", reply.DeviceID()),
			slog.String("message_id", reply.MessageID()))
	}
	return ok
}

// ReplyFields feeds a structured-form reply into the correlation layer.
func (b *StandaloneBroker) ReplyFields(deviceID, messageID string, fields map[string]any) bool {
	terminal := true
	if h, ok := fields["headers"].(map[string]any); ok {
		if frag, ok := h[core.HeaderFragment].(bool); ok && frag {
			terminal = false
		}
	}
	return b.pending.deliver(deviceID, messageID,
		broker.RawReply{Kind: broker.RawFields, Fields: fields}, terminal)
}

// PendingWaiters reports the number of registered reply waiters.
func (b *StandaloneBroker) PendingWaiters() int {
	return b.pending.count()
}

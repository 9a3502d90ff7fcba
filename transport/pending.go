// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the reply correlation and dispatch
// primitive the sender consumes: an in-process broker for tests and
// single-node deployments, and an MQTT bridge for clustered ones.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
)

// ErrTooManyWaiters rejects a wait registration when the pending table is
// full. Bounds correlation state under waiter leaks or reply storms.
var ErrTooManyWaiters = errors.New("too many pending reply waiters")

// replyBuffer bounds undelivered replies per waiter; past it, replies for
// that key are dropped.
const replyBuffer = 16

// pendingStore tracks reply waiters keyed by (deviceID, messageID).
// A waiter is registered before the message is dispatched, so a fast
// reply can never arrive unheard. Late or duplicate replies for an
// already-resolved key are silently dropped.
type pendingStore struct {
	mu      sync.Mutex
	waits   map[correlationKey]*pendingWait
	maxSize int
}

type correlationKey struct {
	deviceID  string
	messageID string
}

type pendingWait struct {
	ch    chan broker.RawReply
	timer *time.Timer
	done  bool
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		waits:   make(map[correlationKey]*pendingWait),
		maxSize: maxSize,
	}
}

// register adds a waiter and returns its raw reply stream. The wait ends
// on a terminal reply, on timeout (a CodeTimeout error is delivered
// first) or on ctx cancellation (abandoned silently).
func (ps *pendingStore) register(ctx context.Context, deviceID, messageID string, timeout time.Duration) (<-chan broker.RawReply, error) {
	key := correlationKey{deviceID: deviceID, messageID: messageID}

	ps.mu.Lock()
	if len(ps.waits) >= ps.maxSize {
		ps.mu.Unlock()
		return nil, ErrTooManyWaiters
	}
	if old, exists := ps.waits[key]; exists {
		// A duplicate registration supersedes the stale waiter.
		old.timer.Stop()
		close(old.ch)
		delete(ps.waits, key)
	}
	w := &pendingWait{ch: make(chan broker.RawReply, replyBuffer)}
	w.timer = time.AfterFunc(timeout, func() {
		ps.expire(key)
	})
	ps.waits[key] = w
	ps.mu.Unlock()

	context.AfterFunc(ctx, func() {
		ps.abandon(key)
	})

	return w.ch, nil
}

// deliver routes a raw reply to its waiter. terminal removes the waiter
// and closes its stream after delivery. Returns false when no waiter is
// registered (late or duplicate reply).
func (ps *pendingStore) deliver(deviceID, messageID string, raw broker.RawReply, terminal bool) bool {
	key := correlationKey{deviceID: deviceID, messageID: messageID}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.waits[key]
	if !ok || w.done {
		return false
	}
	select {
	case w.ch <- raw:
	default:
		// Buffer full; drop rather than block the delivery path.
		return false
	}
	if terminal {
		w.done = true
		w.timer.Stop()
		close(w.ch)
		delete(ps.waits, key)
	}
	return true
}

// expire fails the waiter with a timeout error and removes it.
func (ps *pendingStore) expire(key correlationKey) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.waits[key]
	if !ok || w.done {
		return
	}
	w.done = true
	select {
	case w.ch <- broker.RawReply{Kind: broker.RawError, Err: core.ErrTimeout}:
	default:
	}
	close(w.ch)
	delete(ps.waits, key)
}

// abandon removes a waiter without emitting anything. Used when the
// caller cancels its subscription.
func (ps *pendingStore) abandon(key correlationKey) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.waits[key]
	if !ok || w.done {
		return
	}
	w.done = true
	w.timer.Stop()
	close(w.ch)
	delete(ps.waits, key)
}

// count returns the number of registered waiters.
func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.waits)
}

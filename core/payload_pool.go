// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/absmach/devlink/codec"
)

// PayloadPool manages a free list of reusable Payload instances. Checkout
// and return are safe under concurrent access from multiple workers.
type PayloadPool struct {
	free chan *Payload

	stats PayloadPoolStats
}

// PayloadPoolStats tracks pool performance metrics.
type PayloadPoolStats struct {
	Hits   atomic.Uint64
	Misses atomic.Uint64
	Leaks  atomic.Uint64
}

// leakHook is invoked when a payload is garbage-collected with a non-zero
// reference count. That means a consumer never released it: a leak
// signal, not a fatal error. Overridable for tests.
var leakHook atomic.Pointer[func(refCount int32)]

func init() {
	h := func(refCount int32) {
		slog.Warn("payload collected without release",
			slog.Int("ref_count", int(refCount)))
	}
	leakHook.Store(&h)
}

// SetLeakHook replaces the leak diagnostic hook and returns the previous
// one. The hook is a safety net only; explicit Release is always the
// primary reclamation path.
func SetLeakHook(h func(refCount int32)) func(refCount int32) {
	prev := leakHook.Swap(&h)
	return *prev
}

// NewPayloadPool creates a pool holding at most capacity idle instances.
func NewPayloadPool(capacity int) *PayloadPool {
	return &PayloadPool{free: make(chan *Payload, capacity)}
}

// Checkout obtains an instance from the pool (or allocates one), resets
// its reference count to 1 and binds the native object and encoder.
func (pp *PayloadPool) Checkout(native any, enc codec.Encoder) *Payload {
	p := pp.get()
	p.native = native
	p.encoder = enc
	return p
}

// CheckoutBytes obtains an instance holding pre-encoded wire bytes. Bytes
// returns data directly; no encoder is involved.
func (pp *PayloadPool) CheckoutBytes(data []byte) *Payload {
	p := pp.get()
	p.buf = data
	p.encoded.Store(true)
	return p
}

func (pp *PayloadPool) get() *Payload {
	select {
	case p := <-pp.free:
		pp.stats.Hits.Add(1)
		p.refCount.Store(1)
		return p
	default:
	}
	pp.stats.Misses.Add(1)
	p := &Payload{pool: pp}
	p.refCount.Store(1)
	runtime.SetFinalizer(p, finalizePayload)
	return p
}

// put returns a deallocated instance to the free list. Called by
// Payload.Release at the zero-crossing.
func (pp *PayloadPool) put(p *Payload) {
	select {
	case pp.free <- p:
	default:
		// Pool full; drop the instance and let GC take it.
	}
}

// Stats returns a snapshot of the pool counters.
func (pp *PayloadPool) Stats() (hits, misses, leaks uint64) {
	return pp.stats.Hits.Load(), pp.stats.Misses.Load(), pp.stats.Leaks.Load()
}

func finalizePayload(p *Payload) {
	if c := p.refCount.Load(); c > 0 {
		if p.pool != nil {
			p.pool.stats.Leaks.Add(1)
		}
		(*leakHook.Load())(c)
	}
}

// DefaultPayloadPool backs the package-level checkout helpers.
var DefaultPayloadPool = NewPayloadPool(1024)

// Checkout obtains a payload from the default pool.
func Checkout(native any, enc codec.Encoder) *Payload {
	return DefaultPayloadPool.Checkout(native, enc)
}

// CheckoutBytes obtains a byte-only payload from the default pool.
func CheckoutBytes(data []byte) *Payload {
	return DefaultPayloadPool.CheckoutBytes(data)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/absmach/devlink/codec"
)

// Payload is a reference-counted container bridging a native message
// object and its wire-byte representation. Encoding is deferred until the
// first Bytes call and memoized; when the reference count reaches zero the
// instance is cleared and returned to its pool.
//
// When a payload is checked out, its reference count is 1. Retain
// increments the count, Release decrements it. A payload must never be
// read after its count reaches zero.
type Payload struct {
	native  any
	encoder codec.Encoder

	mu      sync.Mutex
	buf     []byte
	encErr  error
	encoded atomic.Bool

	refCount atomic.Int32
	pool     *PayloadPool
}

var (
	ErrNoEncoder = errors.New("payload: no encoder bound")
	ErrNoNative  = errors.New("payload: no native object")
)

// Native returns the native object, which may be nil for byte-only
// payloads.
func (p *Payload) Native() any { return p.native }

// Bytes returns the wire-byte form, encoding on first access. Concurrent
// first-access callers observe exactly one encode invocation and receive
// the same buffer. The returned slice must not be modified.
func (p *Payload) Bytes() ([]byte, error) {
	if p.encoded.Load() {
		return p.buf, p.encErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the lock: another caller may have won the race.
	if p.encoded.Load() {
		return p.buf, p.encErr
	}
	if p.encoder == nil {
		return nil, ErrNoEncoder
	}
	p.buf, p.encErr = p.encoder.Encode(p.native)
	p.encoded.Store(true)
	return p.buf, p.encErr
}

// Decode converts the payload to the decoder's target shape. If the
// native object already satisfies the shape it is returned directly with
// no copy; otherwise conversion goes through the structured JSON form.
// When release is true the reference count is decremented exactly once,
// on every branch including failures.
func (p *Payload) Decode(dec codec.Decoder, release bool) (any, error) {
	if release {
		defer p.Release(1)
	}
	if dec.DecodesFrom(p.native) {
		return p.native, nil
	}
	data, err := p.intermediate()
	if err != nil {
		return nil, err
	}
	return dec.Decode(data)
}

// intermediate produces the structured byte form: the memoized wire bytes
// when no native object is bound, otherwise a JSON rendering of the
// native object.
func (p *Payload) intermediate() ([]byte, error) {
	if p.native == nil {
		return p.Bytes()
	}
	return json.Marshal(p.native)
}

// Retain increments the reference count by n. Must be called before
// sharing the payload with another consumer.
func (p *Payload) Retain(n int32) *Payload {
	p.refCount.Add(n)
	return p
}

// Release decrements the reference count by n and reports whether this
// was the final release. Crossing zero deallocates: the native object,
// encoder and cached buffer are cleared and the instance returns to the
// pool.
func (p *Payload) Release(n int32) bool {
	c := p.refCount.Add(-n)
	switch {
	case c == 0:
		p.deallocate()
		return true
	case c < 0:
		panic("payload: negative reference count")
	}
	return false
}

// RefCount returns the current reference count.
func (p *Payload) RefCount() int32 { return p.refCount.Load() }

// deallocate runs exactly once per checkout, at the zero-crossing.
func (p *Payload) deallocate() {
	p.native = nil
	p.encoder = nil
	p.buf = nil
	p.encErr = nil
	p.encoded.Store(false)
	if p.pool != nil {
		p.pool.put(p)
	}
}

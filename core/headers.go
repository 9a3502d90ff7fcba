// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// Well-known header keys. Headers carry per-message options; senders and
// transports must tolerate unknown keys.
const (
	// HeaderSendAndForget skips reply correlation entirely when true.
	HeaderSendAndForget = "sendAndForget"

	// HeaderTimeout overrides the sender's default reply timeout for one
	// message. Stored as a time.Duration or as milliseconds.
	HeaderTimeout = "timeout"

	// HeaderFragment marks a reply as partial: the correlation wait stays
	// open until a reply without this header arrives.
	HeaderFragment = "fragment"

	// HeaderForce requests a state check that bypasses cached device state.
	HeaderForce = "force"
)

// Headers is the per-message key/value option map.
type Headers map[string]any

// Get returns the raw value for key.
func (h Headers) Get(key string) (any, bool) {
	if h == nil {
		return nil, false
	}
	v, ok := h[key]
	return v, ok
}

// Bool returns the header as a bool, false when absent or mistyped.
func (h Headers) Bool(key string) bool {
	v, ok := h.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// String returns the header as a string.
func (h Headers) String(key string) (string, bool) {
	v, ok := h.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Duration returns the header as a duration. Accepts time.Duration values
// and integer/float millisecond counts (the wire form after JSON decoding).
func (h Headers) Duration(key string) (time.Duration, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case int:
		return time.Duration(d) * time.Millisecond, true
	case int64:
		return time.Duration(d) * time.Millisecond, true
	case float64:
		return time.Duration(d * float64(time.Millisecond)), true
	}
	return 0, false
}

// Set stores a header value, allocating the map when needed, and returns
// the possibly new map.
func (h Headers) Set(key string, value any) Headers {
	if h == nil {
		h = make(Headers, 1)
	}
	h[key] = value
	return h
}

// Clone returns a shallow snapshot copy. Envelope construction snapshots
// the child message headers so later mutation cannot leak across hops.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

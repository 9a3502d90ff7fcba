// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the pluggable wire-format boundary. The core never
// implements encoding algorithms itself; payloads call into an Encoder
// lazily and decode through a Decoder.
package codec

// Encoder turns a native message object into wire bytes.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// Decoder turns wire bytes back into a native object.
//
// DecodesFrom reports whether a native object already satisfies the
// decoder's target shape, in which case no conversion is needed.
type Decoder interface {
	DecodesFrom(native any) bool
	Decode(data []byte) (any, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(v any) ([]byte, error)

func (f EncoderFunc) Encode(v any) ([]byte, error) { return f(v) }

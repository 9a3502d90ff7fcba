// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "encoding/json"

// JSONCodec encodes and decodes map-shaped values as JSON. It is the
// canonical codec for the structured message form; protocol packages plug
// in their own codecs for binary device protocols.
type JSONCodec struct{}

var _ Encoder = JSONCodec{}
var _ Decoder = JSONCodec{}

// JSON is a shared stateless instance.
var JSON = JSONCodec{}

// Encode marshals v as JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodesFrom reports whether native is already map-shaped.
func (JSONCodec) DecodesFrom(native any) bool {
	_, ok := native.(map[string]any)
	return ok
}

// Decode unmarshals data into a map[string]any.
func (JSONCodec) Decode(data []byte) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

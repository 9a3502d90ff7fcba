// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"

	"github.com/absmach/devlink/codec"
)

func benchNative() map[string]any {
	return map[string]any{
		"deviceId":  "bench-device",
		"messageId": "bench-message",
		"timestamp": int64(1700000000000),
		"properties": map[string]any{
			"temperature": 21.5,
			"humidity":    48,
			"status":      "ok",
		},
	}
}

func BenchmarkPayloadCheckoutRelease(b *testing.B) {
	pool := NewPayloadPool(256)
	native := benchNative()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := pool.Checkout(native, codec.JSON)
		p.Release(1)
	}
}

func BenchmarkPayloadEncodeOnce(b *testing.B) {
	pool := NewPayloadPool(256)
	native := benchNative()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := pool.Checkout(native, codec.JSON)
		if _, err := p.Bytes(); err != nil {
			b.Fatalf("encode: %v", err)
		}
		p.Release(1)
	}
}

func BenchmarkPayloadSharedReaders(b *testing.B) {
	pool := NewPayloadPool(256)
	native := benchNative()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p := pool.Checkout(native, codec.JSON)
			p.Retain(3)
			for r := 0; r < 3; r++ {
				if _, err := p.Bytes(); err != nil {
					b.Fatalf("encode: %v", err)
				}
				p.Release(1)
			}
			p.Release(1)
		}
	})
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

// Interceptor observes or transforms every outbound message and its reply
// stream without owning delivery semantics.
//
// A PreSend failure short-circuits that message only. AfterSent runs
// exactly once per message, for every outcome including failures, and may
// rewrap the reply stream; it must preserve the stream's at-most-one-
// terminal-signal semantics.
type Interceptor interface {
	PreSend(ctx context.Context, device *registry.Device, msg core.Message) (core.Message, error)
	AfterSent(ctx context.Context, device *registry.Device, msg core.Message, replies <-chan Result) <-chan Result
}

type nopInterceptor struct{}

func (nopInterceptor) PreSend(_ context.Context, _ *registry.Device, msg core.Message) (core.Message, error) {
	return msg, nil
}

func (nopInterceptor) AfterSent(_ context.Context, _ *registry.Device, _ core.Message, replies <-chan Result) <-chan Result {
	return replies
}

// Nop is the identity interceptor.
var Nop Interceptor = nopInterceptor{}

type chain []Interceptor

// Chain composes interceptors in order: each stage's output feeds the
// next stage's input. Nop stages are dropped; an empty chain is Nop.
func Chain(interceptors ...Interceptor) Interceptor {
	var c chain
	for _, i := range interceptors {
		if i == nil || i == Nop {
			continue
		}
		if sub, ok := i.(chain); ok {
			c = append(c, sub...)
			continue
		}
		c = append(c, i)
	}
	switch len(c) {
	case 0:
		return Nop
	case 1:
		return c[0]
	}
	return c
}

func (c chain) PreSend(ctx context.Context, device *registry.Device, msg core.Message) (core.Message, error) {
	var err error
	for _, i := range c {
		if msg, err = i.PreSend(ctx, device, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c chain) AfterSent(ctx context.Context, device *registry.Device, msg core.Message, replies <-chan Result) <-chan Result {
	for _, i := range c {
		replies = i.AfterSent(ctx, device, msg, replies)
	}
	return replies
}

// ProtocolInterceptors resolves the protocol-specific sender interceptor
// for a protocol name. Protocol metadata registration itself lives
// outside this core.
type ProtocolInterceptors interface {
	SenderInterceptor(protocol string) Interceptor
}

// InterceptorRegistry is a map-backed ProtocolInterceptors.
type InterceptorRegistry map[string]Interceptor

var _ ProtocolInterceptors = InterceptorRegistry(nil)

// SenderInterceptor returns the interceptor registered for protocol, or
// Nop.
func (r InterceptorRegistry) SenderInterceptor(protocol string) Interceptor {
	if i, ok := r[protocol]; ok && i != nil {
		return i
	}
	return Nop
}

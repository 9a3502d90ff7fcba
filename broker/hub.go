// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/devlink/registry"
)

// Hub builds senders for registered devices, sharing one operation
// broker, registry and option set across all of them.
type Hub struct {
	registry registry.Registry
	handler  OperationBroker
	opts     []Option
}

// NewHub creates a sender factory.
func NewHub(reg registry.Registry, handler OperationBroker, opts ...Option) *Hub {
	return &Hub{registry: reg, handler: handler, opts: opts}
}

// Sender resolves the device and returns a sender bound to it. Returns
// registry.ErrDeviceNotFound for unknown devices.
func (h *Hub) Sender(ctx context.Context, deviceID string) (*Sender, error) {
	device, err := h.registry.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return NewSender(device, h.handler, h.registry, h.opts...), nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync"
)

// Device is a device's operational handle. Configuration reads go through
// a local many-reader cache over the ConfigStore; RefreshConfig drops
// cached entries so the next read hits the store.
//
// Handles are cheap; callers should not cache them across requests.
type Device struct {
	id      string
	store   ConfigStore
	checker StateChecker

	cache sync.Map // key -> string
}

func newDevice(id string, store ConfigStore, checker StateChecker) *Device {
	return &Device{id: id, store: store, checker: checker}
}

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// Config returns the configuration value for key. The second result is
// false when the key is unset.
func (d *Device) Config(ctx context.Context, key string) (string, bool, error) {
	if v, ok := d.cache.Load(key); ok {
		return v.(string), true, nil
	}
	v, ok, err := d.store.Get(ctx, d.id, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		d.cache.Store(key, v)
	}
	return v, ok, nil
}

// RefreshConfig drops the given keys (or the whole cache when none are
// given) and forces the store to bypass its own caches on the next read.
func (d *Device) RefreshConfig(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		d.cache.Range(func(k, _ any) bool {
			d.cache.Delete(k)
			return true
		})
	}
	for _, k := range keys {
		d.cache.Delete(k)
	}
	return d.store.Refresh(ctx, d.id, keys...)
}

// ConnectionServerID returns the id of the server process currently
// holding the device's connection, or empty when not connected. The value
// is not cached locally: it changes whenever the device reconnects.
func (d *Device) ConnectionServerID(ctx context.Context) (string, error) {
	v, _, err := d.store.Get(ctx, d.id, KeyConnectionServerID)
	return v, err
}

// ParentGatewayID returns the configured parent gateway id, or empty.
func (d *Device) ParentGatewayID(ctx context.Context) (string, error) {
	v, _, err := d.Config(ctx, KeyParentGatewayID)
	return v, err
}

// Protocol returns the protocol name the device speaks, or empty.
func (d *Device) Protocol(ctx context.Context) (string, error) {
	v, _, err := d.Config(ctx, KeyProtocol)
	return v, err
}

// CheckState asks the transport layer for the device's real state.
func (d *Device) CheckState(ctx context.Context) (State, error) {
	return d.checker.CheckState(ctx, d.id)
}

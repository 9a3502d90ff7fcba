// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry is the device directory: it resolves a device id to an
// operational handle exposing the device's dynamic configuration (current
// connection server, parent gateway), protocol name and live state.
package registry

import (
	"context"
	"errors"
)

// Well-known device configuration keys.
const (
	// KeyConnectionServerID is the id of the server process currently
	// holding the device's connection. Empty when the device is not
	// directly connected.
	KeyConnectionServerID = "connectionServerId"

	// KeyParentGatewayID is the id of the device's parent gateway, if any.
	KeyParentGatewayID = "parentGatewayId"

	// KeyProtocol is the protocol name the device speaks.
	KeyProtocol = "protocol"

	// KeyProductID ties the device to its product (model) definition.
	KeyProductID = "productId"

	// keyRegistered marks a device id as known to the directory.
	keyRegistered = "registered"
)

var (
	ErrDeviceNotFound = errors.New("registry: device not found")
)

// State is a device's live connection state.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// DeviceInfo is the registration metadata for a device.
type DeviceInfo struct {
	ID              string
	ProductID       string
	Protocol        string
	ParentGatewayID string
}

// Registry resolves device ids to operational handles.
type Registry interface {
	// Device returns the handle for id, or ErrDeviceNotFound.
	Device(ctx context.Context, id string) (*Device, error)

	// Register adds or updates a device and returns its handle.
	Register(ctx context.Context, info DeviceInfo) (*Device, error)

	// Unregister removes a device and its configuration.
	Unregister(ctx context.Context, id string) error
}

// ConfigStore is the persistence boundary for per-device configuration.
// Implementations must tolerate many concurrent readers.
type ConfigStore interface {
	Get(ctx context.Context, deviceID, key string) (string, bool, error)
	Set(ctx context.Context, deviceID, key, value string) error
	Delete(ctx context.Context, deviceID string, keys ...string) error

	// Refresh forces the next Get for the given keys to bypass any local
	// cache. Stores without a cache treat it as a no-op.
	Refresh(ctx context.Context, deviceID string, keys ...string) error

	Close() error
}

// StateChecker verifies a device's real connection state, typically by
// asking the transport layer. Used when a dispatch acknowledges zero
// recipients.
type StateChecker interface {
	CheckState(ctx context.Context, deviceID string) (State, error)
}

// StateCheckerFunc adapts a function to the StateChecker interface.
type StateCheckerFunc func(ctx context.Context, deviceID string) (State, error)

func (f StateCheckerFunc) CheckState(ctx context.Context, deviceID string) (State, error) {
	return f(ctx, deviceID)
}

type deviceRegistry struct {
	store   ConfigStore
	checker StateChecker
}

var _ Registry = (*deviceRegistry)(nil)

// New creates a registry over the given config store. checker may be nil,
// in which case state checks report StateUnknown.
func New(store ConfigStore, checker StateChecker) Registry {
	if checker == nil {
		checker = StateCheckerFunc(func(context.Context, string) (State, error) {
			return StateUnknown, nil
		})
	}
	return &deviceRegistry{store: store, checker: checker}
}

func (r *deviceRegistry) Device(ctx context.Context, id string) (*Device, error) {
	_, ok, err := r.store.Get(ctx, id, keyRegistered)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return newDevice(id, r.store, r.checker), nil
}

func (r *deviceRegistry) Register(ctx context.Context, info DeviceInfo) (*Device, error) {
	if info.ID == "" {
		return nil, errors.New("registry: empty device id")
	}
	if err := r.store.Set(ctx, info.ID, keyRegistered, "1"); err != nil {
		return nil, err
	}
	for key, val := range map[string]string{
		KeyProductID:       info.ProductID,
		KeyProtocol:        info.Protocol,
		KeyParentGatewayID: info.ParentGatewayID,
	} {
		if val == "" {
			continue
		}
		if err := r.store.Set(ctx, info.ID, key, val); err != nil {
			return nil, err
		}
	}
	return newDevice(info.ID, r.store, r.checker), nil
}

func (r *deviceRegistry) Unregister(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id,
		keyRegistered, KeyProductID, KeyProtocol, KeyParentGatewayID, KeyConnectionServerID)
}

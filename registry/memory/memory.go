// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory ConfigStore for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/devlink/registry"
)

// Store is a map-backed config store.
type Store struct {
	mu      sync.RWMutex
	devices map[string]map[string]string
}

var _ registry.ConfigStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{devices: make(map[string]map[string]string)}
}

func (s *Store) Get(_ context.Context, deviceID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.devices[deviceID][key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, deviceID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.devices[deviceID]
	if !ok {
		cfg = make(map[string]string)
		s.devices[deviceID] = cfg
	}
	cfg[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, deviceID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(cfg, k)
	}
	if len(cfg) == 0 {
		delete(s.devices, deviceID)
	}
	return nil
}

// Refresh is a no-op: reads always hit the map.
func (s *Store) Refresh(context.Context, string, ...string) error { return nil }

func (s *Store) Close() error { return nil }

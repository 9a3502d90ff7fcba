// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed ConfigStore for single-node
// deployments that need the device directory to survive restarts.
package badger

import (
	"context"

	"github.com/absmach/devlink/registry"
	"github.com/dgraph-io/badger/v4"
)

// Store is a BadgerDB-backed config store. Keys are laid out as
// device:{id}:{key}.
type Store struct {
	db *badger.DB
}

var _ registry.ConfigStore = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Config values are tiny and re-derivable from the platform registry,
	// so fsync on every write is not worth the cost.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func storeKey(deviceID, key string) []byte {
	return []byte("device:" + deviceID + ":" + key)
}

func (s *Store) Get(_ context.Context, deviceID, key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(deviceID, key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (s *Store) Set(_ context.Context, deviceID, key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(deviceID, key), []byte(value))
	})
}

func (s *Store) Delete(_ context.Context, deviceID string, keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(storeKey(deviceID, k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Refresh is a no-op: every Get reads through BadgerDB.
func (s *Store) Refresh(context.Context, string, ...string) error { return nil }

func (s *Store) Close() error { return s.db.Close() }

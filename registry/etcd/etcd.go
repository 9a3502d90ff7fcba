// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd provides an etcd-backed ConfigStore for clustered
// deployments. Connection servers publish which device connections they
// hold under a shared prefix; every node keeps a watch-fed local cache so
// routing reads stay in-process.
package etcd

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/absmach/devlink/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultPrefix = "/devlink/devices/"

// Store is an etcd-backed config store with a local read cache.
type Store struct {
	client *clientv3.Client
	prefix string

	mu    sync.RWMutex
	cache map[string]string // full etcd key -> value

	cancel context.CancelFunc
	done   chan struct{}
}

var _ registry.ConfigStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the etcd key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		s.prefix = prefix
	}
}

// New creates a store over an existing etcd client. The caller owns the
// client; Close stops the watch but does not close the client.
func New(client *clientv3.Client, opts ...Option) (*Store, error) {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		cache:  make(map[string]string),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Warm the cache before watching so the first routing decisions do
	// not each pay an etcd round trip.
	getCtx, getCancel := context.WithTimeout(ctx, 5*time.Second)
	resp, err := client.Get(getCtx, s.prefix, clientv3.WithPrefix())
	getCancel()
	if err != nil {
		cancel()
		return nil, err
	}
	for _, kv := range resp.Kvs {
		s.cache[string(kv.Key)] = string(kv.Value)
	}

	watchCh := client.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go s.watch(watchCh)

	return s, nil
}

func (s *Store) watch(ch clientv3.WatchChan) {
	defer close(s.done)
	for resp := range ch {
		if resp.Err() != nil {
			continue
		}
		s.mu.Lock()
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				s.cache[key] = string(ev.Kv.Value)
			case clientv3.EventTypeDelete:
				delete(s.cache, key)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Store) key(deviceID, key string) string {
	return s.prefix + deviceID + "/" + key
}

func (s *Store) Get(ctx context.Context, deviceID, key string) (string, bool, error) {
	k := s.key(deviceID, key)
	s.mu.RLock()
	v, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		return v, true, nil
	}
	return s.readThrough(ctx, k)
}

// Refresh re-reads the given keys from etcd, bypassing the watch cache.
// Used when a send finds no connection server and forces a directory
// refresh before giving up.
func (s *Store) Refresh(ctx context.Context, deviceID string, keys ...string) error {
	if len(keys) == 0 {
		keys = []string{registry.KeyConnectionServerID}
	}
	for _, key := range keys {
		if _, _, err := s.readThrough(ctx, s.key(deviceID, key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readThrough(ctx context.Context, k string) (string, bool, error) {
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(resp.Kvs) == 0 {
		delete(s.cache, k)
		return "", false, nil
	}
	v := string(resp.Kvs[0].Value)
	s.cache[k] = v
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, deviceID, key, value string) error {
	k := s.key(deviceID, key)
	if _, err := s.client.Put(ctx, k, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[k] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, deviceID string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		k := s.key(deviceID, key)
		if _, err := s.client.Delete(ctx, k); err != nil {
			return err
		}
		delete(s.cache, k)
	}
	return nil
}

// Close stops the watch. The etcd client stays open for its owner.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	return nil
}

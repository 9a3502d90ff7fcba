// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

// ErrRateLimited aborts a message rejected by the rate limiter. Only that
// message fails; siblings in a stream proceed.
var ErrRateLimited = errors.New("device send rate limit exceeded")

var _ broker.Interceptor = (*rateLimitInterceptor)(nil)

type rateLimitInterceptor struct {
	mu       sync.Mutex
	limiters map[string]*deviceLimiter
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type deviceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimit creates an interceptor limiting sends per device id.
// r is messages per second, burst the burst allowance. Idle device
// limiters are dropped after cleanupInterval.
func NewRateLimit(r float64, burst int, cleanupInterval time.Duration) broker.Interceptor {
	rl := &rateLimitInterceptor{
		limiters: make(map[string]*deviceLimiter),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimitInterceptor) PreSend(_ context.Context, device *registry.Device, msg core.Message) (core.Message, error) {
	rl.mu.Lock()
	entry, ok := rl.limiters[device.ID()]
	if !ok {
		entry = &deviceLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[device.ID()] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	if !entry.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return msg, nil
}

func (rl *rateLimitInterceptor) AfterSent(_ context.Context, _ *registry.Device, _ core.Message, replies <-chan broker.Result) <-chan broker.Result {
	return replies
}

func (rl *rateLimitInterceptor) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.cleanup)
			rl.mu.Lock()
			for id, entry := range rl.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(rl.limiters, id)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (rl *rateLimitInterceptor) Stop() {
	close(rl.stopCh)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
	"github.com/absmach/devlink/registry/memory"
)

func testDevice(t *testing.T, id string) *registry.Device {
	t.Helper()
	reg := registry.New(memory.New(), nil)
	device, err := reg.Register(context.Background(), registry.DeviceInfo{ID: id})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return device
}

func TestRateLimitPerDevice(t *testing.T) {
	rl := NewRateLimit(1, 2, time.Minute)
	defer rl.(interface{ Stop() }).Stop()

	ctx := context.Background()
	dev1 := testDevice(t, "dev-1")
	dev2 := testDevice(t, "dev-2")
	msg := &core.DeviceMessage{Device: "dev-1", ID: "m1"}

	// The burst allowance admits the first two sends.
	for i := 0; i < 2; i++ {
		if _, err := rl.PreSend(ctx, dev1, msg); err != nil {
			t.Fatalf("send %d rejected: %v", i, err)
		}
	}
	if _, err := rl.PreSend(ctx, dev1, msg); !errors.Is(err, ErrRateLimited) {
		t.Errorf("over-burst send = %v, want ErrRateLimited", err)
	}

	// Limits are per device: another device is unaffected.
	if _, err := rl.PreSend(ctx, dev2, msg); err != nil {
		t.Errorf("other device rejected: %v", err)
	}
}

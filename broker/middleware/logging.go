// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware provides interceptors that observe every send
// without owning delivery semantics: structured logging, OpenTelemetry
// metrics and per-device rate limiting.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

var _ broker.Interceptor = (*loggingInterceptor)(nil)

type loggingInterceptor struct {
	logger *slog.Logger
}

// NewLogging creates an interceptor that logs every outbound message and
// each element of its reply stream.
func NewLogging(logger *slog.Logger) broker.Interceptor {
	return &loggingInterceptor{logger: logger}
}

func (li *loggingInterceptor) PreSend(_ context.Context, device *registry.Device, msg core.Message) (core.Message, error) {
	li.logger.Debug("sending device message",
		slog.String("device_id", device.ID()),
		slog.String("message_id", msg.MessageID()),
		slog.String("kind", string(msg.Kind())))
	return msg, nil
}

func (li *loggingInterceptor) AfterSent(ctx context.Context, device *registry.Device, msg core.Message, replies <-chan broker.Result) <-chan broker.Result {
	begin := time.Now()
	out := make(chan broker.Result, 1)
	go func() {
		defer close(out)
		for r := range replies {
			if r.Err != nil {
				li.logger.Info("device message failed",
					slog.String("device_id", device.ID()),
					slog.String("message_id", msg.MessageID()),
					slog.String("duration", time.Since(begin).String()),
					slog.Any("error", r.Err))
			} else {
				li.logger.Debug("device message replied",
					slog.String("device_id", device.ID()),
					slog.String("message_id", msg.MessageID()),
					slog.String("duration", time.Since(begin).String()))
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

var _ broker.Interceptor = (*metricsInterceptor)(nil)

type metricsInterceptor struct {
	messagesSent metric.Int64Counter
	repliesTotal metric.Int64Counter
	errorsTotal  metric.Int64Counter
	sendDuration metric.Float64Histogram
	pendingSends metric.Int64UpDownCounter
}

// NewMetrics creates an interceptor recording send/reply/error counters
// and send duration using the global OpenTelemetry meter provider.
func NewMetrics() (broker.Interceptor, error) {
	meter := otel.Meter("devlink")
	mi := &metricsInterceptor{}

	var err error
	mi.messagesSent, err = meter.Int64Counter(
		"devlink.messages.sent.total",
		metric.WithDescription("Total device messages entering the send path"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	mi.repliesTotal, err = meter.Int64Counter(
		"devlink.replies.total",
		metric.WithDescription("Total device replies delivered to callers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create repliesTotal counter: %w", err)
	}

	mi.errorsTotal, err = meter.Int64Counter(
		"devlink.errors.total",
		metric.WithDescription("Total failed device messages, by error code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	mi.sendDuration, err = meter.Float64Histogram(
		"devlink.send.duration",
		metric.WithDescription("Time from dispatch to terminal reply or error"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendDuration histogram: %w", err)
	}

	mi.pendingSends, err = meter.Int64UpDownCounter(
		"devlink.sends.pending",
		metric.WithDescription("Sends awaiting a terminal reply or error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pendingSends counter: %w", err)
	}

	return mi, nil
}

func (mi *metricsInterceptor) PreSend(ctx context.Context, _ *registry.Device, msg core.Message) (core.Message, error) {
	mi.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(msg.Kind()))))
	return msg, nil
}

func (mi *metricsInterceptor) AfterSent(ctx context.Context, _ *registry.Device, msg core.Message, replies <-chan broker.Result) <-chan broker.Result {
	begin := time.Now()
	mi.pendingSends.Add(ctx, 1)
	out := make(chan broker.Result, 1)
	go func() {
		defer close(out)
		defer func() {
			mi.pendingSends.Add(ctx, -1)
			mi.sendDuration.Record(ctx, time.Since(begin).Seconds(), metric.WithAttributes(
				attribute.String("kind", string(msg.Kind()))))
		}()
		for r := range replies {
			if r.Err != nil {
				code, _ := core.CodeOf(r.Err)
				mi.errorsTotal.Add(ctx, 1, metric.WithAttributes(
					attribute.String("code", string(code))))
			} else {
				mi.repliesTotal.Add(ctx, 1)
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

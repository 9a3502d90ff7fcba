// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

const (
	// DefaultTimeout bounds a reply wait unless the message overrides it.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxForwardDepth bounds gateway forwarding recursion. The
	// direct self-reference is rejected outright; the depth limit and the
	// forwarding path catch longer configuration cycles.
	DefaultMaxForwardDepth = 8
)

// Sender delivers messages to one device: it resolves which server
// process holds the device's connection, runs the interception pipeline,
// dispatches, correlates replies, and transparently forwards through the
// device's parent gateway when there is no direct connection.
type Sender struct {
	device    *registry.Device
	handler   OperationBroker
	registry  registry.Registry
	protocols ProtocolInterceptors
	global    Interceptor
	logger    *slog.Logger

	defaultTimeout  time.Duration
	maxForwardDepth int
}

// Option configures a Sender.
type Option func(*Sender)

// WithDefaultTimeout sets the reply timeout used when a message carries
// no override header.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithMaxForwardDepth sets the gateway forwarding recursion bound.
func WithMaxForwardDepth(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.maxForwardDepth = n
		}
	}
}

// WithGlobalInterceptor sets the caller-supplied interceptor. It always
// runs after any protocol-specific interceptor.
func WithGlobalInterceptor(i Interceptor) Option {
	return func(s *Sender) {
		if i != nil {
			s.global = i
		}
	}
}

// WithProtocolInterceptors sets the protocol interceptor lookup.
func WithProtocolInterceptors(p ProtocolInterceptors) Option {
	return func(s *Sender) {
		if p != nil {
			s.protocols = p
		}
	}
}

// WithLogger sets the sender logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSender creates a sender bound to device. handler is the reply
// correlation and dispatch primitive; reg resolves parent gateways during
// forwarding.
func NewSender(device *registry.Device, handler OperationBroker, reg registry.Registry, opts ...Option) *Sender {
	s := &Sender{
		device:          device,
		handler:         handler,
		registry:        reg,
		protocols:       InterceptorRegistry(nil),
		global:          Nop,
		logger:          slog.Default(),
		defaultTimeout:  DefaultTimeout,
		maxForwardDepth: DefaultMaxForwardDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// forDevice derives a sender for another device with the same
// collaborators and options. Used for the parent hop during forwarding.
func (s *Sender) forDevice(device *registry.Device) *Sender {
	d := *s
	d.device = device
	return &d
}

// Send delivers one message and returns its lazy reply stream. The
// stream yields typed replies, or a single error terminating it.
// Cancelling ctx abandons the correlation wait.
func (s *Sender) Send(ctx context.Context, msg core.Message) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		s.sendOne(ctx, msg, 0, nil, out)
	}()
	return out
}

// SendStream delivers every message from msgs in arrival order onto one
// merged result stream. A failure in one message does not halt its
// siblings.
func (s *Sender) SendStream(ctx context.Context, msgs <-chan core.Message) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				s.sendOne(ctx, msg, 0, nil, out)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// sendOne runs the full per-message flow. depth and path carry gateway
// forwarding state across recursive hops.
func (s *Sender) sendOne(ctx context.Context, msg core.Message, depth int, path []string, out chan<- Result) {
	// Resolve routing facts concurrently: the connection server and the
	// parent gateway are independent directory reads.
	var (
		wg                   sync.WaitGroup
		serverID, parentID   string
		serverErr, parentErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		serverID, serverErr = s.resolveServer(ctx)
	}()
	go func() {
		defer wg.Done()
		parentID, parentErr = s.device.ParentGatewayID(ctx)
	}()
	wg.Wait()

	if serverErr != nil {
		emit(ctx, out, Result{Err: fmt.Errorf("resolve connection server: %w", serverErr)})
		return
	}
	if parentErr != nil {
		emit(ctx, out, Result{Err: fmt.Errorf("resolve parent gateway: %w", parentErr)})
		return
	}

	proto, err := s.device.Protocol(ctx)
	if err != nil {
		emit(ctx, out, Result{Err: fmt.Errorf("resolve protocol: %w", err)})
		return
	}
	// Protocol interceptor runs before the caller-supplied global one.
	icpt := Chain(s.protocols.SenderInterceptor(proto), s.global)

	if serverID == "" && parentID != "" {
		s.forward(ctx, icpt, msg, parentID, depth, path, out)
		return
	}
	s.direct(ctx, icpt, msg, serverID, out)
}

// resolveServer reads the connection server id; when absent it forces a
// configuration refresh and retries once.
func (s *Sender) resolveServer(ctx context.Context) (string, error) {
	serverID, err := s.device.ConnectionServerID(ctx)
	if err != nil || serverID != "" {
		return serverID, err
	}
	if err := s.device.RefreshConfig(ctx, registry.KeyConnectionServerID); err != nil {
		return "", err
	}
	return s.device.ConnectionServerID(ctx)
}

// forward routes msg through the device's parent gateway: wrap it in a
// child-device envelope, send through the parent's own sender, and unwrap
// the reply envelopes on the way back.
func (s *Sender) forward(ctx context.Context, icpt Interceptor, msg core.Message, parentID string, depth int, path []string, out chan<- Result) {
	msg, err := icpt.PreSend(ctx, s.device, msg)
	if err != nil {
		emit(ctx, out, Result{Err: err})
		return
	}

	if parentID == s.device.ID() {
		s.finish(ctx, icpt, msg, errStream(core.WrapError(core.CodeCyclicDependence,
			"device and parent gateway are the same device", nil)), out)
		return
	}
	if depth >= s.maxForwardDepth || contains(path, parentID) {
		s.finish(ctx, icpt, msg, errStream(core.WrapError(core.CodeCyclicDependence,
			fmt.Sprintf("gateway forwarding cycle via %q", parentID), nil)), out)
		return
	}

	env := core.NewChildDeviceMessage(parentID, s.device.ID(), msg)
	if err := env.Validate(); err != nil {
		emit(ctx, out, Result{Err: err})
		return
	}

	parent, err := s.registry.Device(ctx, parentID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			err = core.WrapError(core.CodeUnknownParentDevice, "unknown parent device: "+parentID, nil)
		}
		s.finish(ctx, icpt, msg, errStream(err), out)
		return
	}

	inner := make(chan Result, 1)
	go func() {
		defer close(inner)
		s.forDevice(parent).sendOne(ctx, env, depth+1, append(path, s.device.ID()), inner)
	}()
	s.finish(ctx, icpt, msg, s.unwrapStream(ctx, msg, inner), out)
}

// direct dispatches msg to the resolved connection server and correlates
// the reply unless the message is fire-and-forget.
func (s *Sender) direct(ctx context.Context, icpt Interceptor, msg core.Message, serverID string, out chan<- Result) {
	msg, err := icpt.PreSend(ctx, s.device, msg)
	if err != nil {
		emit(ctx, out, Result{Err: err})
		return
	}

	if serverID == "" {
		s.finish(ctx, icpt, msg, errStream(core.ErrClientOffline), out)
		return
	}

	forget := msg.Headers().Bool(core.HeaderSendAndForget)
	timeout := s.defaultTimeout
	if d, ok := msg.Headers().Duration(core.HeaderTimeout); ok {
		timeout = d
	}

	// The waiter must be registered before dispatch so a fast reply
	// cannot arrive before anyone is listening. The per-message context
	// abandons the wait on every early exit below.
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var raw <-chan RawReply
	if !forget {
		raw, err = s.handler.AwaitReply(mctx, msg.DeviceID(), msg.MessageID(), timeout)
		if err != nil {
			s.finish(ctx, icpt, msg, errStream(core.WrapError(core.CodeSystemError, "register reply wait", err)), out)
			return
		}
	}

	n, err := s.handler.Dispatch(ctx, serverID, msg)
	if err != nil || n <= 0 {
		// No connection acknowledged the message. Re-check the device's
		// real state once; the connection may have only just moved.
		state, serr := s.device.CheckState(ctx)
		if serr != nil || state != registry.StateOnline {
			s.finish(ctx, icpt, msg, errStream(core.ErrClientOffline), out)
			return
		}
	}
	s.logger.Debug("message dispatched",
		slog.String("device_id", s.device.ID()),
		slog.String("message_id", msg.MessageID()),
		slog.String("server_id", serverID))

	if forget {
		s.finish(ctx, icpt, msg, emptyStream(), out)
		return
	}
	s.finish(ctx, icpt, msg, s.convertStream(mctx, msg, raw), out)
}

// finish routes the outcome stream through AfterSent exactly once and
// copies it to the caller.
func (s *Sender) finish(ctx context.Context, icpt Interceptor, msg core.Message, replies <-chan Result, out chan<- Result) {
	for r := range icpt.AfterSent(ctx, s.device, msg, replies) {
		if !emit(ctx, out, r) {
			return
		}
	}
}

// convertStream converts raw correlation replies into typed results.
func (s *Sender) convertStream(ctx context.Context, sent core.Message, raw <-chan RawReply) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		for {
			select {
			case r, ok := <-raw:
				if !ok {
					s.logger.Debug("reply stream complete",
						slog.String("device_id", s.device.ID()),
						slog.String("message_id", sent.MessageID()))
					return
				}
				res := s.convertRaw(sent, r)
				if res.Reply != nil {
					s.logger.Debug("received device reply",
						slog.String("device_id", s.device.ID()),
						slog.String("message_id", res.Reply.MessageID()))
				}
				if !emit(ctx, out, res) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// unwrapStream unwraps child-device reply envelopes produced by a gateway
// hop back into the original reply type.
func (s *Sender) unwrapStream(ctx context.Context, sent core.Message, in <-chan Result) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		for r := range in {
			if r.Err == nil && r.Reply != nil {
				r = unwrapChildReply(sent, r.Reply)
			}
			if !emit(ctx, out, r) {
				return
			}
		}
	}()
	return out
}

func emit(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func errStream(err error) <-chan Result {
	ch := make(chan Result, 1)
	ch <- Result{Err: err}
	close(ch)
	return ch
}

func emptyStream() <-chan Result {
	ch := make(chan Result)
	close(ch)
	return ch
}

func contains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

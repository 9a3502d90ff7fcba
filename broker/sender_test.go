// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
	"github.com/absmach/devlink/registry/memory"
)

type dispatchRecord struct {
	serverID string
	msg      core.Message
}

// fakeBroker is a controllable OperationBroker: tests decide the dispatch
// outcome and inject raw replies by correlation key.
type fakeBroker struct {
	mu          sync.Mutex
	waits       map[string]chan RawReply
	dispatches  []dispatchRecord
	dispatchN   int
	dispatchErr error
	onDispatch  func(serverID string, msg core.Message)
	awaitCount  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{waits: make(map[string]chan RawReply), dispatchN: 1}
}

func (b *fakeBroker) AwaitReply(_ context.Context, deviceID, messageID string, timeout time.Duration) (<-chan RawReply, error) {
	key := deviceID + "|" + messageID
	ch := make(chan RawReply, 16)
	b.mu.Lock()
	b.waits[key] = ch
	b.awaitCount++
	b.mu.Unlock()

	time.AfterFunc(timeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if w, ok := b.waits[key]; ok && w == ch {
			ch <- RawReply{Kind: RawError, Err: core.ErrTimeout}
			close(ch)
			delete(b.waits, key)
		}
	})
	return ch, nil
}

func (b *fakeBroker) Dispatch(_ context.Context, serverID string, msg core.Message) (int, error) {
	b.mu.Lock()
	b.dispatches = append(b.dispatches, dispatchRecord{serverID: serverID, msg: msg})
	n, err, cb := b.dispatchN, b.dispatchErr, b.onDispatch
	b.mu.Unlock()
	if cb != nil {
		cb(serverID, msg)
	}
	return n, err
}

// reply injects a raw reply for the correlation key. terminal closes the
// waiter stream.
func (b *fakeBroker) reply(deviceID, messageID string, raw RawReply, terminal bool) {
	key := deviceID + "|" + messageID
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waits[key]
	if !ok {
		return
	}
	ch <- raw
	if terminal {
		close(ch)
		delete(b.waits, key)
	}
}

func (b *fakeBroker) lastDispatch(t *testing.T) dispatchRecord {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dispatches) == 0 {
		t.Fatal("nothing was dispatched")
	}
	return b.dispatches[len(b.dispatches)-1]
}

func (b *fakeBroker) dispatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dispatches)
}

// testEnv wires a memory-backed registry and a fake broker.
type testEnv struct {
	store  *memory.Store
	reg    registry.Registry
	broker *fakeBroker

	mu    sync.Mutex
	state registry.State
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:  memory.New(),
		broker: newFakeBroker(),
		state:  registry.StateOffline,
	}
	env.reg = registry.New(env.store, registry.StateCheckerFunc(
		func(context.Context, string) (registry.State, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.state, nil
		}))
	return env
}

func (env *testEnv) setState(s registry.State) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.state = s
}

func (env *testEnv) addDevice(t *testing.T, id, serverID, parentID string) *registry.Device {
	t.Helper()
	ctx := context.Background()
	device, err := env.reg.Register(ctx, registry.DeviceInfo{
		ID:              id,
		Protocol:        "test-proto",
		ParentGatewayID: parentID,
	})
	if err != nil {
		t.Fatalf("Register %s failed: %v", id, err)
	}
	if serverID != "" {
		if err := env.store.Set(ctx, id, registry.KeyConnectionServerID, serverID); err != nil {
			t.Fatalf("Set server id failed: %v", err)
		}
	}
	return device
}

func (env *testEnv) sender(t *testing.T, device *registry.Device, opts ...Option) *Sender {
	t.Helper()
	return NewSender(device, env.broker, env.reg, opts...)
}

func collect(t *testing.T, ch <-chan Result) []Result {
	t.Helper()
	var out []Result
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-deadline:
			t.Fatal("reply stream never completed")
		}
	}
}

func one(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	results := collect(t, ch)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	return results[0]
}

func wantCode(t *testing.T, err error, code core.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	got, ok := core.CodeOf(err)
	if !ok || got != code {
		t.Fatalf("error code = (%s, %v), want %s (err: %v)", got, ok, code, err)
	}
}

func TestSendDirectSuccess(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawTyped,
			Reply: &core.FunctionInvokeReply{
				DeviceReply: core.DeviceReply{Device: "dev-1", ID: msg.MessageID(), OK: true},
				Output:      "rebooting",
			},
		}, true)
	}

	s := env.sender(t, device)
	res := one(t, s.InvokeFunction("reboot").Arg("delay", 5).Send(context.Background()))
	if res.Err != nil {
		t.Fatalf("send failed: %v", res.Err)
	}
	fr, ok := res.Reply.(*core.FunctionInvokeReply)
	if !ok || fr.Output != "rebooting" {
		t.Errorf("reply = %+v", res.Reply)
	}

	d := env.broker.lastDispatch(t)
	if d.serverID != "node-a" {
		t.Errorf("dispatched to %s, want node-a", d.serverID)
	}
	fi, ok := d.msg.(*core.FunctionInvokeMessage)
	if !ok || fi.Function != "reboot" || fi.Args["delay"] != 5 {
		t.Errorf("dispatched message = %+v", d.msg)
	}
	if fi.MessageID() == "" || fi.Timestamp().IsZero() {
		t.Error("builder did not stamp id and timestamp")
	}
}

func TestSendOffline(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "", "")

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeClientOffline)
	if env.broker.dispatchCount() != 0 {
		t.Error("offline device was dispatched to")
	}
}

func TestSendFireAndForget(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")

	results := collect(t, env.sender(t, device).
		InvokeFunction("beep").SendAndForget().Send(context.Background()))
	if len(results) != 0 {
		t.Errorf("fire-and-forget produced %d results, want 0", len(results))
	}
	if env.broker.dispatchCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", env.broker.dispatchCount())
	}
	env.broker.mu.Lock()
	awaits := env.broker.awaitCount
	env.broker.mu.Unlock()
	if awaits != 0 {
		t.Errorf("fire-and-forget registered %d reply waiters", awaits)
	}
}

func TestSendTimeout(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")

	res := one(t, env.sender(t, device).
		InvokeFunction("slow").Timeout(30*time.Millisecond).Send(context.Background()))
	wantCode(t, res.Err, core.CodeTimeout)
	if !errors.Is(res.Err, core.ErrTimeout) {
		t.Errorf("timeout error does not match sentinel: %v", res.Err)
	}
}

func TestSendZeroDeliveredStateRecheck(t *testing.T) {
	// Zero acknowledged connections but the device still reports online:
	// the reply wait continues.
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.setState(registry.StateOnline)
	env.broker.dispatchN = 0
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind:  RawTyped,
			Reply: &core.DeviceReply{Device: "dev-1", ID: msg.MessageID(), OK: true},
		}, true)
	}

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	if res.Err != nil {
		t.Fatalf("online device failed after zero-count dispatch: %v", res.Err)
	}

	// Same zero count with the device actually offline fails fast.
	env.setState(registry.StateOffline)
	env.broker.onDispatch = nil
	res = one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeClientOffline)
}

func TestSendDispatchError(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.dispatchErr = errors.New("bridge unavailable")

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeClientOffline)
}

func TestForwardThroughGateway(t *testing.T) {
	env := newTestEnv()
	env.addDevice(t, "gw-1", "node-a", "")
	child := env.addDevice(t, "child-1", "", "gw-1")

	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawTyped,
			Reply: &core.ChildDeviceReply{
				DeviceReply:   core.DeviceReply{Device: "gw-1", ID: msg.MessageID(), OK: true},
				ChildDeviceID: "child-1",
				Child: &core.FunctionInvokeReply{
					DeviceReply: core.DeviceReply{Device: "child-1", ID: msg.MessageID(), OK: true},
					Output:      42,
				},
			},
		}, true)
	}

	res := one(t, env.sender(t, child).InvokeFunction("measure").Send(context.Background()))
	if res.Err != nil {
		t.Fatalf("forwarded send failed: %v", res.Err)
	}
	fr, ok := res.Reply.(*core.FunctionInvokeReply)
	if !ok || fr.Output != 42 {
		t.Fatalf("envelope not unwrapped: %+v", res.Reply)
	}

	// The gateway received a child envelope carrying the original message.
	d := env.broker.lastDispatch(t)
	if d.serverID != "node-a" {
		t.Errorf("dispatched to %s, want the gateway's server", d.serverID)
	}
	envMsg, ok := d.msg.(*core.ChildDeviceMessage)
	if !ok {
		t.Fatalf("gateway received %T, want child envelope", d.msg)
	}
	if envMsg.DeviceID() != "gw-1" || envMsg.ChildDeviceID != "child-1" {
		t.Errorf("envelope routing = %s/%s", envMsg.DeviceID(), envMsg.ChildDeviceID)
	}
	if _, ok := envMsg.Inner.(*core.FunctionInvokeMessage); !ok {
		t.Errorf("inner message = %T", envMsg.Inner)
	}
}

func TestForwardSelfCycle(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "gw-1", "", "gw-1")

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeCyclicDependence)
}

func TestForwardDeepCycle(t *testing.T) {
	env := newTestEnv()
	a := env.addDevice(t, "dev-a", "", "dev-b")
	env.addDevice(t, "dev-b", "", "dev-a")

	res := one(t, env.sender(t, a).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeCyclicDependence)
	if env.broker.dispatchCount() != 0 {
		t.Error("cyclic forward reached dispatch")
	}
}

func TestForwardUnknownParent(t *testing.T) {
	env := newTestEnv()
	// The parent id is configured but that gateway was never registered.
	device := env.addDevice(t, "child-1", "", "ghost-gw")

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeUnknownParentDevice)
}

// recordingInterceptor logs pipeline events and optionally rewrites the
// message or fails PreSend.
type recordingInterceptor struct {
	name       string
	events     *[]string
	mu         *sync.Mutex
	preSendErr error
	mutate     func(core.Message)
}

func (i *recordingInterceptor) PreSend(_ context.Context, _ *registry.Device, msg core.Message) (core.Message, error) {
	i.mu.Lock()
	*i.events = append(*i.events, i.name+":pre")
	i.mu.Unlock()
	if i.preSendErr != nil {
		return nil, i.preSendErr
	}
	if i.mutate != nil {
		i.mutate(msg)
	}
	return msg, nil
}

func (i *recordingInterceptor) AfterSent(_ context.Context, _ *registry.Device, _ core.Message, replies <-chan Result) <-chan Result {
	i.mu.Lock()
	*i.events = append(*i.events, i.name+":after")
	i.mu.Unlock()
	return replies
}

func TestInterceptorPipeline(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")

	var mu sync.Mutex
	var events []string
	proto := &recordingInterceptor{name: "proto", events: &events, mu: &mu}
	global := &recordingInterceptor{name: "global", events: &events, mu: &mu,
		mutate: func(msg core.Message) {
			if m, ok := msg.(*core.FunctionInvokeMessage); ok {
				m.SetHeader("traced", true)
			}
		}}

	s := env.sender(t, device,
		WithProtocolInterceptors(InterceptorRegistry{"test-proto": proto}),
		WithGlobalInterceptor(global))

	results := collect(t, s.InvokeFunction("x").SendAndForget().Send(context.Background()))
	if len(results) != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}

	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()
	want := []string{"proto:pre", "global:pre", "proto:after", "global:after"}
	if len(got) != len(want) {
		t.Fatalf("pipeline events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pipeline events = %v, want %v", got, want)
		}
	}

	// The dispatched message carries the global interceptor's mutation.
	if !env.broker.lastDispatch(t).msg.Headers().Bool("traced") {
		t.Error("interceptor mutation lost before dispatch")
	}
}

func TestInterceptorPreSendFailure(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")

	var mu sync.Mutex
	var events []string
	blocked := errors.New("message rejected")
	s := env.sender(t, device, WithGlobalInterceptor(
		&recordingInterceptor{name: "g", events: &events, mu: &mu, preSendErr: blocked}))

	res := one(t, s.ReadProperty("temp").Send(context.Background()))
	if !errors.Is(res.Err, blocked) {
		t.Fatalf("error = %v, want the PreSend failure", res.Err)
	}
	if env.broker.dispatchCount() != 0 {
		t.Error("rejected message was dispatched")
	}
}

func TestInterceptorObservesFailures(t *testing.T) {
	// AfterSent wraps the outcome stream even when the send fails before
	// dispatch.
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "", "")

	var mu sync.Mutex
	var events []string
	s := env.sender(t, device, WithGlobalInterceptor(
		&recordingInterceptor{name: "g", events: &events, mu: &mu}))

	res := one(t, s.ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeClientOffline)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[1] != "g:after" {
		t.Errorf("pipeline events = %v, want pre then after", events)
	}
}

func TestSendStream(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind:  RawTyped,
			Reply: &core.DeviceReply{Device: "dev-1", ID: msg.MessageID(), OK: true},
		}, true)
	}

	msgs := make(chan core.Message, 2)
	msgs <- &core.DeviceMessage{Device: "dev-1", ID: "m1", Time: time.Now()}
	msgs <- &core.DeviceMessage{Device: "dev-1", ID: "m2", Time: time.Now()}
	close(msgs)

	results := collect(t, env.sender(t, device).SendStream(context.Background(), msgs))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Reply.MessageID() != "m1" || results[1].Reply.MessageID() != "m2" {
		t.Errorf("results out of order: %s, %s",
			results[0].Reply.MessageID(), results[1].Reply.MessageID())
	}
}

func TestConvertRawFields(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawFields,
			Fields: map[string]any{
				"messageType": "READ_PROPERTY_REPLY",
				"deviceId":    "dev-1",
				"messageId":   msg.MessageID(),
				"timestamp":   float64(time.Now().UnixMilli()),
				"success":     true,
				"properties":  map[string]any{"temp": 21.5},
			},
		}, true)
	}

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	if res.Err != nil {
		t.Fatalf("send failed: %v", res.Err)
	}
	rp, ok := res.Reply.(*core.ReadPropertyReply)
	if !ok || rp.Properties["temp"] != 21.5 {
		t.Errorf("structured reply lost: %+v", res.Reply)
	}
}

func TestConvertMalformedFields(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind:   RawFields,
			Fields: map[string]any{"messageType": "BOGUS"},
		}, true)
	}

	res := one(t, env.sender(t, device).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeSystemError)
}

func TestReplyErrorCodeSurfaces(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		reply := &core.FunctionInvokeReply{}
		reply.Device, reply.ID = "dev-1", msg.MessageID()
		reply.Fail(core.CodeFunctionUndefined, "no such function")
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{Kind: RawTyped, Reply: reply}, true)
	}

	res := one(t, env.sender(t, device).InvokeFunction("nope").Send(context.Background()))
	wantCode(t, res.Err, core.CodeFunctionUndefined)
}

func TestEnvelopeWithoutNestedReply(t *testing.T) {
	env := newTestEnv()
	env.addDevice(t, "gw-1", "node-a", "")
	child := env.addDevice(t, "child-1", "", "gw-1")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawTyped,
			Reply: &core.ChildDeviceReply{
				DeviceReply:   core.DeviceReply{Device: "gw-1", ID: msg.MessageID(), OK: true},
				ChildDeviceID: "child-1",
			},
		}, true)
	}

	res := one(t, env.sender(t, child).ReadProperty("temp").Send(context.Background()))
	wantCode(t, res.Err, core.CodeNoReply)
}

func TestFragmentedReplies(t *testing.T) {
	env := newTestEnv()
	device := env.addDevice(t, "dev-1", "node-a", "")
	env.broker.onDispatch = func(_ string, msg core.Message) {
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawTyped,
			Reply: &core.ReadPropertyReply{
				DeviceReply: core.DeviceReply{
					Device: "dev-1", ID: msg.MessageID(), OK: true,
					Header: core.Headers{core.HeaderFragment: true},
				},
				Properties: map[string]any{"temp": 20.0},
			},
		}, false)
		env.broker.reply(msg.DeviceID(), msg.MessageID(), RawReply{
			Kind: RawTyped,
			Reply: &core.ReadPropertyReply{
				DeviceReply: core.DeviceReply{Device: "dev-1", ID: msg.MessageID(), OK: true},
				Properties:  map[string]any{"humidity": 40.0},
			},
		}, true)
	}

	results := collect(t, env.sender(t, device).ReadProperty("temp", "humidity").Send(context.Background()))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 fragments", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("fragment failed: %v", r.Err)
		}
	}
}

func TestHubSender(t *testing.T) {
	env := newTestEnv()
	env.addDevice(t, "dev-1", "node-a", "")
	hub := NewHub(env.reg, env.broker)

	if _, err := hub.Sender(context.Background(), "ghost"); !errors.Is(err, registry.ErrDeviceNotFound) {
		t.Errorf("unknown device = %v, want ErrDeviceNotFound", err)
	}

	s, err := hub.Sender(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	results := collect(t, s.InvokeFunction("beep").SendAndForget().Send(context.Background()))
	if len(results) != 0 {
		t.Errorf("unexpected results: %+v", results)
	}
	if env.broker.lastDispatch(t).serverID != "node-a" {
		t.Error("hub sender did not route to the device's server")
	}
}

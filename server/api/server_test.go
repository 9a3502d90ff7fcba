// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
	"github.com/absmach/devlink/registry/memory"
)

// echoBroker answers every dispatched message with a success reply.
type echoBroker struct {
	mu    sync.Mutex
	waits map[string]chan broker.RawReply
}

func newEchoBroker() *echoBroker {
	return &echoBroker{waits: make(map[string]chan broker.RawReply)}
}

func (b *echoBroker) AwaitReply(_ context.Context, deviceID, messageID string, _ time.Duration) (<-chan broker.RawReply, error) {
	ch := make(chan broker.RawReply, 1)
	b.mu.Lock()
	b.waits[deviceID+"|"+messageID] = ch
	b.mu.Unlock()
	return ch, nil
}

func (b *echoBroker) Dispatch(_ context.Context, _ string, msg core.Message) (int, error) {
	b.mu.Lock()
	ch, ok := b.waits[msg.DeviceID()+"|"+msg.MessageID()]
	b.mu.Unlock()
	if ok {
		ch <- broker.RawReply{
			Kind: broker.RawTyped,
			Reply: &core.FunctionInvokeReply{
				DeviceReply: core.DeviceReply{Device: msg.DeviceID(), ID: msg.MessageID(), OK: true},
				Output:      "ok",
			},
		}
		close(ch)
	}
	return 1, nil
}

func newTestAPI(t *testing.T) (*Server, registry.Registry) {
	t.Helper()
	store := memory.New()
	reg := registry.New(store, nil)
	hub := broker.NewHub(reg, newEchoBroker())
	srv := New(Config{Address: ":0", ShutdownTimeout: time.Second}, hub, reg, slog.Default())

	if _, err := reg.Register(context.Background(), registry.DeviceInfo{ID: "dev-1", Protocol: "test"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := store.Set(context.Background(), "dev-1", registry.KeyConnectionServerID, "node-a"); err != nil {
		t.Fatal(err)
	}
	return srv, reg
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestRegisterAndUnregister(t *testing.T) {
	srv, reg := newTestAPI(t)

	w := do(t, srv, http.MethodPost, "/devices", `{"id":"dev-2","protocol":"mqtt","parentGatewayId":"dev-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	device, err := reg.Device(context.Background(), "dev-2")
	if err != nil {
		t.Fatalf("registered device not found: %v", err)
	}
	if parent, _ := device.ParentGatewayID(context.Background()); parent != "dev-1" {
		t.Errorf("parent gateway = %q", parent)
	}

	w = do(t, srv, http.MethodDelete, "/devices/dev-2", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("unregister status = %d", w.Code)
	}
	if _, err := reg.Device(context.Background(), "dev-2"); err == nil {
		t.Error("device still registered after delete")
	}
}

func TestDeviceState(t *testing.T) {
	srv, _ := newTestAPI(t)

	w := do(t, srv, http.MethodGet, "/devices/dev-1/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["state"] != "unknown" {
		t.Errorf("state = %s, want unknown without a checker", resp["state"])
	}

	w = do(t, srv, http.MethodGet, "/devices/ghost/state", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	srv, _ := newTestAPI(t)

	body := `{"messageType":"INVOKE_FUNCTION","messageId":"m-1","function":"reboot"}`
	w := do(t, srv, http.MethodPost, "/devices/dev-1/messages", body)
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Replies []map[string]any `json:"replies"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(resp.Replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(resp.Replies))
	}
	reply := resp.Replies[0]
	if reply["success"] != true || reply["output"] != "ok" {
		t.Errorf("reply = %v", reply)
	}

	w = do(t, srv, http.MethodPost, "/devices/ghost/messages", body)
	if w.Code != http.StatusNotFound {
		t.Errorf("send to unknown device = %d, want 404", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/devices/dev-1/messages", `{"messageType":"BOGUS"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed message = %d, want 400", w.Code)
	}
}

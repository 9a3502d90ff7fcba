// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
)

// Topic layout of the bridge. Each node owns its server topics; replies
// fan out and are claimed by whichever node holds the waiter.
const (
	topicPrefix      = "devlink"
	msgTopicSuffix   = "/msg"
	ackTopicSuffix   = "/ack"
	replyTopicFilter = topicPrefix + "/reply/+/+"
)

// MQTTConfig holds bridge configuration.
type MQTTConfig struct {
	// BrokerURL is the MQTT broker address, e.g. "tcp://localhost:1883".
	BrokerURL string
	// ServerID is this node's connection-server id.
	ServerID string
	// ClientID overrides the MQTT client id; defaults to "devlink-" +
	// ServerID.
	ClientID string
	// QoS for all bridge traffic. Defaults to 1.
	QoS byte
	// AckTimeout bounds the wait for a dispatch acknowledgement; past it
	// the dispatch counts as having reached zero connections. Defaults
	// to 2s.
	AckTimeout time.Duration
	// MaxWaiters bounds the pending reply table.
	MaxWaiters int
}

// wireMessage is the JSON envelope for dispatched messages.
type wireMessage struct {
	Token  string         `json:"token,omitempty"`
	From   string         `json:"from,omitempty"`
	Fields map[string]any `json:"fields"`
}

// wireAck acknowledges a dispatch with the delivered-connection count.
type wireAck struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

// MQTTBroker is an OperationBroker bridging nodes over an external MQTT
// broker. Dispatches to a remote server publish to that server's message
// topic and await a count acknowledgement; replies are published to a
// per-correlation-key topic and claimed by the waiting node. A circuit
// breaker per target server sheds load from unreachable peers.
type MQTTBroker struct {
	client  mqtt.Client
	cfg     MQTTConfig
	pending *pendingStore
	logger  *slog.Logger

	mu       sync.Mutex
	handler  ConnectionHandler
	acks     map[string]chan int
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ broker.OperationBroker = (*MQTTBroker)(nil)

// NewMQTT connects the bridge and subscribes this node's server topics.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTBroker, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt bridge: empty broker url")
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("mqtt bridge: empty server id")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "devlink-" + cfg.ServerID
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = defaultMaxWaiters
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &MQTTBroker{
		cfg:      cfg,
		pending:  newPendingStore(cfg.MaxWaiters),
		logger:   logger,
		acks:     make(map[string]chan int),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt bridge: connect: %w", token.Error())
	}

	subs := map[string]mqtt.MessageHandler{
		serverTopic(cfg.ServerID, msgTopicSuffix): b.onMessage,
		serverTopic(cfg.ServerID, ackTopicSuffix): b.onAck,
		replyTopicFilter:                          b.onReply,
	}
	for filter, handler := range subs {
		if token := b.client.Subscribe(filter, cfg.QoS, handler); token.Wait() && token.Error() != nil {
			b.client.Disconnect(250)
			return nil, fmt.Errorf("mqtt bridge: subscribe %s: %w", filter, token.Error())
		}
	}
	return b, nil
}

func serverTopic(serverID, suffix string) string {
	return topicPrefix + "/srv/" + serverID + suffix
}

func replyTopic(deviceID, messageID string) string {
	return topicPrefix + "/reply/" + deviceID + "/" + messageID
}

// SetHandler installs the local connection handler for this node's
// server id.
func (b *MQTTBroker) SetHandler(h ConnectionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// AwaitReply registers a reply waiter. See broker.OperationBroker.
func (b *MQTTBroker) AwaitReply(ctx context.Context, deviceID, messageID string, timeout time.Duration) (<-chan broker.RawReply, error) {
	return b.pending.register(ctx, deviceID, messageID, timeout)
}

// Dispatch delivers locally when serverID is this node, otherwise
// publishes to the owning node and awaits its count acknowledgement. A
// missing acknowledgement counts as zero connections.
func (b *MQTTBroker) Dispatch(ctx context.Context, serverID string, msg core.Message) (int, error) {
	if serverID == b.cfg.ServerID {
		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h == nil {
			return 0, nil
		}
		return h(ctx, msg), nil
	}

	result, err := b.breaker(serverID).Execute(func() (any, error) {
		return b.remoteDispatch(ctx, serverID, msg)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (b *MQTTBroker) remoteDispatch(ctx context.Context, serverID string, msg core.Message) (int, error) {
	token := uuid.NewString()
	data, err := json.Marshal(wireMessage{
		Token:  token,
		From:   b.cfg.ServerID,
		Fields: core.MessageToFields(msg),
	})
	if err != nil {
		return 0, fmt.Errorf("encode dispatch: %w", err)
	}

	ackCh := make(chan int, 1)
	b.mu.Lock()
	b.acks[token] = ackCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.acks, token)
		b.mu.Unlock()
	}()

	pub := b.client.Publish(serverTopic(serverID, msgTopicSuffix), b.cfg.QoS, false, data)
	if pub.Wait() && pub.Error() != nil {
		return 0, fmt.Errorf("publish dispatch: %w", pub.Error())
	}

	select {
	case n := <-ackCh:
		return n, nil
	case <-time.After(b.cfg.AckTimeout):
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PublishReply publishes a device reply onto the bridge so the node
// holding the waiter can claim it.
func (b *MQTTBroker) PublishReply(reply core.Reply) error {
	data, err := json.Marshal(wireMessage{Fields: core.MessageToFields(reply)})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	pub := b.client.Publish(replyTopic(reply.DeviceID(), reply.MessageID()), b.cfg.QoS, false, data)
	if pub.Wait() && pub.Error() != nil {
		return fmt.Errorf("publish reply: %w", pub.Error())
	}
	return nil
}

// onMessage handles a dispatch addressed to this node: deliver to the
// local handler, then acknowledge the delivered-connection count.
func (b *MQTTBroker) onMessage(_ mqtt.Client, m mqtt.Message) {
	var wire wireMessage
	if err := json.Unmarshal(m.Payload(), &wire); err != nil {
		b.logger.Warn("mqtt bridge: malformed dispatch", slog.Any("error", err))
		return
	}
	msg, err := core.MessageFromFields(wire.Fields)
	if err != nil {
		b.logger.Warn("mqtt bridge: unconvertible dispatch", slog.Any("error", err))
		return
	}

	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()

	count := 0
	if h != nil {
		count = h(context.Background(), msg)
	}
	if wire.From == "" || wire.Token == "" {
		return
	}
	ack, err := json.Marshal(wireAck{Token: wire.Token, Count: count})
	if err != nil {
		return
	}
	b.client.Publish(serverTopic(wire.From, ackTopicSuffix), b.cfg.QoS, false, ack)
}

// onAck resolves a pending dispatch acknowledgement wait.
func (b *MQTTBroker) onAck(_ mqtt.Client, m mqtt.Message) {
	var ack wireAck
	if err := json.Unmarshal(m.Payload(), &ack); err != nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.acks[ack.Token]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- ack.Count:
		default:
		}
	}
}

// onReply claims a published reply for a locally registered waiter.
// Replies without a local waiter belong to another node and are dropped.
func (b *MQTTBroker) onReply(_ mqtt.Client, m mqtt.Message) {
	parts := strings.Split(m.Topic(), "/")
	if len(parts) != 4 {
		return
	}
	deviceID, messageID := parts[2], parts[3]

	var wire wireMessage
	if err := json.Unmarshal(m.Payload(), &wire); err != nil {
		b.logger.Warn("mqtt bridge: malformed reply", slog.Any("error", err))
		return
	}
	terminal := true
	if h, ok := wire.Fields["headers"].(map[string]any); ok {
		if frag, ok := h[core.HeaderFragment].(bool); ok && frag {
			terminal = false
		}
	}
	b.pending.deliver(deviceID, messageID,
		broker.RawReply{Kind: broker.RawFields, Fields: wire.Fields}, terminal)
}

// breaker returns the circuit breaker for a target server, creating it
// on first use.
func (b *MQTTBroker) breaker(serverID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[serverID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        serverID,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				b.logger.Warn("dispatch circuit breaker state changed",
					slog.String("server_id", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
		b.breakers[serverID] = cb
	}
	return cb
}

// PendingWaiters reports the number of registered reply waiters.
func (b *MQTTBroker) PendingWaiters() int {
	return b.pending.count()
}

// Close disconnects the bridge.
func (b *MQTTBroker) Close() {
	b.client.Unsubscribe(
		serverTopic(b.cfg.ServerID, msgTopicSuffix),
		serverTopic(b.cfg.ServerID, ackTopicSuffix),
		replyTopicFilter,
	)
	b.client.Disconnect(250)
}

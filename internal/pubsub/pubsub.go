// Package pubsub wraps the local MQTT broker connection into the narrow
// publish/subscribe surface the shadow manager needs: publish a payload to
// a topic, and subscribe/unsubscribe a handler to a topic filter exactly
// once per filter.
package pubsub

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/edgegatekit/shadowmgr/internal/logger"
)

// Handler processes one inbound message on a matched topic filter.
type Handler func(topic string, payload []byte)

// Config configures the local broker connection.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	AutoReconnect  bool
}

// Wrapper is the local pub/sub client. It deduplicates subscriptions by
// filter so that register/unregister is idempotent the way the websocket
// hub's client map is.
type Wrapper struct {
	mu     sync.RWMutex
	client mqtt.Client
	qos    byte

	// subs tracks one Handler per topic filter currently subscribed, so a
	// second Subscribe call for the same filter is a harmless no-op
	// reference swap instead of a second broker-level SUBSCRIBE.
	subs map[string]Handler

	// onConnect/onConnectionLost are set by the orchestrator (via
	// OnConnect/OnConnectionLost) to drive the sync plane's start/stop
	// cycle off this connection's actual state.
	onConnect        func()
	onConnectionLost func(error)
}

// OnConnect registers a callback invoked every time the broker connection
// is established or reestablished, after subscriptions have been
// reinstated. Replaces any previously registered callback.
func (w *Wrapper) OnConnect(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConnect = f
}

// OnConnectionLost registers a callback invoked when the broker
// connection drops. Replaces any previously registered callback.
func (w *Wrapper) OnConnectionLost(f func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConnectionLost = f
}

// IsConnected reports the current broker connection state.
func (w *Wrapper) IsConnected() bool {
	return w.client != nil && w.client.IsConnected()
}

// Connect dials the local broker and returns a ready Wrapper.
func Connect(cfg Config) (*Wrapper, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("shadowmgr_%d", time.Now().Unix())
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	w := &Wrapper{qos: cfg.QoS, subs: make(map[string]Handler)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Get().Info("broker connected", zap.String("broker", cfg.Broker))
		w.resubscribeAll()
		w.mu.RLock()
		cb := w.onConnect
		w.mu.RUnlock()
		if cb != nil {
			cb()
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Get().Warn("broker connection lost", zap.Error(err))
		w.mu.RLock()
		cb := w.onConnectionLost
		w.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	})

	w.client = mqtt.NewClient(opts)
	token := w.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to local broker: %w", token.Error())
	}
	return w, nil
}

// NewWrapperWithClient builds a Wrapper around an already-constructed MQTT
// client, bypassing Connect's dial step. Exported for the pubsubtest
// package and any other package that needs a Wrapper driven by a fake
// client instead of a live broker.
func NewWrapperWithClient(client mqtt.Client, qos byte) *Wrapper {
	return &Wrapper{client: client, qos: qos, subs: make(map[string]Handler)}
}

// Publish sends payload to topic at the configured QoS, non-retained.
func (w *Wrapper) Publish(topic string, payload []byte) error {
	token := w.client.Publish(topic, w.qos, false, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for filter. Calling Subscribe again on an
// already-subscribed filter replaces the handler without re-issuing a
// broker-level SUBSCRIBE.
func (w *Wrapper) Subscribe(filter string, handler Handler) error {
	w.mu.Lock()
	_, already := w.subs[filter]
	w.subs[filter] = handler
	w.mu.Unlock()

	if already {
		return nil
	}

	token := w.client.Subscribe(filter, w.qos, func(c mqtt.Client, m mqtt.Message) {
		w.mu.RLock()
		h := w.subs[filter]
		w.mu.RUnlock()
		if h != nil {
			h(m.Topic(), m.Payload())
		}
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes filter's handler and issues a broker-level
// UNSUBSCRIBE.
func (w *Wrapper) Unsubscribe(filter string) error {
	w.mu.Lock()
	_, existed := w.subs[filter]
	delete(w.subs, filter)
	w.mu.Unlock()

	if !existed {
		return nil
	}
	token := w.client.Unsubscribe(filter)
	token.Wait()
	return token.Error()
}

// resubscribeAll reinstates every tracked filter after a reconnect, since
// paho does not remember subscriptions across a fresh TCP session unless
// CleanSession is false.
func (w *Wrapper) resubscribeAll() {
	w.mu.RLock()
	filters := make([]string, 0, len(w.subs))
	for f := range w.subs {
		filters = append(filters, f)
	}
	w.mu.RUnlock()

	for _, f := range filters {
		w.mu.RLock()
		h := w.subs[f]
		w.mu.RUnlock()
		if h == nil {
			continue
		}
		filter := f
		token := w.client.Subscribe(filter, w.qos, func(c mqtt.Client, m mqtt.Message) {
			w.mu.RLock()
			handler := w.subs[filter]
			w.mu.RUnlock()
			if handler != nil {
				handler(m.Topic(), m.Payload())
			}
		})
		token.Wait()
	}
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// work to drain.
func (w *Wrapper) Close() {
	w.client.Disconnect(250)
}

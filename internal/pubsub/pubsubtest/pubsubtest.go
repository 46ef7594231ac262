// Package pubsubtest provides a fake MQTT client so packages that depend
// on *pubsub.Wrapper can be tested without dialing a real broker.
package pubsubtest

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgegatekit/shadowmgr/internal/pubsub"
)

// Published records one Publish call observed by FakeClient.
type Published struct {
	Topic   string
	Payload []byte
}

// FakeClient is a no-op mqtt.Client that records every Publish call and
// answers Subscribe/Unsubscribe with an already-completed token.
type FakeClient struct {
	Connected bool
	Published []Published
}

// NewFakeClient builds a FakeClient in the connected state.
func NewFakeClient() *FakeClient {
	return &FakeClient{Connected: true}
}

func (c *FakeClient) IsConnected() bool      { return c.Connected }
func (c *FakeClient) IsConnectionOpen() bool { return c.Connected }
func (c *FakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *FakeClient) Disconnect(quiesce uint) {
	c.Connected = false
}

func (c *FakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.Published = append(c.Published, Published{Topic: topic, Payload: body})
	return doneToken{}
}

func (c *FakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (c *FakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (c *FakeClient) Unsubscribe(topics ...string) mqtt.Token { return doneToken{} }

func (c *FakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (c *FakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type doneToken struct{}

func (doneToken) Wait() bool                       { return true }
func (doneToken) WaitTimeout(d time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

// NewWrapper builds a *pubsub.Wrapper around a fresh FakeClient at QoS 1,
// returning both so the caller can assert on published messages.
func NewWrapper() (*pubsub.Wrapper, *FakeClient) {
	c := NewFakeClient()
	return pubsub.NewWrapperWithClient(c, 1), c
}

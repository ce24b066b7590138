// Package cloudclient manages the MQTT connection to the cloud shadow
// service: subscription-set reconciliation, inbound topic dispatch,
// and reconnection-triggered full sync.
package cloudclient

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/edgeflow/shadowgw/internal/pubsub"
)

// InboundMessage is a parsed MQTT publish from the cloud shadow topics.
type InboundMessage struct {
	Thing      string
	ShadowName string
	Op         pubsub.Operation
	Suffix     pubsub.Suffix
	Payload    []byte
}

// Dispatcher handles a parsed inbound message; implemented by the sync
// engine so this package never imports it directly.
type Dispatcher interface {
	HandleCloudMessage(msg InboundMessage)
	HandleReconnect()
}

// Config configures the broker connection.
type Config struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	KeepAlive     time.Duration
	ConnectTimeout time.Duration
	AutoReconnect bool
}

// Client owns the paho MQTT connection and the desired subscription
// set, reconciling actual subscriptions to desired on connect and on
// every AddThing/RemoveThing call.
type Client struct {
	cfg        Config
	client     mqtt.Client
	dispatcher Dispatcher
	logger     *zap.Logger

	mu      sync.Mutex
	desired map[string]struct{} // thing names currently tracked
}

func New(cfg Config, dispatcher Dispatcher, logger *zap.Logger) *Client {
	c := &Client{cfg: cfg, dispatcher: dispatcher, logger: logger, desired: make(map[string]struct{})}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(cfg.AutoReconnect).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) Connect() error {
	token := c.client.Connect()
	token.Wait()
	return token.Error()
}

// IsConnected reports the current MQTT connection state, used by the
// gateway's health check to degrade rather than fail when the cloud
// link is down.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.logger.Info("cloud mqtt connected")
	c.resubscribeAll()
	c.dispatcher.HandleReconnect()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("cloud mqtt connection lost", zap.Error(err))
}

// AddThing starts tracking thing, subscribing to its full shadow topic
// set (classic + named get/update/delete accepted/rejected/delta).
func (c *Client) AddThing(thing string) error {
	c.mu.Lock()
	if _, ok := c.desired[thing]; ok {
		c.mu.Unlock()
		return nil
	}
	c.desired[thing] = struct{}{}
	c.mu.Unlock()

	return c.subscribeThing(thing)
}

// RemoveThing stops tracking thing and unsubscribes its topics. Both
// subscribe and unsubscribe retry with backoff on failure and are
// idempotent: calling either twice is harmless.
func (c *Client) RemoveThing(thing string) error {
	c.mu.Lock()
	delete(c.desired, thing)
	c.mu.Unlock()

	topic := fmt.Sprintf("$aws/things/%s/shadow/#", thing)
	backoff := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		token := c.client.Unsubscribe(topic)
		token.Wait()
		if token.Error() == nil {
			return nil
		}
		c.logger.Warn("unsubscribe failed, retrying", zap.String("topic", topic), zap.Error(token.Error()))
		time.Sleep(backoff)
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("cloudclient: failed to unsubscribe from %s after retries", topic)
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	things := make([]string, 0, len(c.desired))
	for t := range c.desired {
		things = append(things, t)
	}
	c.mu.Unlock()

	for _, t := range things {
		if err := c.subscribeThing(t); err != nil {
			c.logger.Error("resubscribe failed", zap.String("thing", t), zap.Error(err))
		}
	}
}

func (c *Client) subscribeThing(thing string) error {
	topic := fmt.Sprintf("$aws/things/%s/shadow/#", thing)
	backoff := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		token := c.client.Subscribe(topic, 1, c.messageHandler)
		token.Wait()
		if token.Error() == nil {
			return nil
		}
		c.logger.Warn("subscribe failed, retrying", zap.String("topic", topic), zap.Error(token.Error()))
		time.Sleep(backoff)
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("cloudclient: failed to subscribe to %s after retries", topic)
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	thing, shadowName, ok := pubsub.ParseTopic(msg.Topic())
	if !ok {
		c.logger.Warn("ignoring unparseable shadow topic", zap.String("topic", msg.Topic()))
		return
	}

	op, suffix, ok := splitOpSuffix(msg.Topic())
	if !ok {
		return
	}

	c.dispatcher.HandleCloudMessage(InboundMessage{
		Thing: thing, ShadowName: shadowName, Op: op, Suffix: suffix, Payload: msg.Payload(),
	})
}

func splitOpSuffix(topic string) (pubsub.Operation, pubsub.Suffix, bool) {
	for _, op := range []pubsub.Operation{pubsub.OpGet, pubsub.OpUpdate, pubsub.OpDelete} {
		for _, suffix := range []pubsub.Suffix{pubsub.SuffixAccepted, pubsub.SuffixRejected, pubsub.SuffixDelta, pubsub.SuffixDocuments} {
			if hasSuffix(topic, "/"+string(op)+"/"+string(suffix)) {
				return op, suffix, true
			}
		}
	}
	return "", "", false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Publish publishes a shadow request payload to the cloud, e.g. an
// update or get request topic.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

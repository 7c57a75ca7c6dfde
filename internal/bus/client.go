package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"codeberg.org/mutker/homerecorder/internal/config"
	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const connectTimeout = 5 * time.Second

// Message is an inbound bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives transport callbacks. Both methods are invoked from
// the client's own goroutines; implementations must hand the event off
// to their own dispatch.
type Handler interface {
	BusConnected()
	BusMessage(msg Message)
}

// Client wraps the MQTT transport: connect with automatic reconnect,
// topic subscribe/unsubscribe, and fire-and-forget publishing.
type Client struct {
	mqtt    mqtt.Client
	handler Handler
}

func NewClient(cfg config.MQTTConfig, statusTopic string) *Client {
	c := &Client{}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true).
		SetWill(statusTopic, `{"status":"offline"}`, 0, true).
		SetOnConnectHandler(func(mqtt.Client) {
			if c.handler != nil {
				c.handler.BusConnected()
			}
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if c.handler != nil {
				c.handler.BusMessage(Message{Topic: msg.Topic(), Payload: msg.Payload()})
			}
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.mqtt = mqtt.NewClient(opts)

	return c
}

// SetHandler must be called before Connect.
func (c *Client) SetHandler(handler Handler) {
	c.handler = handler
}

// Connect starts the connection. A broker that is down is not fatal;
// the client keeps retrying in the background.
func (c *Client) Connect() error {
	errFactory := errors.New()

	token := c.mqtt.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn().Msg("Broker not reachable yet, retrying in background")
		return nil
	}

	if err := token.Error(); err != nil {
		return errFactory.Wrap(errors.ErrBusConnect, err)
	}

	return nil
}

func (c *Client) Disconnect() {
	c.mqtt.Disconnect(250)
}

// Publish marshals the payload to JSON and publishes fire-and-forget.
func (c *Client) Publish(topic string, payload any, retain bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal payload")
		return
	}

	c.mqtt.Publish(topic, 0, retain, data)
}

func (c *Client) Subscribe(topic string) {
	c.mqtt.Subscribe(topic, 0, nil)
}

func (c *Client) Unsubscribe(topic string) {
	c.mqtt.Unsubscribe(topic)
}

package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/logger"
)

var log = logger.For("mqtt")

// Client represents an MQTT client
type Client struct {
	client paho.Client
	config config.MQTTConfig
}

// OnConnectFunc runs after the first connect and after every automatic reconnect
type OnConnectFunc func(c *Client)

// NewClient creates a new MQTT client. Sessions are clean, so onConnect must
// (re)establish subscriptions.
func NewClient(cfg config.MQTTConfig, onConnect OnConnectFunc) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("agri-%d", time.Now().UnixNano())
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(reconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(reconnectDelay)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		log.Info("trying to reconnect to MQTT broker...")
	})

	c := &Client{config: cfg}
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Info("connected to MQTT broker: %s", cfg.Broker)
		if onConnect != nil {
			onConnect(c)
		}
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

// Connect connects to the MQTT broker, waiting at most the configured connect timeout
func (c *Client) Connect() error {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connection to MQTT broker %s timed out", c.config.Broker)
	}
	return token.Error()
}

// Subscribe subscribes to the specified topic
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	token := c.client.Subscribe(topic, qos, handler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}

	log.Info("subscribed to topic: %s (qos %d)", topic, qos)
	return nil
}

// Publish publishes payload and waits for the broker to accept it
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	return token.Error()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	log.Info("disconnected from MQTT broker")
}

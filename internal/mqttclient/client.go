// Package mqttclient wraps paho.mqtt.golang with the connect-retry/Wait()
// shape internal/opsbridge needs to subscribe to an ops-command topic and
// bridge received messages onto the mesh.
package mqttclient

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options configures a broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
}

// Client is a thin synchronous wrapper over paho's token-based async API.
type Client struct {
	raw mqtt.Client
}

// New connects to opts.BrokerURL, retrying every 2s until connected.
func New(opts Options) (*Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Client{raw: c}, nil
}

// Publish sends payload on topic, blocking for the broker's ack.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers handler for topic, blocking for the broker's ack.
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

// Close disconnects gracefully, allowing 250ms for in-flight acks.
func (c *Client) Close() {
	c.raw.Disconnect(250)
}

// Package opsbridge relays operator-issued commands from MQTT onto the
// mesh, adapted from the teacher's internal/mqttclient subscribe pattern
// (itself exercised by internal/websocket's "iot/sensors/#" subscription).
// Instead of fanning sensor datapoints out to dashboard clients, it fans an
// operator's published JSON command in onto the mesh as a wire.MsgCommand
// envelope, giving COMMAND=5 — present in the envelope enum but otherwise
// unused by any MeshSwarm component — an actual producer.
package opsbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshswarm/meshswarm/internal/mqttclient"
	"github.com/meshswarm/meshswarm/internal/transport"
	"github.com/meshswarm/meshswarm/internal/wire"
)

// Command is the JSON shape an operator publishes on the command topic.
type Command struct {
	Cmd   string `json:"cmd"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Bridge subscribes to an MQTT command topic and re-broadcasts each
// message as a mesh COMMAND envelope.
type Bridge struct {
	client   *mqttclient.Client
	mesh     transport.Mesh
	topic    string
	senderID string
}

// Options configures a Bridge.
type Options struct {
	BrokerURL string
	Topic     string
	ClientID  string
}

// DefaultTopic is the operator command topic subscribed to when Options.Topic
// is left empty.
const DefaultTopic = "meshswarm/ops/command"

// New connects to the configured broker and returns a Bridge ready to Start.
func New(mesh transport.Mesh, opts Options) (*Bridge, error) {
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshswarm-opsbridge-%08x-%d", mesh.LocalNodeID(), time.Now().UnixNano())
	}

	client, err := mqttclient.New(mqttclient.Options{BrokerURL: opts.BrokerURL, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("opsbridge: connect %s: %w", opts.BrokerURL, err)
	}

	return &Bridge{client: client, mesh: mesh, topic: topic, senderID: "ops"}, nil
}

// Start subscribes to the command topic; each message is decoded and
// re-broadcast as a COMMAND envelope until Close is called.
func (b *Bridge) Start() error {
	return b.client.Subscribe(b.topic, 1, b.handleMessage)
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("[ERR] opsbridge: invalid command on %s: %v", msg.Topic(), err)
		return
	}
	if cmd.Cmd == "" {
		log.Printf("[ERR] opsbridge: command missing cmd field on %s", msg.Topic())
		return
	}

	data, err := wire.Encode(wire.MsgCommand, b.senderID, wire.CommandPayload{
		Cmd: cmd.Cmd, Key: cmd.Key, Value: cmd.Value,
	})
	if err != nil {
		log.Printf("[ERR] opsbridge: encode COMMAND: %v", err)
		return
	}
	if err := b.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] opsbridge: broadcast COMMAND: %v", err)
		return
	}
	log.Printf("[GATEWAY] opsbridge relayed cmd=%s key=%s from MQTT", cmd.Cmd, cmd.Key)
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Close()
}

// Copyright 2025 The go-broadcast Authors
// This file is part of the go-broadcast library.
//
// The go-broadcast library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-broadcast library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-broadcast library. If not, see <http://www.gnu.org/licenses/>.

// Package mqtt implements the broker pub/sub transport. Every identity owns
// the topic dm/{hex of its uncompressed secp256k1 key}; messages are
// published with QoS 1 and the retained flag so a recipient that connects
// late still gets the last message. The driver holds one persistent session
// per configured broker and is content with any subset of them being up.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ethereum/go-ethereum/log"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/params"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// Driver is the MQTT transport.
type Driver struct {
	logger log.Logger

	selfTopic string
	clientID  string
	brokers   []string

	mu      sync.Mutex
	clients map[string]pahomqtt.Client // broker url -> connected client

	handler     transport.InboundHandler
	initialized bool
}

// New returns an unconnected driver.
func New() *Driver {
	return &Driver{
		logger:  log.New("transport", identity.ProtocolMQTT),
		clients: make(map[string]pahomqtt.Client),
	}
}

// Name implements transport.Transport.
func (d *Driver) Name() string { return identity.ProtocolMQTT }

// OnInbound implements transport.Transport.
func (d *Driver) OnInbound(handler transport.InboundHandler) { d.handler = handler }

// Status reports connected brokers out of the configured set.
func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := 0
	for _, c := range d.clients {
		if c.IsConnected() {
			connected++
		}
	}
	return transport.Status{Connected: connected, Total: len(d.brokers)}
}

// Topic returns the direct-message topic of the given pubsub identifier.
func Topic(pubsubID string) string { return "dm/" + pubsubID }

// Init connects to every configured broker concurrently with a single shared
// timeout and subscribes to our own topic on each. One broker is enough.
func (d *Driver) Init(ctx context.Context, id *identity.Identity, cfg transport.Config) error {
	d.selfTopic = Topic(id.PubsubID())
	d.brokers = cfg.MQTTBrokers
	if len(d.brokers) == 0 {
		d.brokers = params.DefaultMQTTBrokers
	}
	// Persistent sessions need a client id that is stable across restarts
	// and distinct per broker; derive it from the identity.
	d.clientID = "broadcast-" + id.EthereumAddress()[2:14]

	var wg sync.WaitGroup
	for i, broker := range d.brokers {
		wg.Add(1)
		go func(i int, broker string) {
			defer wg.Done()
			client, err := d.connect(i, broker)
			if err != nil {
				d.logger.Debug("Broker connection failed", "broker", broker, "err", err)
				return
			}
			d.mu.Lock()
			d.clients[broker] = client
			d.mu.Unlock()
		}(i, broker)
	}
	wg.Wait()

	d.mu.Lock()
	connected := len(d.clients)
	d.mu.Unlock()
	if connected == 0 {
		return fmt.Errorf("mqtt: no broker reachable (%d configured)", len(d.brokers))
	}
	d.initialized = true
	d.logger.Debug("Broker fabric ready", "connected", connected, "configured", len(d.brokers))
	return nil
}

// connect dials one broker and subscribes to the inbound topic. The paho
// client keeps the session alive and resubscription happens through the
// OnConnect hook after every reconnect.
func (d *Driver) connect(idx int, broker string) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(BrokerURL(broker)).
		SetClientID(fmt.Sprintf("%s-%d", d.clientID, idx)).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(params.MQTTReconnectPeriod).
		SetConnectTimeout(params.MQTTConnectTimeout).
		SetOrderMatters(true)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		token := client.Subscribe(d.selfTopic, 1, func(_ pahomqtt.Client, m pahomqtt.Message) {
			if d.handler != nil {
				d.handler(m.Payload(), broker)
			}
		})
		if token.WaitTimeout(params.MQTTConnectTimeout) && token.Error() != nil {
			d.logger.Warn("Broker subscription failed", "broker", broker, "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		d.logger.Debug("Broker connection lost", "broker", broker, "err", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(params.MQTTConnectTimeout) {
		return nil, context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}

// Send publishes the payload to the recipient's topic on every connected
// broker, QoS 1 and retained. Per-broker successes are counted; one is
// enough for the send to succeed.
func (d *Driver) Send(ctx context.Context, to *identity.Identity, payload []byte) transport.Result {
	if !d.initialized {
		return transport.Fail(d.Name(), transport.ErrNotInitialized)
	}
	topic := Topic(to.PubsubID())

	d.mu.Lock()
	clients := make(map[string]pahomqtt.Client, len(d.clients))
	for broker, c := range d.clients {
		clients[broker] = c
	}
	d.mu.Unlock()

	var published int
	var lastErr error
	for broker, client := range clients {
		if !client.IsConnected() {
			continue
		}
		token := client.Publish(topic, 1, true, payload)
		if !token.WaitTimeout(params.MQTTConnectTimeout) {
			lastErr = fmt.Errorf("publish to %s: %w", broker, context.DeadlineExceeded)
			continue
		}
		if err := token.Error(); err != nil {
			lastErr = fmt.Errorf("publish to %s: %w", broker, err)
			d.logger.Debug("Broker publish failed", "broker", broker, "err", err)
			continue
		}
		published++
	}
	if published == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no connected brokers")
		}
		return transport.Fail(d.Name(), lastErr)
	}
	return transport.OK(d.Name(), fmt.Sprintf("%d/%d brokers", published, len(d.brokers)))
}

// Shutdown disconnects every broker session. Idempotent.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	clients := d.clients
	d.clients = make(map[string]pahomqtt.Client)
	d.mu.Unlock()

	for _, client := range clients {
		client.Disconnect(250) // milliseconds of grace for in-flight acks
	}
	return nil
}

// BrokerURL normalizes an mqtt:// broker address to the tcp:// form the paho
// network layer dials.
func BrokerURL(broker string) string {
	if strings.HasPrefix(broker, "mqtt://") {
		return "tcp://" + strings.TrimPrefix(broker, "mqtt://")
	}
	return broker
}

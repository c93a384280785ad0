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

// Package params holds the wire constants and network defaults shared by the
// transport drivers and their consumers.
package params

import "time"

// Default relay and broker sets. These are public infrastructure endpoints; a
// deployment can override all of them through the driver configs.
var (
	DefaultNostrRelays = []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	}

	DefaultMQTTBrokers = []string{
		"mqtt://broker.hivemq.com:1883",
		"mqtt://broker.emqx.io:1883",
		"mqtt://test.mosquitto.org:1883",
	}
)

const (
	// IrohALPN is the TLS next-protocol tag for the direct bi-stream transport.
	IrohALPN = "broadcast/dm/0"

	// MQTTConnectTimeout bounds the concurrent broker connection attempts.
	MQTTConnectTimeout = 10 * time.Second

	// MQTTReconnectPeriod is the retry interval of a lost broker session.
	MQTTReconnectPeriod = 5 * time.Second

	// NostrReconnectPeriod is how long a dropped relay stays out of the pool
	// before a reconnect is attempted.
	NostrReconnectPeriod = 5 * time.Second

	// IrohMaxPayload caps a single inbound stream read. Bytes beyond the cap
	// are discarded by the listener; the sender still completes.
	IrohMaxPayload = 1 << 20

	// ShutdownGrace is how long in-flight pipeline work may run after a
	// shutdown is requested.
	ShutdownGrace = 5 * time.Second

	// MaxContentBytes caps the UTF-8 content of a single chat message.
	MaxContentBytes = 64 * 1024
)

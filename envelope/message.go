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

// Package envelope defines the wire format of chat messages and
// acknowledgments. The envelope is a single JSON object; it is the payload
// handed verbatim to every transport driver, which may add its own encryption
// on top.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/broadcast-dm/go-broadcast/params"
)

// Message types.
const (
	TypeMessage        = "message"
	TypeAcknowledgment = "acknowledgment"
)

// AckPrefix is the stable content prefix of an acknowledgment, usable as a
// fallback correlator when the ackOfUuid field is lost.
const AckPrefix = "ACK: "

// ChannelPreference is a peer's advertised ranking of one transport, carried
// inside acknowledgments.
type ChannelPreference struct {
	Protocol        string `json:"protocol"`
	PreferenceOrder int    `json:"preferenceOrder"`
	CannotUse       bool   `json:"cannotUse"`
}

// Message is the unit of traffic. A message is immutable once created; the
// same serialized bytes are broadcast over every enabled transport.
type Message struct {
	UUID           string `json:"uuid"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"` // milliseconds since epoch
	FromMagnetLink string `json:"fromMagnetLink"`

	// Acknowledgment-only fields.
	AckOfUUID          string              `json:"ackOfUuid,omitempty"`
	ReceivedVia        string              `json:"receivedVia,omitempty"`
	ChannelPreferences []ChannelPreference `json:"channelPreferences,omitempty"`
}

// New creates an outgoing chat message from this identity's magnet link.
func New(content, fromMagnetLink string) (*Message, error) {
	if len(content) > params.MaxContentBytes {
		return nil, fmt.Errorf("content exceeds %d bytes", params.MaxContentBytes)
	}
	return &Message{
		UUID:           uuid.NewString(),
		Type:           TypeMessage,
		Content:        content,
		Timestamp:      time.Now().UnixMilli(),
		FromMagnetLink: fromMagnetLink,
	}, nil
}

// NewAcknowledgment builds the ack for a received message. The content echoes
// the acknowledged uuid behind AckPrefix and the timestamp is the ack's own
// creation time, so the original sender can compute round-trip latency.
func NewAcknowledgment(original *Message, receivedVia, fromMagnetLink string, prefs []ChannelPreference) *Message {
	return &Message{
		UUID:               uuid.NewString(),
		Type:               TypeAcknowledgment,
		Content:            AckPrefix + original.UUID,
		Timestamp:          time.Now().UnixMilli(),
		FromMagnetLink:     fromMagnetLink,
		AckOfUUID:          original.UUID,
		ReceivedVia:        receivedVia,
		ChannelPreferences: prefs,
	}
}

// IsAck reports whether the message is an acknowledgment.
func (m *Message) IsAck() bool { return m.Type == TypeAcknowledgment }

// Serialize renders the message as its wire JSON.
func (m *Message) Serialize() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Only unsupported value kinds can fail here and the struct has none.
		panic(err)
	}
	return b
}

// Deserialize parses wire bytes into a message. It returns nil on malformed
// input rather than an error: inbound traffic is untrusted and callers drop
// undecodable payloads. Unknown JSON fields are tolerated.
func Deserialize(data []byte) *Message {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	if m.UUID == "" {
		return nil
	}
	if m.Type != TypeMessage && m.Type != TypeAcknowledgment {
		return nil
	}
	if len(m.Content) > params.MaxContentBytes {
		return nil
	}
	return &m
}

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

package waku

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// shardCount is the number of pubsub shards the content-topic space maps
// onto. Many content topics share one mesh; receivers filter by the content
// topic inside the envelope.
const shardCount = 8

// ContentTopic returns the per-recipient content topic.
func ContentTopic(pubsubID string) string {
	return fmt.Sprintf("/broadcast/1/dm-%s/proto", pubsubID)
}

// ShardTopic maps a content topic onto its pubsub mesh topic.
func ShardTopic(contentTopic string) string {
	h := fnv.New32a()
	h.Write([]byte(contentTopic))
	return fmt.Sprintf("/broadcast/2/rs/0/%d", h.Sum32()%shardCount)
}

// meshEnvelope is the frame published on a shard topic. The transport itself
// is unencrypted; whether the payload is encrypted is the caller's concern.
type meshEnvelope struct {
	ContentTopic string `json:"contentTopic"`
	Payload      []byte `json:"payload"`
}

func encodeFrame(contentTopic string, payload []byte) []byte {
	b, err := json.Marshal(meshEnvelope{ContentTopic: contentTopic, Payload: payload})
	if err != nil {
		panic(err) // no unmarshalable kinds in the struct
	}
	return b
}

func decodeFrame(data []byte) (*meshEnvelope, error) {
	var env meshEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.ContentTopic == "" {
		return nil, fmt.Errorf("frame without content topic")
	}
	return &env, nil
}

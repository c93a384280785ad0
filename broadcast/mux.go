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

package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/broadcast-dm/go-broadcast/envelope"
	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/metrics"
	"github.com/broadcast-dm/go-broadcast/store"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// Bounds of the seen-uuid set. Duplicates from slow transports must still
// deduplicate, so entries live a full day or until the set overflows.
const (
	seenCapacity = 100_000
	seenTTL      = 24 * time.Hour
)

// MessageHandler consumes one unique inbound message and the transport that
// delivered it first.
type MessageHandler func(msg *envelope.Message, transportName string)

// ReceiptHandler is fired for every receipt, duplicate arrivals included.
type ReceiptHandler func(uuid, transportName string, duplicate bool)

// broadcastFunc is the multiplexer's only handle on the broadcaster, used for
// auto-acks. Keeping it a function avoids an ownership cycle.
type broadcastFunc func(ctx context.Context, to *identity.Identity, msg *envelope.Message) []transport.Result

// Mux converges inbound traffic from every transport into one deduplicated
// stream: the first copy of a uuid becomes a Message plus a Receipt and fires
// the handlers, every later copy is recorded as a Receipt only.
type Mux struct {
	logger     log.Logger
	selfMagnet string
	st         *store.Store
	broadcast  broadcastFunc

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]

	handlerMu    sync.RWMutex
	msgHandlers  []MessageHandler
	rcptHandlers []ReceiptHandler

	// quitMu orders the quit check and the waitgroup Add against shutdown:
	// once quit closes under the write lock, no new pipeline work can Add.
	quitMu   sync.RWMutex
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func newMux(selfMagnet string, st *store.Store, broadcast broadcastFunc) *Mux {
	return &Mux{
		logger:     log.New("module", "mux"),
		selfMagnet: selfMagnet,
		st:         st,
		broadcast:  broadcast,
		seen:       expirable.NewLRU[string, struct{}](seenCapacity, nil, seenTTL),
		quit:       make(chan struct{}),
	}
}

// OnMessage appends a handler; handlers fire in registration order.
func (m *Mux) OnMessage(handler MessageHandler) {
	m.handlerMu.Lock()
	m.msgHandlers = append(m.msgHandlers, handler)
	m.handlerMu.Unlock()
}

// OnReceipt appends a receipt handler.
func (m *Mux) OnReceipt(handler ReceiptHandler) {
	m.handlerMu.Lock()
	m.rcptHandlers = append(m.rcptHandlers, handler)
	m.handlerMu.Unlock()
}

// inboundFor builds the per-transport inbound callback handed to a driver.
func (m *Mux) inboundFor(transportName string) transport.InboundHandler {
	return func(payload []byte, server string) {
		m.handle(transportName, payload, server)
	}
}

// handle runs the inbound pipeline for one payload. Within one transport,
// calls arrive in order; across transports the seen-set makes interleaving
// safe. The pipeline tolerates sends being issued from within handlers.
func (m *Mux) handle(transportName string, payload []byte, server string) {
	m.quitMu.RLock()
	select {
	case <-m.quit:
		m.quitMu.RUnlock()
		m.logger.Debug("Inbound after shutdown dropped", "transport", transportName)
		return
	default:
	}
	m.wg.Add(1)
	m.quitMu.RUnlock()
	defer m.wg.Done()

	metrics.InboundTotal.WithLabelValues(transportName).Inc()
	msg := envelope.Deserialize(payload)
	if msg == nil {
		m.logger.Warn("Undecodable payload dropped", "transport", transportName, "bytes", len(payload))
		return
	}

	ctx := context.Background()
	now := time.Now().UnixMilli()
	receipt := store.Receipt{
		MessageUUID: msg.UUID,
		Protocol:    transportName,
		Server:      server,
		ReceivedAt:  now,
		LatencyMs:   now - msg.Timestamp,
	}
	if receipt.LatencyMs > 0 {
		metrics.ReceiptLatency.WithLabelValues(transportName).Observe(float64(receipt.LatencyMs) / 1000)
	}

	if m.markSeen(msg.UUID) {
		// Duplicate: evidence only, no handler fire, no ack. The message row
		// is inserted idempotently here too, because the first arrival may
		// still be persisting (or may have failed): a receipt must never
		// exist without its message row.
		if err := m.st.SaveMessage(ctx, msg, m.selfMagnet); err != nil {
			m.logger.Error("Duplicate arrival not recorded", "uuid", msg.UUID, "transport", transportName, "err", err)
			return
		}
		if err := m.st.SaveReceipt(ctx, receipt); err != nil {
			m.logger.Error("Duplicate receipt not recorded", "uuid", msg.UUID, "transport", transportName, "err", err)
		}
		metrics.DuplicateReceipts.WithLabelValues(transportName).Inc()
		m.fireReceipt(msg.UUID, transportName, true)
		m.logger.Debug("Duplicate receipt", "uuid", msg.UUID, "transport", transportName, "latency", receipt.LatencyMs)
		return
	}

	if err := m.st.SaveMessage(ctx, msg, m.selfMagnet); err != nil {
		// Without the message row the receipt would violate the store's
		// invariants. Unsee the uuid so a later copy can retry the insert.
		m.logger.Error("Inbound message not recorded", "uuid", msg.UUID, "err", err)
		m.unsee(msg.UUID)
		return
	}
	if err := m.st.SaveReceipt(ctx, receipt); err != nil {
		m.logger.Error("Receipt not recorded", "uuid", msg.UUID, "transport", transportName, "err", err)
	}

	m.fireReceipt(msg.UUID, transportName, false)
	m.fireMessage(msg, transportName)

	if msg.IsAck() {
		m.handleAck(ctx, transportName, msg, now)
		return
	}
	m.autoAck(ctx, transportName, msg)
}

// handleAck folds an inbound acknowledgment into the peer's channel
// preferences: the transport it arrived on is proven working, and any
// preference list the peer attached is applied as stated. Acks never generate
// further acks.
func (m *Mux) handleAck(ctx context.Context, transportName string, msg *envelope.Message, now int64) {
	latency := now - msg.Timestamp
	ackAt := now
	err := m.st.UpdatePeerPreference(ctx, store.PeerPreference{
		Identity:     msg.FromMagnetLink,
		Protocol:     transportName,
		IsWorking:    true,
		LastAckAt:    &ackAt,
		AvgLatencyMs: &latency,
		CannotUse:    false,
	})
	if err != nil {
		m.logger.Error("Peer preference update failed", "peer", msg.FromMagnetLink, "transport", transportName, "err", err)
	}
	for _, pref := range msg.ChannelPreferences {
		order := int64(pref.PreferenceOrder)
		err := m.st.UpdatePeerPreference(ctx, store.PeerPreference{
			Identity:        msg.FromMagnetLink,
			Protocol:        pref.Protocol,
			IsWorking:       !pref.CannotUse,
			PreferenceOrder: &order,
			CannotUse:       pref.CannotUse,
		})
		if err != nil {
			m.logger.Error("Peer preference update failed", "peer", msg.FromMagnetLink, "transport", pref.Protocol, "err", err)
		}
	}

	known, err := m.st.HasMessage(ctx, msg.AckOfUUID)
	if err != nil {
		m.logger.Error("Orphan check failed", "ackOf", msg.AckOfUUID, "err", err)
		return
	}
	if !known {
		// Stored like any ack, but the acknowledged message was never seen
		// here. Worth a trace when debugging lost evidence.
		m.logger.Warn("Orphan acknowledgment", "uuid", msg.UUID, "ackOf", msg.AckOfUUID, "transport", transportName)
	}
}

// autoAck broadcasts the acknowledgment for a freshly received message over
// all transports, not only the one it arrived on. Ack failures are logged and
// never affect the inbound pipeline.
func (m *Mux) autoAck(ctx context.Context, transportName string, msg *envelope.Message) {
	sender, err := identity.Decode(msg.FromMagnetLink)
	if err != nil {
		m.logger.Warn("Cannot ack, sender magnet invalid", "uuid", msg.UUID, "err", err)
		return
	}
	ack := envelope.NewAcknowledgment(msg, transportName, m.selfMagnet, nil)
	results := m.broadcast(ctx, sender, ack)

	delivered := 0
	for _, res := range results {
		if res.Success {
			delivered++
		}
	}
	m.logger.Debug("Acknowledgment broadcast", "ackOf", msg.UUID, "delivered", delivered, "attempted", len(results))
}

// markSeen atomically tests and records a uuid. It returns true when the uuid
// was already seen.
func (m *Mux) markSeen(uuid string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seen.Contains(uuid) {
		return true
	}
	m.seen.Add(uuid, struct{}{})
	return false
}

func (m *Mux) unsee(uuid string) {
	m.seenMu.Lock()
	m.seen.Remove(uuid)
	m.seenMu.Unlock()
}

func (m *Mux) fireMessage(msg *envelope.Message, transportName string) {
	m.handlerMu.RLock()
	handlers := make([]MessageHandler, len(m.msgHandlers))
	copy(handlers, m.msgHandlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(msg, transportName)
	}
}

func (m *Mux) fireReceipt(uuid, transportName string, duplicate bool) {
	m.handlerMu.RLock()
	handlers := make([]ReceiptHandler, len(m.rcptHandlers))
	copy(handlers, m.rcptHandlers)
	m.handlerMu.RUnlock()
	for _, h := range handlers {
		h(uuid, transportName, duplicate)
	}
}

// shutdown stops accepting inbound events and waits for in-flight pipeline
// invocations within the context's grace.
func (m *Mux) shutdown(ctx context.Context) {
	m.quitOnce.Do(func() {
		m.quitMu.Lock()
		close(m.quit)
		m.quitMu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown grace expired with pipeline work in flight")
	}
}

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

// Package broadcast contains the fan-out engine: the broadcaster sends every
// outgoing message over all initialized transports in parallel, and the
// listener multiplexer converges the inbound copies back into one
// deduplicated event stream backed by the evidence store.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/broadcast-dm/go-broadcast/envelope"
	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/metrics"
	"github.com/broadcast-dm/go-broadcast/params"
	"github.com/broadcast-dm/go-broadcast/store"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// ErrInvalidRecipient is returned by Send before any driver is contacted when
// the recipient magnet link does not parse.
var ErrInvalidRecipient = errors.New("invalid recipient magnet link")

// Broadcaster owns the transport drivers and the evidence store. It
// initializes drivers concurrently, tolerates any subset of them failing, and
// reports per-transport results for every send.
type Broadcaster struct {
	logger     log.Logger
	id         *identity.Identity
	selfMagnet string
	st         *store.Store
	cfg        transport.Config

	transports []transport.Transport

	mu     sync.RWMutex
	active []transport.Transport

	mux *Mux
}

// New builds a broadcaster over an explicit transport set. The drivers are
// not touched until Initialize.
func New(id *identity.Identity, st *store.Store, cfg transport.Config, transports ...transport.Transport) *Broadcaster {
	b := &Broadcaster{
		logger:     log.New("module", "broadcast"),
		id:         id,
		selfMagnet: id.Encode(),
		st:         st,
		cfg:        cfg,
		transports: transports,
	}
	b.mux = newMux(b.selfMagnet, st, b.broadcast)
	return b
}

// SelfMagnet returns this node's identity as a magnet link.
func (b *Broadcaster) SelfMagnet() string { return b.selfMagnet }

// Initialize brings up every transport concurrently. Individual failures are
// warnings: the broadcaster proceeds with whatever subset came up, including
// none. The inbound callbacks are registered before any driver connects so no
// early traffic is lost.
func (b *Broadcaster) Initialize(ctx context.Context) {
	for _, t := range b.transports {
		t.OnInbound(b.mux.inboundFor(t.Name()))
	}

	var wg sync.WaitGroup
	for _, t := range b.transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			start := time.Now()
			if err := t.Init(ctx, b.id, b.cfg); err != nil {
				b.logger.Warn("Transport init failed", "transport", t.Name(), "err", err)
				return
			}
			b.mu.Lock()
			b.active = append(b.active, t)
			b.mu.Unlock()
			b.logger.Info("Transport up", "transport", t.Name(), "elapsed", time.Since(start))
		}(t)
	}
	wg.Wait()

	b.mu.RLock()
	up := len(b.active)
	b.mu.RUnlock()
	b.logger.Info("Broadcaster initialized", "transports", up, "configured", len(b.transports))
}

// Send fans one message out to the recipient over every initialized
// transport in parallel and returns one result per attempted driver. The
// recipient magnet is validated before any driver is contacted. With zero
// initialized transports the result vector is empty: no delivery path.
func (b *Broadcaster) Send(ctx context.Context, recipientMagnet, content string) ([]transport.Result, error) {
	recipient, err := identity.Decode(recipientMagnet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	msg, err := envelope.New(content, b.selfMagnet)
	if err != nil {
		return nil, err
	}
	if err := b.st.SaveMessage(ctx, msg, recipientMagnet); err != nil {
		return nil, fmt.Errorf("record outgoing message: %w", err)
	}
	return b.broadcast(ctx, recipient, msg), nil
}

// broadcast serializes msg once and sends it over every initialized driver
// in parallel, measuring each attempt with the broadcaster's own clock. It is
// also the path the multiplexer uses for auto-acks.
func (b *Broadcaster) broadcast(ctx context.Context, to *identity.Identity, msg *envelope.Message) []transport.Result {
	b.mu.RLock()
	active := make([]transport.Transport, len(b.active))
	copy(active, b.active)
	b.mu.RUnlock()
	if len(active) == 0 {
		b.logger.Warn("No delivery path", "uuid", msg.UUID)
		return []transport.Result{}
	}

	payload := msg.Serialize()
	resc := make(chan transport.Result, len(active))
	for _, t := range active {
		go func(t transport.Transport) {
			start := time.Now()
			res := t.Send(ctx, to, payload)
			res.Transport = t.Name()
			res.LatencyMs = time.Since(start).Milliseconds()
			resc <- res
		}(t)
	}

	results := make([]transport.Result, 0, len(active))
	for range active {
		res := <-resc
		results = append(results, res)
		b.recordSend(ctx, msg.UUID, res)
	}
	return results
}

// recordSend updates aggregate stats, metrics and the log for one result.
func (b *Broadcaster) recordSend(ctx context.Context, uuid string, res transport.Result) {
	outcome := "success"
	var latency *int64
	if res.Success {
		lat := res.LatencyMs
		latency = &lat
	} else {
		outcome = string(res.Kind)
	}
	metrics.SendsTotal.WithLabelValues(res.Transport, outcome).Inc()
	if err := b.st.UpdateProtocolStats(ctx, res.Transport, res.Success, latency); err != nil {
		b.logger.Error("Protocol stats update failed", "transport", res.Transport, "err", err)
	}

	switch {
	case res.Success:
		b.logger.Debug("Sent", "uuid", uuid, "transport", res.Transport, "latency", res.LatencyMs, "detail", res.Detail)
	case res.Kind == transport.KindSelf || res.Kind == transport.KindNotInitialized:
		b.logger.Debug("Send skipped", "uuid", uuid, "transport", res.Transport, "kind", res.Kind)
	default:
		b.logger.Warn("Send failed", "uuid", uuid, "transport", res.Transport, "kind", res.Kind, "detail", res.Detail)
	}
}

// OnMessage registers a handler fired once per unique inbound message, in
// registration order.
func (b *Broadcaster) OnMessage(handler MessageHandler) { b.mux.OnMessage(handler) }

// OnReceipt registers a handler fired for every receipt, duplicates included.
func (b *Broadcaster) OnReceipt(handler ReceiptHandler) { b.mux.OnReceipt(handler) }

// Status reports per-transport connectivity for every configured driver.
func (b *Broadcaster) Status() map[string]transport.Status {
	out := make(map[string]transport.Status, len(b.transports))
	for _, t := range b.transports {
		out[t.Name()] = t.Status()
	}
	return out
}

// Shutdown stops the multiplexer and every driver, ignoring individual
// shutdown errors. In-flight pipeline work gets the shutdown grace period.
func (b *Broadcaster) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), params.ShutdownGrace)
	defer cancel()

	b.mux.shutdown(ctx)

	var wg sync.WaitGroup
	for _, t := range b.transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			if err := t.Shutdown(ctx); err != nil {
				b.logger.Debug("Transport shutdown", "transport", t.Name(), "err", err)
			}
		}(t)
	}
	wg.Wait()
	b.logger.Info("Broadcaster down")
}

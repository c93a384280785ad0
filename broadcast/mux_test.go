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
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/envelope"
	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// inboundMessage fabricates the wire bytes of a message from sender.
func inboundMessage(t *testing.T, sender *identity.Identity, content string) *envelope.Message {
	t.Helper()
	msg, err := envelope.New(content, sender.Encode())
	require.NoError(t, err)
	return msg
}

func TestInboundDedupConcurrent(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)
	msg := inboundMessage(t, sender, "hello over everything")
	payload := msg.Serialize()

	var msgFires, rcptFires, dupFires atomic.Int64
	b.OnMessage(func(*envelope.Message, string) { msgFires.Add(1) })
	b.OnReceipt(func(_, _ string, duplicate bool) {
		rcptFires.Add(1)
		if duplicate {
			dupFires.Add(1)
		}
	})

	// The same envelope lands on all five transports at once.
	var wg sync.WaitGroup
	for _, f := range fakes {
		wg.Add(1)
		go func(f *fakeTransport) {
			defer wg.Done()
			f.handler(payload, f.name+"-server")
		}(f)
	}
	wg.Wait()

	require.Equal(t, int64(1), msgFires.Load(), "one unique message")
	require.Equal(t, int64(5), rcptFires.Load(), "every copy is evidence")
	require.Equal(t, int64(4), dupFires.Load())

	receipts, err := st.ReceiptsFor(context.Background(), msg.UUID)
	require.NoError(t, err)
	require.Len(t, receipts, 5)
	protocols := map[string]bool{}
	for _, r := range receipts {
		protocols[r.Protocol] = true
		require.Equal(t, r.Protocol+"-server", r.Server)
	}
	require.Len(t, protocols, 5)

	msgs, err := st.ListAllMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "duplicates never create message rows")
}

func TestAutoAckBroadcastOnce(t *testing.T) {
	fakes := fiveFakes()
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)
	msg := inboundMessage(t, sender, "ack me")
	payload := msg.Serialize()

	// Deliver the same message over two transports.
	fakes[1].handler(payload, "relay-a")
	fakes[2].handler(payload, "broker-b")

	// Exactly one ack, fanned out over all five drivers.
	for _, f := range fakes {
		require.Equal(t, 1, f.sentCount(), f.name)
	}

	var ack envelope.Message
	require.NoError(t, json.Unmarshal(fakes[0].sent[0], &ack))
	require.Equal(t, envelope.TypeAcknowledgment, ack.Type)
	require.Equal(t, msg.UUID, ack.AckOfUUID)
	require.Equal(t, "nostr", ack.ReceivedVia, "ack names the transport that won")
	require.Equal(t, b.SelfMagnet(), ack.FromMagnetLink)
	require.Equal(t, envelope.AckPrefix+msg.UUID, ack.Content)
}

func TestAckNeverAcked(t *testing.T) {
	fakes := fiveFakes()
	_, _, st := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)
	original := inboundMessage(t, sender, "first")
	fakes[0].handler(original.Serialize(), "")
	for _, f := range fakes {
		require.Equal(t, 1, f.sentCount(), "one auto-ack per unique message")
	}

	// The peer's ack of that ack content arrives. Nothing further may be sent.
	ack := envelope.NewAcknowledgment(original, "mqtt", sender.Encode(), []envelope.ChannelPreference{
		{Protocol: "nostr", PreferenceOrder: 1},
		{Protocol: "waku", PreferenceOrder: 5, CannotUse: true},
	})
	fakes[2].handler(ack.Serialize(), "broker-b")

	for _, f := range fakes {
		require.Equal(t, 1, f.sentCount(), "acks terminate the exchange")
	}

	// Arrival transport marked working plus the advertised list applied.
	prefs, err := st.PeerPreferences(context.Background(), sender.Encode())
	require.NoError(t, err)
	byProto := map[string]bool{}
	for _, p := range prefs {
		byProto[p.Protocol] = p.IsWorking
	}
	require.True(t, byProto["mqtt"], "ack arrival proves the transport")
	require.True(t, byProto["nostr"])
	require.False(t, byProto["waku"], "cannotUse wins")
}

func TestOrphanAckStored(t *testing.T) {
	fakes := fiveFakes()
	_, _, st := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)
	phantom := inboundMessage(t, sender, "never delivered here")
	ack := envelope.NewAcknowledgment(phantom, "iroh", sender.Encode(), nil)

	fakes[4].handler(ack.Serialize(), "")

	// Stored as evidence even though the acknowledged uuid is unknown.
	known, err := st.HasMessage(context.Background(), ack.UUID)
	require.NoError(t, err)
	require.True(t, known)
	receipts, err := st.ReceiptsFor(context.Background(), ack.UUID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
}

func TestUndecodablePayloadDropped(t *testing.T) {
	fakes := fiveFakes()
	_, _, st := newBroadcaster(t, asTransports(fakes)...)

	fakes[0].handler([]byte("not json"), "")
	fakes[1].handler([]byte(`{"type":"message"}`), "") // missing uuid
	fakes[2].handler([]byte(`{"uuid":"u","type":"weird"}`), "")

	for _, f := range fakes {
		require.Zero(t, f.sentCount())
	}
	msgs, err := st.ListAllMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSendFromHandler(t *testing.T) {
	fakes := fiveFakes()
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)
	replied := make(chan struct{})
	b.OnMessage(func(msg *envelope.Message, _ string) {
		if msg.IsAck() {
			return
		}
		_, err := b.Send(context.Background(), peer.Encode(), "re: "+msg.Content)
		require.NoError(t, err)
		close(replied)
	})

	sender, err := identity.Generate()
	require.NoError(t, err)
	msg := inboundMessage(t, sender, "ping")

	done := make(chan struct{})
	go func() {
		fakes[0].handler(msg.Serialize(), "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("inbound pipeline deadlocked on a re-entrant send")
	}
	<-replied

	// Each driver carried the auto-ack and the reply.
	for _, f := range fakes {
		require.Equal(t, 2, f.sentCount(), f.name)
	}
}

// TestDuplicatePathBackfillsMessageRow covers the window where a copy is
// classified as duplicate while the first arrival has not persisted its
// message row yet (or failed to): the duplicate must insert the row
// idempotently so no receipt ever exists without its message.
func TestDuplicatePathBackfillsMessageRow(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)
	msg := inboundMessage(t, sender, "copy in flight")

	var msgFires atomic.Int64
	b.OnMessage(func(*envelope.Message, string) { msgFires.Add(1) })

	// The uuid is already seen but nothing is stored, as when the first
	// arrival is mid-persist.
	require.False(t, b.mux.markSeen(msg.UUID))
	fakes[2].handler(msg.Serialize(), "broker-b")

	ctx := context.Background()
	has, err := st.HasMessage(ctx, msg.UUID)
	require.NoError(t, err)
	require.True(t, has, "duplicate arrivals backfill the message row")
	receipts, err := st.ReceiptsFor(ctx, msg.UUID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	require.Zero(t, msgFires.Load(), "duplicates never fire the message handler")
	for _, f := range fakes {
		require.Zero(t, f.sentCount(), "duplicates never trigger an ack")
	}
}

func TestInboundAfterShutdownDropped(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)
	b.Shutdown()

	sender, err := identity.Generate()
	require.NoError(t, err)
	fakes[0].handler(inboundMessage(t, sender, "late").Serialize(), "")

	msgs, err := st.ListAllMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs, "post-shutdown traffic leaves no evidence")
}

// TestShutdownRacesInbound hammers the pipeline while shutting down and
// checks the evidence invariant afterwards: whatever receipts landed, their
// message rows exist.
func TestShutdownRacesInbound(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)

	sender, err := identity.Generate()
	require.NoError(t, err)

	const n = 40
	uuids := make([]string, 0, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		msg := inboundMessage(t, sender, fmt.Sprintf("racer %d", i))
		uuids = append(uuids, msg.UUID)
		payload := msg.Serialize()
		f := fakes[i%len(fakes)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			f.handler(payload, "")
		}()
	}
	close(start)
	b.Shutdown()
	wg.Wait()

	ctx := context.Background()
	for _, u := range uuids {
		receipts, err := st.ReceiptsFor(ctx, u)
		require.NoError(t, err)
		if len(receipts) == 0 {
			continue
		}
		has, err := st.HasMessage(ctx, u)
		require.NoError(t, err)
		require.True(t, has, "receipt without message row for %s", u)
	}
}

// pipeTransport delivers sends to a remote twin asynchronously, like a
// network with two honest endpoints.
type pipeTransport struct {
	name string

	mu      sync.Mutex
	handler transport.InboundHandler
	remote  *pipeTransport
}

func pipePair(name string) (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{name: name}
	b := &pipeTransport{name: name}
	a.remote, b.remote = b, a
	return a, b
}

func (p *pipeTransport) Name() string { return p.name }

func (p *pipeTransport) Init(context.Context, *identity.Identity, transport.Config) error {
	return nil
}

func (p *pipeTransport) OnInbound(h transport.InboundHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *pipeTransport) Send(_ context.Context, _ *identity.Identity, payload []byte) transport.Result {
	data := append([]byte(nil), payload...)
	go func() {
		p.remote.mu.Lock()
		h := p.remote.handler
		p.remote.mu.Unlock()
		if h != nil {
			h(data, "pipe")
		}
	}()
	return transport.OK(p.name, "pipe")
}

func (p *pipeTransport) Shutdown(context.Context) error { return nil }

func (p *pipeTransport) Status() transport.Status {
	return transport.Status{Connected: 1, Total: 1}
}

func TestTwoNodeAckRoundTrip(t *testing.T) {
	nostrA, nostrB := pipePair("nostr")
	mqttA, mqttB := pipePair("mqtt")

	alice, _, stA := newBroadcaster(t, nostrA, mqttA)
	bob, _, stB := newBroadcaster(t, nostrB, mqttB)

	var bobGot atomic.Int64
	bob.OnMessage(func(msg *envelope.Message, _ string) {
		if !msg.IsAck() {
			bobGot.Add(1)
		}
	})

	results, err := alice.Send(context.Background(), bob.SelfMagnet(), "hello bob")
	require.NoError(t, err)
	require.Len(t, results, 2)

	ctx := context.Background()
	sent, err := stA.ListAllMessages(ctx, 10)
	require.NoError(t, err)
	var uuid string
	for _, m := range sent {
		if m.Type == envelope.TypeMessage {
			uuid = m.UUID
		}
	}
	require.NotEmpty(t, uuid)
	require.Eventually(t, func() bool {
		// Bob: one unique message, two receipts. Alice: the ack stored with
		// two receipts, and the transport it arrived on first proven working.
		rb, err := stB.ReceiptsFor(ctx, uuid)
		if err != nil || len(rb) != 2 {
			return false
		}
		msgsA, err := stA.ListAllMessages(ctx, 10)
		if err != nil {
			return false
		}
		ackReceipts := 0
		for _, m := range msgsA {
			if m.Type == envelope.TypeAcknowledgment {
				ackReceipts = m.Receipts
			}
		}
		if ackReceipts != 2 {
			return false
		}
		prefs, err := stA.PeerPreferences(ctx, bob.SelfMagnet())
		if err != nil {
			return false
		}
		for _, p := range prefs {
			if p.IsWorking {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, int64(1), bobGot.Load(), "bob sees the message once")

	msgsA, err := stA.ListAllMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgsA, 2, "alice holds her message and bob's ack")
}

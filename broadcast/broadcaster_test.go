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
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/store"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// fakeTransport is a scriptable in-memory driver.
type fakeTransport struct {
	name    string
	initErr error
	sendErr error

	mu      sync.Mutex
	sent    [][]byte
	handler transport.InboundHandler
	inited  bool
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Init(context.Context, *identity.Identity, transport.Config) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.mu.Lock()
	f.inited = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, _ *identity.Identity, payload []byte) transport.Result {
	if f.sendErr != nil {
		return transport.Fail(f.name, f.sendErr)
	}
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	f.mu.Unlock()
	return transport.OK(f.name, "fake")
}

func (f *fakeTransport) OnInbound(h transport.InboundHandler) { f.handler = h }
func (f *fakeTransport) Shutdown(context.Context) error       { return nil }

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inited {
		return transport.Status{Connected: 1, Total: 1}
	}
	return transport.Status{Total: 1}
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newBroadcaster(t *testing.T, transports ...transport.Transport) (*Broadcaster, *identity.Identity, *store.Store) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	st := newTestStore(t)
	b := New(id, st, transport.Config{}, transports...)
	b.Initialize(context.Background())
	t.Cleanup(b.Shutdown)
	return b, id, st
}

func fiveFakes() []*fakeTransport {
	names := []string{"xmtp", "nostr", "mqtt", "waku", "iroh"}
	fakes := make([]*fakeTransport, len(names))
	for i, n := range names {
		fakes[i] = &fakeTransport{name: n}
	}
	return fakes
}

func asTransports(fakes []*fakeTransport) []transport.Transport {
	out := make([]transport.Transport, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestSendFanOut(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)

	results, err := b.Send(context.Background(), peer.Encode(), "hi")
	require.NoError(t, err)
	require.Len(t, results, 5, "one result per initialized driver")

	seen := map[string]bool{}
	for _, res := range results {
		require.True(t, res.Success, res.Transport)
		require.GreaterOrEqual(t, res.LatencyMs, int64(0))
		seen[res.Transport] = true
	}
	require.Len(t, seen, 5)

	// Every driver saw the same serialized envelope exactly once.
	for _, f := range fakes {
		require.Equal(t, 1, f.sentCount(), f.name)
	}

	// One message row and five aggregate rows.
	msgs, err := st.ListAllMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	stats, err := st.AllStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 5)
	for _, s := range stats {
		require.Equal(t, int64(1), s.TotalSent)
		require.LessOrEqual(t, s.TotalAcked, s.TotalSent)
	}
}

func TestSendInvalidRecipient(t *testing.T) {
	fakes := fiveFakes()
	b, _, st := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)
	// Strip the required ed25519 parameter.
	broken := strings.Replace(peer.Encode(), "ed25519pub", "ed25519zzz", 1)

	results, err := b.Send(context.Background(), broken, "hi")
	require.ErrorIs(t, err, ErrInvalidRecipient)
	require.Nil(t, results)

	for _, f := range fakes {
		require.Zero(t, f.sentCount(), "no driver may be contacted on a bad magnet")
	}
	msgs, err := st.ListAllMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, msgs, "store must stay untouched")
}

func TestPartialInitFailure(t *testing.T) {
	fakes := fiveFakes()
	fakes[0].initErr = errors.New("wallet backend down")
	fakes[3].initErr = errors.New("no bootstrap peer")
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)
	results, err := b.Send(context.Background(), peer.Encode(), "hi")
	require.NoError(t, err)
	require.Len(t, results, 3, "uninitialized drivers are absent, not failed")
}

func TestAllTransportsDown(t *testing.T) {
	fakes := fiveFakes()
	for _, f := range fakes {
		f.initErr = errors.New("offline")
	}
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)
	results, err := b.Send(context.Background(), peer.Encode(), "hi")
	require.NoError(t, err, "zero transports is no delivery path, not an error")
	require.Empty(t, results)
}

func TestSendFailuresSurfaceKinds(t *testing.T) {
	fakes := fiveFakes()
	fakes[1].sendErr = context.DeadlineExceeded
	fakes[4].sendErr = transport.ErrSelfSend
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	peer, err := identity.Generate()
	require.NoError(t, err)
	results, err := b.Send(context.Background(), peer.Encode(), "hi")
	require.NoError(t, err)
	require.Len(t, results, 5)

	kinds := map[string]transport.ErrorKind{}
	for _, res := range results {
		kinds[res.Transport] = res.Kind
	}
	require.Equal(t, transport.KindTimeout, kinds["nostr"])
	require.Equal(t, transport.KindSelf, kinds["iroh"])
	require.Equal(t, transport.KindNone, kinds["mqtt"])
}

func TestStatusAggregation(t *testing.T) {
	fakes := fiveFakes()
	fakes[2].initErr = errors.New("offline")
	b, _, _ := newBroadcaster(t, asTransports(fakes)...)

	status := b.Status()
	require.Len(t, status, 5)
	require.Equal(t, 1, status["nostr"].Connected)
	require.Equal(t, 0, status["mqtt"].Connected)
}

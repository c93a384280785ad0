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

// Package waku implements the peer-to-peer pub/sub mesh transport on a
// gossipsub overlay. Each recipient owns a content topic derived from its
// generic hex identifier; content topics map onto a small fixed set of shard
// meshes and receivers filter frames by content topic. Delivery is
// best-effort gossip between whoever is subscribed.
package waku

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/transport"
)

const (
	bootstrapTimeout = 10 * time.Second
	meshWaitTimeout  = 5 * time.Second
	meshPollPeriod   = 100 * time.Millisecond
)

// Driver is the pub/sub mesh transport.
type Driver struct {
	logger log.Logger

	selfContentTopic string
	bootstrap        []string

	host host.Host
	ps   *pubsub.PubSub
	sub  *pubsub.Subscription

	mu     sync.Mutex
	topics map[string]*pubsub.Topic // shard topic -> joined handle

	handler     transport.InboundHandler
	initialized bool

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an unconnected driver.
func New() *Driver {
	return &Driver{
		logger: log.New("transport", identity.ProtocolWaku),
		topics: make(map[string]*pubsub.Topic),
		quit:   make(chan struct{}),
	}
}

// Name implements transport.Transport.
func (d *Driver) Name() string { return identity.ProtocolWaku }

// OnInbound implements transport.Transport.
func (d *Driver) OnInbound(handler transport.InboundHandler) { d.handler = handler }

// Status reports mesh peers on our own shard against the bootstrap set size.
func (d *Driver) Status() transport.Status {
	if !d.initialized {
		return transport.Status{Total: len(d.bootstrap)}
	}
	return transport.Status{
		Connected: len(d.host.Network().Peers()),
		Total:     len(d.bootstrap),
	}
}

// HostAddrs returns the dialable multiaddrs of the local mesh node.
func (d *Driver) HostAddrs() []string {
	if d.host == nil {
		return nil
	}
	var out []string
	for _, a := range d.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, d.host.ID()))
	}
	return out
}

// Init brings up the libp2p host keyed by the identity's ed25519 key, joins
// the gossipsub overlay, subscribes to our own shard and connects to the
// bootstrap peers. With bootstrap peers configured, at least one of them must
// be reachable before the driver declares ready.
func (d *Driver) Init(ctx context.Context, id *identity.Identity, cfg transport.Config) error {
	if !id.HasPrivateKeys() {
		return errors.New("waku: identity has no private keys")
	}
	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.Ed25519())
	if err != nil {
		return fmt.Errorf("waku: host key: %w", err)
	}
	listenAddr := cfg.WakuListenAddr
	if listenAddr == "" {
		listenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return fmt.Errorf("waku: host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		h.Close()
		return fmt.Errorf("waku: gossipsub: %w", err)
	}
	d.host, d.ps = h, ps
	d.bootstrap = cfg.WakuBootstrapPeers
	d.selfContentTopic = ContentTopic(id.PubsubID())

	selfShard := ShardTopic(d.selfContentTopic)
	topic, err := d.join(selfShard)
	if err != nil {
		h.Close()
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return fmt.Errorf("waku: subscribe %s: %w", selfShard, err)
	}
	d.sub = sub

	if err := d.connectBootstrap(ctx); err != nil {
		sub.Cancel()
		h.Close()
		return err
	}
	d.initialized = true

	d.wg.Add(1)
	go d.consume(sub)
	d.logger.Debug("Mesh node up", "peer", h.ID(), "shard", selfShard)
	return nil
}

// connectBootstrap dials the configured entry peers concurrently. A driver
// without bootstrap peers is a standalone mesh node and is allowed; with
// peers configured, all of them failing is an init error.
func (d *Driver) connectBootstrap(ctx context.Context) error {
	if len(d.bootstrap) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	var wg sync.WaitGroup
	connected := make(chan struct{}, len(d.bootstrap))
	for _, addr := range d.bootstrap {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			maddr, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				d.logger.Warn("Bad bootstrap peer", "addr", addr, "err", err)
				return
			}
			info, err := peer.AddrInfoFromP2pAddr(maddr)
			if err != nil {
				d.logger.Warn("Bootstrap peer lacks a p2p component", "addr", addr, "err", err)
				return
			}
			if err := d.host.Connect(ctx, *info); err != nil {
				d.logger.Debug("Bootstrap dial failed", "addr", addr, "err", err)
				return
			}
			connected <- struct{}{}
		}(addr)
	}
	wg.Wait()
	close(connected)
	if len(connected) == 0 {
		return errors.New("waku: no bootstrap peer reachable")
	}
	return nil
}

// consume pumps the own-shard subscription, filtering frames addressed to our
// content topic. Frames published by ourselves are skipped.
func (d *Driver) consume(sub *pubsub.Subscription) {
	defer d.wg.Done()
	for {
		msg, err := sub.Next(context.Background())
		if err != nil {
			select {
			case <-d.quit:
			default:
				d.logger.Warn("Mesh subscription ended", "err", err)
			}
			return
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}
		frame, err := decodeFrame(msg.Data)
		if err != nil {
			d.logger.Debug("Undecodable mesh frame dropped", "from", msg.ReceivedFrom, "err", err)
			continue
		}
		if frame.ContentTopic != d.selfContentTopic {
			continue
		}
		if d.handler != nil {
			d.handler(frame.Payload, msg.ReceivedFrom.String())
		}
	}
}

// Send publishes the payload on the recipient's shard, waiting briefly for
// the mesh to know at least one subscriber of that shard.
func (d *Driver) Send(ctx context.Context, to *identity.Identity, payload []byte) transport.Result {
	if !d.initialized {
		return transport.Fail(d.Name(), transport.ErrNotInitialized)
	}
	contentTopic := ContentTopic(to.PubsubID())
	topic, err := d.join(ShardTopic(contentTopic))
	if err != nil {
		return transport.Fail(d.Name(), err)
	}

	peers, err := d.waitForMesh(ctx, topic)
	if err != nil {
		return transport.Result{
			Transport: d.Name(),
			Detail:    err.Error(),
			Kind:      transport.KindUnreachable,
		}
	}
	if err := topic.Publish(ctx, encodeFrame(contentTopic, payload)); err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("publish: %w", err))
	}
	return transport.OK(d.Name(), fmt.Sprintf("gossiped to %d mesh peers", peers))
}

// waitForMesh blocks until the shard has known subscribers or the wait budget
// runs out. Gossipsub learns subscriptions from its peers asynchronously, so
// right after joining a topic the peer list can be briefly empty.
func (d *Driver) waitForMesh(ctx context.Context, topic *pubsub.Topic) (int, error) {
	deadline := time.Now().Add(meshWaitTimeout)
	for {
		if n := len(topic.ListPeers()); n > 0 {
			return n, nil
		}
		if time.Now().After(deadline) {
			return 0, errors.New("no mesh peers for shard")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-d.quit:
			return 0, errors.New("shutting down")
		case <-time.After(meshPollPeriod):
		}
	}
}

// join returns the cached topic handle, joining on first use. Pubsub allows a
// single join per topic per host, so the cache is load-bearing.
func (d *Driver) join(shardTopic string) (*pubsub.Topic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if topic, ok := d.topics[shardTopic]; ok {
		return topic, nil
	}
	topic, err := d.ps.Join(shardTopic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", shardTopic, err)
	}
	d.topics[shardTopic] = topic
	return topic, nil
}

// Shutdown cancels the subscription and closes the host. Idempotent.
func (d *Driver) Shutdown(ctx context.Context) error {
	var err error
	d.quitOnce.Do(func() {
		close(d.quit)
		if d.sub != nil {
			d.sub.Cancel()
		}
		if d.host != nil {
			err = d.host.Close()
		}
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

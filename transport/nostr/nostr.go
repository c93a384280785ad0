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

// Package nostr implements the signed-event relay transport. Payloads travel
// as NIP-04 encrypted kind-4 events published to every connected relay of a
// pool; one accepting relay is enough for a send to count. Dropped relays
// leave the pool and are redialed on a fixed period.
package nostr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/params"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// connectTimeout bounds a single relay dial.
const connectTimeout = 10 * time.Second

// Driver is the Nostr transport. The address of an identity on this network
// is its 32-byte secp256k1 x-coordinate in hex.
type Driver struct {
	logger log.Logger

	sk   string // secp256k1 private key, hex
	pk   string // x-only public key, hex
	urls []string

	mu     sync.Mutex
	relays map[string]*gonostr.Relay

	handler     transport.InboundHandler
	initialized bool

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an unconnected driver.
func New() *Driver {
	return &Driver{
		logger: log.New("transport", identity.ProtocolNostr),
		relays: make(map[string]*gonostr.Relay),
		quit:   make(chan struct{}),
	}
}

// Name implements transport.Transport.
func (d *Driver) Name() string { return identity.ProtocolNostr }

// OnInbound implements transport.Transport.
func (d *Driver) OnInbound(handler transport.InboundHandler) { d.handler = handler }

// Status reports connected relays out of the configured pool.
func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return transport.Status{Connected: len(d.relays), Total: len(d.urls)}
}

// Init dials every configured relay concurrently and subscribes for inbound
// direct messages. At least one relay must come up; the others keep redialing
// in the background.
func (d *Driver) Init(ctx context.Context, id *identity.Identity, cfg transport.Config) error {
	if !id.HasPrivateKeys() {
		return errors.New("nostr: identity has no private keys")
	}
	d.sk = hex.EncodeToString(crypto.FromECDSA(id.Secp256k1()))
	d.pk = id.NostrPublicKey()
	d.urls = cfg.NostrRelays
	if len(d.urls) == 0 {
		d.urls = params.DefaultNostrRelays
	}

	ready := make(chan string, len(d.urls))
	for _, url := range d.urls {
		d.wg.Add(1)
		go d.manageRelay(url, ready)
	}

	select {
	case url := <-ready:
		d.logger.Debug("Relay pool ready", "first", url, "pool", len(d.urls))
	case <-time.After(connectTimeout):
		d.shutdown()
		return errors.New("nostr: no relay reachable")
	case <-ctx.Done():
		d.shutdown()
		return ctx.Err()
	}
	d.initialized = true
	return nil
}

// manageRelay keeps one relay connected: dial, subscribe, pump events until
// the connection drops, then wait out the reconnect period and start over.
func (d *Driver) manageRelay(url string, ready chan<- string) {
	defer d.wg.Done()
	for {
		dialCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		relay, err := gonostr.RelayConnect(dialCtx, url)
		cancel()
		if err != nil {
			d.logger.Debug("Relay dial failed", "url", url, "err", err)
		} else {
			d.addRelay(url, relay)
			select {
			case ready <- url:
			default:
			}
			d.consume(relay, url)
			d.removeRelay(url)
			d.logger.Debug("Relay connection lost", "url", url)
		}
		select {
		case <-d.quit:
			return
		case <-time.After(params.NostrReconnectPeriod):
		}
	}
}

// consume subscribes to kind-4 events addressed to us and dispatches every
// decryptable payload, tagged with the relay it arrived through. It returns
// when the relay drops or the driver shuts down.
func (d *Driver) consume(relay *gonostr.Relay, url string) {
	since := gonostr.Now()
	sub, err := relay.Subscribe(context.Background(), gonostr.Filters{{
		Kinds: []int{gonostr.KindEncryptedDirectMessage},
		Tags:  gonostr.TagMap{"p": []string{d.pk}},
		Since: &since,
	}})
	if err != nil {
		d.logger.Warn("Relay subscription failed", "url", url, "err", err)
		relay.Close()
		return
	}
	defer sub.Unsub()

	for {
		select {
		case <-d.quit:
			relay.Close()
			return
		case <-relay.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			plain, err := d.decrypt(ev.PubKey, ev.Content)
			if err != nil {
				d.logger.Debug("Undecryptable event dropped", "url", url, "from", ev.PubKey, "err", err)
				continue
			}
			if d.handler != nil {
				d.handler(plain, url)
			}
		}
	}
}

// Send NIP-04 encrypts the payload for the recipient, signs a kind-4 event
// and publishes it to every connected relay. One accepting relay is success.
func (d *Driver) Send(ctx context.Context, to *identity.Identity, payload []byte) transport.Result {
	if !d.initialized {
		return transport.Fail(d.Name(), transport.ErrNotInitialized)
	}
	ev, err := d.buildEvent(to.NostrPublicKey(), payload)
	if err != nil {
		return transport.Fail(d.Name(), err)
	}

	relays := d.snapshot()
	if len(relays) == 0 {
		return transport.Result{
			Transport: d.Name(),
			Detail:    "no connected relays",
			Kind:      transport.KindUnreachable,
		}
	}

	type outcome struct {
		url string
		err error
	}
	results := make(chan outcome, len(relays))
	for url, relay := range relays {
		go func(url string, relay *gonostr.Relay) {
			results <- outcome{url, relay.Publish(ctx, *ev)}
		}(url, relay)
	}

	var published int
	var lastErr error
	for range relays {
		out := <-results
		if out.err != nil {
			lastErr = out.err
			d.logger.Debug("Relay publish failed", "url", out.url, "err", out.err)
			continue
		}
		published++
	}
	if published == 0 {
		return transport.Fail(d.Name(), fmt.Errorf("all relays rejected event: %w", lastErr))
	}
	return transport.OK(d.Name(), fmt.Sprintf("%d/%d relays", published, len(relays)))
}

// buildEvent assembles and signs the kind-4 event for one recipient.
func (d *Driver) buildEvent(recipient string, payload []byte) (*gonostr.Event, error) {
	shared, err := nip04.ComputeSharedSecret(recipient, d.sk)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(string(payload), shared)
	if err != nil {
		return nil, fmt.Errorf("nip04 encrypt: %w", err)
	}
	ev := &gonostr.Event{
		PubKey:    d.pk,
		CreatedAt: gonostr.Now(),
		Kind:      gonostr.KindEncryptedDirectMessage,
		Tags:      gonostr.Tags{{"p", recipient}},
		Content:   ciphertext,
	}
	if err := ev.Sign(d.sk); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// decrypt recovers the payload of an inbound event using the sender's key.
func (d *Driver) decrypt(senderPubkey, content string) ([]byte, error) {
	shared, err := nip04.ComputeSharedSecret(senderPubkey, d.sk)
	if err != nil {
		return nil, err
	}
	plain, err := nip04.Decrypt(content, shared)
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// Shutdown implements transport.Transport. Safe to call more than once.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.shutdown()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) shutdown() {
	d.quitOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		for _, relay := range d.relays {
			relay.Close()
		}
		d.mu.Unlock()
	})
}

func (d *Driver) addRelay(url string, relay *gonostr.Relay) {
	d.mu.Lock()
	d.relays[url] = relay
	d.mu.Unlock()
}

func (d *Driver) removeRelay(url string) {
	d.mu.Lock()
	delete(d.relays, url)
	d.mu.Unlock()
}

func (d *Driver) snapshot() map[string]*gonostr.Relay {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*gonostr.Relay, len(d.relays))
	for url, relay := range d.relays {
		out[url] = relay
	}
	return out
}

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

// Package xmtp implements the wallet-keyed encrypted DM transport. An
// identity's address on this network is its Ethereum address; conversations
// are keyed by the peer's address and reused across sends. The driver owns a
// process-local encrypted inbox database whose key derives deterministically
// from the wallet key, so the same identity finds the same inbox across
// restarts.
//
// The wire client itself is pluggable: the driver carries the addressing,
// key-derivation, conversation-cache and stream-consumption logic, and binds
// to any Client implementation at construction time.
package xmtp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// Client is the wire-client seam. Implementations wrap a concrete XMTP
// binding; tests use a fake.
type Client interface {
	// Conversation opens or resumes the DM conversation with a peer address.
	Conversation(ctx context.Context, peerAddress string) (Conversation, error)
	// Stream returns the stream of all direct messages for this identity.
	Stream(ctx context.Context) (MessageStream, error)
	// Close releases the client and its local database.
	Close() error
}

// Conversation is one DM thread.
type Conversation interface {
	Send(ctx context.Context, payload []byte) error
}

// MessageStream yields inbound DMs until closed.
type MessageStream interface {
	Next(ctx context.Context) (InboundDM, error)
	Close() error
}

// InboundDM is one received direct message.
type InboundDM struct {
	SenderAddress string
	Payload       []byte
}

// Options configures a Client binding.
type Options struct {
	Env           string // dev, production or local
	DBPath        string // local encrypted inbox database file
	EncryptionKey [32]byte
	WalletKeyHex  string // secp256k1 private key driving the wallet signature
}

// ClientFactory builds the wire client during Init.
type ClientFactory func(ctx context.Context, opts Options) (Client, error)

// DeriveEncryptionKey computes the inbox database key. The derivation rule is
// load-bearing: changing it orphans every previously written inbox.
func DeriveEncryptionKey(ethAddress, privKeyHex string) [32]byte {
	return sha256.Sum256([]byte("xmtp-encryption-" + ethAddress + "-" + privKeyHex))
}

// Driver is the wallet-keyed DM transport.
type Driver struct {
	logger  log.Logger
	factory ClientFactory

	selfAddress string
	client      Client

	mu            sync.Mutex
	conversations map[string]Conversation

	handler     transport.InboundHandler
	initialized bool

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a driver bound to the given wire-client factory.
func New(factory ClientFactory) *Driver {
	return &Driver{
		logger:        log.New("transport", identity.ProtocolXMTP),
		factory:       factory,
		conversations: make(map[string]Conversation),
		quit:          make(chan struct{}),
	}
}

// Name implements transport.Transport.
func (d *Driver) Name() string { return identity.ProtocolXMTP }

// OnInbound implements transport.Transport.
func (d *Driver) OnInbound(handler transport.InboundHandler) { d.handler = handler }

// Status reports 1/1 while the client is connected.
func (d *Driver) Status() transport.Status {
	if d.initialized {
		return transport.Status{Connected: 1, Total: 1}
	}
	return transport.Status{Connected: 0, Total: 1}
}

// Init builds the wire client with the deterministic inbox key and starts
// consuming the DM stream.
func (d *Driver) Init(ctx context.Context, id *identity.Identity, cfg transport.Config) error {
	if d.factory == nil {
		return errors.New("xmtp: no wire client linked")
	}
	if !id.HasPrivateKeys() {
		return errors.New("xmtp: identity has no private keys")
	}
	d.selfAddress = id.EthereumAddress()
	privHex := hex.EncodeToString(crypto.FromECDSA(id.Secp256k1()))

	env := cfg.XMTPEnv
	if env == "" {
		env = "production"
	}
	client, err := d.factory(ctx, Options{
		Env:           env,
		DBPath:        filepath.Join(cfg.XMTPDataDir, "xmtp-"+d.selfAddress+".db3"),
		EncryptionKey: DeriveEncryptionKey(d.selfAddress, privHex),
		WalletKeyHex:  privHex,
	})
	if err != nil {
		return fmt.Errorf("xmtp: client: %w", err)
	}
	stream, err := client.Stream(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("xmtp: dm stream: %w", err)
	}
	d.client = client
	d.initialized = true

	d.wg.Add(1)
	go d.consume(stream)
	d.logger.Debug("Inbox open", "address", d.selfAddress, "env", env)
	return nil
}

// consume pumps the DM stream until it closes. Stream closure is the
// termination signal; there is no read timeout.
func (d *Driver) consume(stream MessageStream) {
	defer d.wg.Done()
	defer stream.Close()
	for {
		dm, err := stream.Next(context.Background())
		if err != nil {
			select {
			case <-d.quit:
			default:
				d.logger.Warn("DM stream closed", "err", err)
			}
			return
		}
		if d.handler != nil {
			d.handler(dm.Payload, "")
		}
	}
}

// Send writes the raw payload into the conversation keyed by the recipient's
// Ethereum address, creating it on first use and reusing it afterwards.
func (d *Driver) Send(ctx context.Context, to *identity.Identity, payload []byte) transport.Result {
	if !d.initialized {
		return transport.Fail(d.Name(), transport.ErrNotInitialized)
	}
	conv, err := d.conversation(ctx, to.EthereumAddress())
	if err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("conversation: %w", err))
	}
	if err := conv.Send(ctx, payload); err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("send: %w", err))
	}
	return transport.OK(d.Name(), "delivered to "+to.EthereumAddress())
}

// conversation returns the cached DM thread for a peer, opening it once.
func (d *Driver) conversation(ctx context.Context, peer string) (Conversation, error) {
	d.mu.Lock()
	if conv, ok := d.conversations[peer]; ok {
		d.mu.Unlock()
		return conv, nil
	}
	d.mu.Unlock()

	conv, err := d.client.Conversation(ctx, peer)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conversations[peer] = conv
	d.mu.Unlock()
	return conv, nil
}

// Shutdown closes the client, which ends the DM stream. Idempotent.
func (d *Driver) Shutdown(ctx context.Context) error {
	var err error
	d.quitOnce.Do(func() {
		close(d.quit)
		if d.client != nil {
			err = d.client.Close()
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

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

// Package iroh implements the direct peer-to-peer bi-stream transport. An
// identity's address is its ed25519 public key; the QUIC certificate of a
// peer is verified against exactly that key, so the dialed relay address
// needs no trust of its own. One message travels per stream: the sender
// writes the payload and half-closes, the listener reads up to the payload
// cap, acknowledges and closes.
package iroh

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/quic-go/quic-go"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/params"
	"github.com/broadcast-dm/go-broadcast/transport"
)

// streamAck is written back on every accepted stream.
var streamAck = []byte("ACK: Received")

// dialTimeout bounds one connect + stream write round.
const dialTimeout = 10 * time.Second

// Driver is the direct bi-stream transport.
type Driver struct {
	logger log.Logger

	nodeID      string // own ed25519 public key, hex
	relayURL    string // dial target advertised to peers
	key         ed25519.PrivateKey
	readTimeout time.Duration // budget for one inbound payload read

	listener *quic.Listener

	handler     transport.InboundHandler
	initialized bool

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an unconnected driver.
func New() *Driver {
	return &Driver{
		logger:      log.New("transport", identity.ProtocolIroh),
		readTimeout: dialTimeout,
		quit:        make(chan struct{}),
	}
}

// Name implements transport.Transport.
func (d *Driver) Name() string { return identity.ProtocolIroh }

// OnInbound implements transport.Transport.
func (d *Driver) OnInbound(handler transport.InboundHandler) { d.handler = handler }

// Status reports 1/1 while the listener is up.
func (d *Driver) Status() transport.Status {
	if d.initialized {
		return transport.Status{Connected: 1, Total: 1}
	}
	return transport.Status{Connected: 0, Total: 1}
}

// ListenAddr returns the bound UDP address of the listener, useful when the
// configured address had port 0.
func (d *Driver) ListenAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Init starts the QUIC listener with a certificate bound to the identity's
// ed25519 key and begins accepting streams.
func (d *Driver) Init(ctx context.Context, id *identity.Identity, cfg transport.Config) error {
	if !id.HasPrivateKeys() {
		return errors.New("iroh: identity has no private keys")
	}
	d.nodeID = id.NodeID()
	d.relayURL = cfg.IrohRelayURL
	d.key = id.Ed25519()

	cert, err := selfSignedCert(d.key)
	if err != nil {
		return fmt.Errorf("iroh: certificate: %w", err)
	}
	addr := cfg.IrohListenAddr
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	listener, err := quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{params.IrohALPN},
	}, nil)
	if err != nil {
		return fmt.Errorf("iroh: listen %s: %w", addr, err)
	}
	d.listener = listener
	d.initialized = true

	d.wg.Add(1)
	go d.acceptLoop()
	d.logger.Debug("Listener up", "addr", listener.Addr(), "node", d.nodeID[:8])
	return nil
}

// acceptLoop hands every inbound connection to its own goroutine.
func (d *Driver) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-d.quit:
			default:
				d.logger.Warn("Listener accept failed", "err", err)
			}
			return
		}
		d.wg.Add(1)
		go d.handleConn(conn)
	}
}

// handleConn serves one connection: a single bidirectional stream, one
// payload capped at IrohMaxPayload, one ack. Oversized payloads are truncated
// at the cap; the sender still completes.
func (d *Driver) handleConn(conn quic.Connection) {
	defer d.wg.Done()
	defer conn.CloseWithError(0, "")

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		d.logger.Debug("Stream accept failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	// A peer that never half-closes must not park this goroutine forever.
	stream.SetReadDeadline(time.Now().Add(d.readTimeout))
	payload, err := io.ReadAll(io.LimitReader(stream, params.IrohMaxPayload))
	if err != nil {
		d.logger.Debug("Stream read failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	if d.handler != nil && len(payload) > 0 {
		d.handler(payload, conn.RemoteAddr().String())
	}
	if _, err := stream.Write(streamAck); err != nil {
		d.logger.Debug("Stream ack failed", "remote", conn.RemoteAddr(), "err", err)
	}
	stream.Close()
}

// Send dials the peer's relay address, verifies that the presented
// certificate is bound to the recipient's node id, writes the payload on a
// fresh stream and half-closes. Sending to our own node id fails fast.
func (d *Driver) Send(ctx context.Context, to *identity.Identity, payload []byte) transport.Result {
	if !d.initialized {
		return transport.Fail(d.Name(), transport.ErrNotInitialized)
	}
	target := to.NodeID()
	if target == d.nodeID {
		return transport.Fail(d.Name(), transport.ErrSelfSend)
	}
	if d.relayURL == "" {
		return transport.Fail(d.Name(), errors.New("no relay url configured"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, d.relayURL, &tls.Config{
		InsecureSkipVerify:    true, // replaced by the node-id pin below
		VerifyPeerCertificate: verifyNodeID(target),
		NextProtos:            []string{params.IrohALPN},
	}, nil)
	if err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("dial %s: %w", d.relayURL, err))
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("open stream: %w", err))
	}
	if _, err := stream.Write(payload); err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("write payload: %w", err))
	}
	// Half-close the send side; the ack (or its absence) is informational.
	if err := stream.Close(); err != nil {
		return transport.Fail(d.Name(), fmt.Errorf("close stream: %w", err))
	}
	ackBuf := make([]byte, len(streamAck))
	if _, err := io.ReadFull(stream, ackBuf); err == nil {
		return transport.OK(d.Name(), "delivered, acked")
	}
	return transport.OK(d.Name(), "delivered")
}

// Shutdown closes the listener and waits for in-flight streams.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.quitOnce.Do(func() {
		close(d.quit)
		if d.listener != nil {
			d.listener.Close()
		}
	})
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

// verifyNodeID pins the peer certificate to one ed25519 public key. This is
// the whole trust model of the transport: whoever holds the key is the node,
// no certificate authority involved.
func verifyNodeID(nodeID string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("peer certificate is not ed25519")
		}
		if hex.EncodeToString(pub) != nodeID {
			return errors.New("peer certificate does not match node id")
		}
		return nil
	}
}

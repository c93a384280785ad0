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

// Package transport defines the uniform contract every network driver
// implements. The broadcaster is polymorphic over this interface: a new
// transport plugs in without touching the fan-out logic.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/broadcast-dm/go-broadcast/identity"
)

// ErrorKind classifies a failed send. The broadcaster uses the kind to pick a
// log severity; it never retries at this layer.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindTimeout        ErrorKind = "timeout"
	KindUnreachable    ErrorKind = "unreachable"
	KindAuth           ErrorKind = "auth"
	KindProtocol       ErrorKind = "protocol"
	KindSelf           ErrorKind = "self"
	KindNotInitialized ErrorKind = "notInitialized"
)

// ErrNotInitialized is returned by Send on a driver whose Init never ran or
// failed.
var ErrNotInitialized = errors.New("transport not initialized")

// ErrSelfSend is returned by drivers that can detect a send addressed to the
// local node before touching the network.
var ErrSelfSend = errors.New("refusing to send to self")

// Result is the outcome of one driver's send attempt. Send never panics and
// never returns an error; everything the caller needs is in here.
type Result struct {
	Transport string    // driver name
	Success   bool      // at least one copy handed to the network
	LatencyMs int64     // wall time of the attempt, caller-measured for fan-out
	Detail    string    // human-readable outcome ("2/3 brokers", error text)
	Kind      ErrorKind // failure classification, KindNone on success
}

// Status reports a driver's connectivity as k connected out of n endpoints.
type Status struct {
	Connected int
	Total     int
}

// InboundHandler consumes one raw payload received from the network. server
// names the relay/broker/node the copy came through when the transport has
// that notion, otherwise it is empty.
type InboundHandler func(payload []byte, server string)

// Config carries every driver's settings. Drivers read only their own fields.
type Config struct {
	XMTPEnabled  bool
	NostrEnabled bool
	MQTTEnabled  bool
	WakuEnabled  bool
	IrohEnabled  bool

	XMTPEnv     string // dev, production or local
	XMTPDataDir string // directory of the local encrypted inbox database

	NostrRelays []string
	MQTTBrokers []string

	WakuBootstrapPeers []string // multiaddrs of the mesh entry points
	WakuListenAddr     string

	IrohListenAddr string // UDP addr of the local QUIC endpoint
	IrohRelayURL   string // dial target handed to peers
}

// Transport is the uniform Send/Listen/Shutdown contract over one network.
type Transport interface {
	// Init connects, authenticates and subscribes for inbound traffic. A
	// driver may declare partial success (e.g. one broker of three).
	Init(ctx context.Context, id *identity.Identity, cfg Config) error

	// Send delivers payload to the recipient's address on this network. It
	// never returns an error; failures are classified inside the Result.
	Send(ctx context.Context, to *identity.Identity, payload []byte) Result

	// OnInbound registers the single inbound callback. It must be called
	// before Init so no early traffic is lost.
	OnInbound(handler InboundHandler)

	// Shutdown terminates the listen loops. Idempotent and best-effort.
	Shutdown(ctx context.Context) error

	// Name returns the stable protocol name used in store rows and results.
	Name() string

	// Status reports current connectivity.
	Status() Status
}

// Classify maps an error to its Result kind using the driver-level taxonomy.
// Drivers with sharper knowledge set kinds directly and skip this.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, ErrSelfSend):
		return KindSelf
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return KindAuth
	case strings.Contains(msg, "refused") || strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "no route") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection reset"):
		return KindUnreachable
	default:
		return KindProtocol
	}
}

// Fail builds a failed Result for name from err.
func Fail(name string, err error) Result {
	return Result{Transport: name, Detail: err.Error(), Kind: Classify(err)}
}

// OK builds a successful Result for name.
func OK(name, detail string) Result {
	return Result{Transport: name, Success: true, Detail: detail}
}

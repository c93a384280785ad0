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

// Package identity implements the unified cryptographic identity shared by all
// transport drivers. An identity bundles a secp256k1 keypair and an ed25519
// keypair; every transport address is a deterministic view over the two public
// keys. Identities travel between users as single-line magnet links.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Transport protocol names. Drivers report these via Name() and the store
// keys its per-protocol rows on them.
const (
	ProtocolXMTP  = "xmtp"
	ProtocolNostr = "nostr"
	ProtocolMQTT  = "mqtt"
	ProtocolWaku  = "waku"
	ProtocolIroh  = "iroh"
)

// Protocols lists every known transport, in broadcast order.
var Protocols = []string{ProtocolXMTP, ProtocolNostr, ProtocolMQTT, ProtocolWaku, ProtocolIroh}

// KnownProtocol reports whether name is one of the transport protocols.
func KnownProtocol(name string) bool {
	for _, p := range Protocols {
		if p == name {
			return true
		}
	}
	return false
}

// Identity is the unified identity used as an address on all transports. The
// private halves are nil for identities decoded from a magnet link; such
// identities can address a remote peer but cannot sign or decrypt.
type Identity struct {
	secpPriv *ecdsa.PrivateKey
	secpPub  *ecdsa.PublicKey
	edPriv   ed25519.PrivateKey
	edPub    ed25519.PublicKey
}

// Generate creates a fresh identity with both keypairs.
func Generate() (*Identity, error) {
	secp, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("secp256k1 keygen: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 keygen: %w", err)
	}
	return &Identity{
		secpPriv: secp,
		secpPub:  &secp.PublicKey,
		edPriv:   edPriv,
		edPub:    edPub,
	}, nil
}

// FromPrivateKeys reconstructs a full identity from the hex forms of the
// secp256k1 private key and the 32-byte ed25519 seed. It is the inverse of
// PrivateKeysHex and exists for profile stores that persist identities.
func FromPrivateKeys(secpHex, edSeedHex string) (*Identity, error) {
	secpBytes, err := hex.DecodeString(secpHex)
	if err != nil {
		return nil, fmt.Errorf("secp256k1 key: %w", err)
	}
	secp, err := crypto.ToECDSA(secpBytes)
	if err != nil {
		return nil, fmt.Errorf("secp256k1 key: %w", err)
	}
	seed, err := hex.DecodeString(edSeedHex)
	if err != nil {
		return nil, fmt.Errorf("ed25519 seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed: want %d bytes, have %d", ed25519.SeedSize, len(seed))
	}
	edPriv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		secpPriv: secp,
		secpPub:  &secp.PublicKey,
		edPriv:   edPriv,
		edPub:    edPriv.Public().(ed25519.PublicKey),
	}, nil
}

// PrivateKeysHex returns the hex forms of the secp256k1 private key and the
// ed25519 seed. It panics on a public-only identity.
func (id *Identity) PrivateKeysHex() (secpHex, edSeedHex string) {
	if id.secpPriv == nil || id.edPriv == nil {
		panic("identity: exporting private keys of a public-only identity")
	}
	return hex.EncodeToString(crypto.FromECDSA(id.secpPriv)),
		hex.EncodeToString(id.edPriv.Seed())
}

// HasPrivateKeys reports whether the identity can sign and decrypt, i.e.
// whether it is a local identity rather than one decoded from a magnet link.
func (id *Identity) HasPrivateKeys() bool {
	return id.secpPriv != nil && id.edPriv != nil
}

// Secp256k1 returns the secp256k1 private key, or nil for a public-only
// identity.
func (id *Identity) Secp256k1() *ecdsa.PrivateKey { return id.secpPriv }

// Ed25519 returns the ed25519 private key, or nil for a public-only identity.
func (id *Identity) Ed25519() ed25519.PrivateKey { return id.edPriv }

// Ed25519Public returns the ed25519 public key.
func (id *Identity) Ed25519Public() ed25519.PublicKey { return id.edPub }

// EthereumAddress returns the lowercase 0x-prefixed hex address derived from
// the secp256k1 public key (keccak256 of the uncompressed key minus the lead
// byte, last 20 bytes).
func (id *Identity) EthereumAddress() string {
	addr := crypto.PubkeyToAddress(*id.secpPub)
	return "0x" + hex.EncodeToString(addr[:])
}

// NostrPublicKey returns the 32-byte x-coordinate of the secp256k1 public key
// in hex, the schnorr-style key used on the signed-event relay network.
func (id *Identity) NostrPublicKey() string {
	return hex.EncodeToString(crypto.FromECDSAPub(id.secpPub)[1:33])
}

// PubsubID returns the generic hex identifier used by the topic-addressed
// transports: the full 65-byte uncompressed secp256k1 public key in hex.
func (id *Identity) PubsubID() string {
	return hex.EncodeToString(crypto.FromECDSAPub(id.secpPub))
}

// NodeID returns the ed25519 public key in hex, the address on the direct
// bi-stream transport.
func (id *Identity) NodeID() string {
	return hex.EncodeToString(id.edPub)
}

// AddressFor returns the identity's address on the named transport.
func (id *Identity) AddressFor(protocol string) (string, error) {
	switch protocol {
	case ProtocolXMTP:
		return id.EthereumAddress(), nil
	case ProtocolNostr:
		return id.NostrPublicKey(), nil
	case ProtocolMQTT, ProtocolWaku:
		return id.PubsubID(), nil
	case ProtocolIroh:
		return id.NodeID(), nil
	default:
		return "", fmt.Errorf("unknown transport %q", protocol)
	}
}

// Equal reports whether two identities share the same public keys.
func (id *Identity) Equal(other *Identity) bool {
	if other == nil {
		return false
	}
	return id.secpPub.Equal(other.secpPub) && id.edPub.Equal(other.edPub)
}

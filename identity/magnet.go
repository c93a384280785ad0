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

package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Magnet link parameters. The link is a single ASCII line so it survives any
// chat UI; all hex is lowercase.
const (
	magnetPrefix  = "magnet:?"
	paramExactURN = "xt"
	paramSecpPub  = "secp256k1pub"
	paramEdPub    = "ed25519pub"
	paramEth      = "eth"
	identityURN   = "urn:identity:v1"
)

// ParseError describes why a magnet link was rejected.
type ParseError struct {
	Param  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid magnet link: %s: %s", e.Param, e.Reason)
}

// Encode renders the identity as a magnet link carrying both public keys and
// the derived Ethereum address.
func (id *Identity) Encode() string {
	// The URN is emitted literally: ':' needs no escaping in a query value
	// and naive parsers on the receiving side may not unescape.
	var b strings.Builder
	b.WriteString(magnetPrefix)
	b.WriteString(paramExactURN + "=" + identityURN)
	b.WriteString("&" + paramSecpPub + "=" + id.PubsubID())
	b.WriteString("&" + paramEdPub + "=" + id.NodeID())
	b.WriteString("&" + paramEth + "=" + id.EthereumAddress())
	return b.String()
}

// Decode parses a magnet link into a public-only identity. Unknown parameters
// are tolerated; a missing required parameter, malformed hex, a wrong key
// length or an address that does not match the secp256k1 key all yield a
// *ParseError.
func Decode(link string) (*Identity, error) {
	if !strings.HasPrefix(link, magnetPrefix) {
		return nil, &ParseError{Param: "scheme", Reason: "not a magnet link"}
	}
	values, err := url.ParseQuery(strings.TrimPrefix(link, magnetPrefix))
	if err != nil {
		return nil, &ParseError{Param: "query", Reason: err.Error()}
	}
	if urn := values.Get(paramExactURN); urn != identityURN {
		return nil, &ParseError{Param: paramExactURN, Reason: fmt.Sprintf("want %q, have %q", identityURN, urn)}
	}

	secpHex := values.Get(paramSecpPub)
	if secpHex == "" {
		return nil, &ParseError{Param: paramSecpPub, Reason: "missing"}
	}
	secpBytes, err := hex.DecodeString(secpHex)
	if err != nil {
		return nil, &ParseError{Param: paramSecpPub, Reason: "malformed hex"}
	}
	if len(secpBytes) != 65 || secpBytes[0] != 0x04 {
		return nil, &ParseError{Param: paramSecpPub, Reason: "want 65-byte uncompressed key"}
	}
	secpPub, err := crypto.UnmarshalPubkey(secpBytes)
	if err != nil {
		return nil, &ParseError{Param: paramSecpPub, Reason: "not on curve"}
	}

	edHex := values.Get(paramEdPub)
	if edHex == "" {
		return nil, &ParseError{Param: paramEdPub, Reason: "missing"}
	}
	edBytes, err := hex.DecodeString(edHex)
	if err != nil {
		return nil, &ParseError{Param: paramEdPub, Reason: "malformed hex"}
	}
	if len(edBytes) != ed25519.PublicKeySize {
		return nil, &ParseError{Param: paramEdPub, Reason: fmt.Sprintf("want %d bytes, have %d", ed25519.PublicKeySize, len(edBytes))}
	}

	ethAddr := values.Get(paramEth)
	if ethAddr == "" {
		return nil, &ParseError{Param: paramEth, Reason: "missing"}
	}
	id := &Identity{
		secpPub: secpPub,
		edPub:   ed25519.PublicKey(edBytes),
	}
	if !strings.EqualFold(ethAddr, id.EthereumAddress()) {
		return nil, &ParseError{Param: paramEth, Reason: "does not match secp256k1 key"}
	}
	return id, nil
}

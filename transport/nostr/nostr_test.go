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

package nostr

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/transport"
)

func keyedDriver(t *testing.T) (*Driver, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	d := New()
	d.sk = hex.EncodeToString(crypto.FromECDSA(id.Secp256k1()))
	d.pk = id.NostrPublicKey()
	return d, id
}

func TestBuildEventShape(t *testing.T) {
	alice, _ := keyedDriver(t)
	bob, bobID := keyedDriver(t)
	_ = bob

	ev, err := alice.buildEvent(bobID.NostrPublicKey(), []byte(`{"uuid":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, gonostr.KindEncryptedDirectMessage, ev.Kind)
	require.Equal(t, alice.pk, ev.PubKey)
	require.Equal(t, []string{"p", bobID.NostrPublicKey()}, []string(ev.Tags[0]))
	require.NotContains(t, ev.Content, "u1", "payload must be encrypted")

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEventRoundTrip(t *testing.T) {
	alice, aliceID := keyedDriver(t)
	bob, _ := keyedDriver(t)

	payload := []byte(`{"uuid":"u2","type":"message","content":"hi"}`)
	ev, err := alice.buildEvent(bob.pk, payload)
	require.NoError(t, err)

	got, err := bob.decrypt(ev.PubKey, ev.Content)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// A third party cannot decrypt.
	eve, _ := keyedDriver(t)
	wrong, err := eve.decrypt(aliceID.NostrPublicKey(), ev.Content)
	if err == nil {
		require.NotEqual(t, payload, wrong)
	}
}

func TestSendBeforeInit(t *testing.T) {
	d := New()
	id, err := identity.Generate()
	require.NoError(t, err)

	res := d.Send(context.Background(), id, []byte("x"))
	require.False(t, res.Success)
	require.Equal(t, transport.KindNotInitialized, res.Kind)
	require.Equal(t, identity.ProtocolNostr, res.Transport)
}

func TestStatusEmptyPool(t *testing.T) {
	d := New()
	st := d.Status()
	require.Zero(t, st.Connected)
	require.Zero(t, st.Total)
}

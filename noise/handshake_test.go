// Copyright (C) 2025 noiseline
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package noise

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noiseline/noiseline/vault"
)

func newStaticKey(t *testing.T, v vault.Vault) vault.Handle {
	t.Helper()
	h, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	return h
}

// runFullHandshake drives all three XX messages to completion and
// returns both sides' CompletedKeyExchange.
func runFullHandshake(t *testing.T, v vault.Vault, prologue []byte) (*CompletedKeyExchange, *CompletedKeyExchange) {
	t.Helper()

	iStatic := newStaticKey(t, v)
	rStatic := newStaticKey(t, v)

	initiator, err := NewInitiator(v, iStatic, prologue)
	require.NoError(t, err)
	responder, err := NewResponder(v, rStatic, prologue)
	require.NoError(t, err)

	msg1, err := initiator.EncodeMessage1([]byte("hello responder"))
	require.NoError(t, err)
	_, err = responder.DecodeMessage1(msg1)
	require.NoError(t, err)

	msg2, err := responder.EncodeMessage2([]byte("hello initiator"))
	require.NoError(t, err)
	_, err = initiator.DecodeMessage2(msg2)
	require.NoError(t, err)

	msg3, err := initiator.EncodeMessage3([]byte("final payload"))
	require.NoError(t, err)
	_, err = responder.DecodeMessage3(msg3)
	require.NoError(t, err)

	iCompleted, err := initiator.Finalize()
	require.NoError(t, err)
	rCompleted, err := responder.Finalize()
	require.NoError(t, err)
	return iCompleted, rCompleted
}

func TestHandshakeXXFullExchange(t *testing.T) {
	v := vault.NewSoftwareVault()
	iCompleted, rCompleted := runFullHandshake(t, v, nil)

	require.Equal(t, iCompleted.H, rCompleted.H, "both sides must agree on the final transcript hash")
	require.NotZero(t, iCompleted.RemoteStaticPublicKey)
	require.NotZero(t, rCompleted.RemoteStaticPublicKey)
}

// TestHandshakeTransportKeysCross verifies the Noise Split() convention:
// the initiator's send key must be usable by the responder as its recv
// key, and vice versa.
func TestHandshakeTransportKeysCross(t *testing.T) {
	v := vault.NewSoftwareVault()
	iCompleted, rCompleted := runFullHandshake(t, v, nil)

	plaintext := []byte("ping")
	ct, err := v.AEADEncrypt(iCompleted.EncryptKey, 0, nil, plaintext)
	require.NoError(t, err)

	pt, err := v.AEADDecrypt(rCompleted.DecryptKey, 0, nil, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)

	reply := []byte("pong")
	ct2, err := v.AEADEncrypt(rCompleted.EncryptKey, 0, nil, reply)
	require.NoError(t, err)
	pt2, err := v.AEADDecrypt(iCompleted.DecryptKey, 0, nil, ct2)
	require.NoError(t, err)
	require.Equal(t, reply, pt2)
}

func TestHandshakePrologueMismatchFails(t *testing.T) {
	v := vault.NewSoftwareVault()
	iStatic := newStaticKey(t, v)
	rStatic := newStaticKey(t, v)

	initiator, err := NewInitiator(v, iStatic, []byte("app-v1"))
	require.NoError(t, err)
	responder, err := NewResponder(v, rStatic, []byte("app-v2"))
	require.NoError(t, err)

	msg1, err := initiator.EncodeMessage1(nil)
	require.NoError(t, err)
	_, err = responder.DecodeMessage1(msg1)
	require.NoError(t, err) // message 1 carries no keyed material yet

	msg2, err := responder.EncodeMessage2(nil)
	require.NoError(t, err)
	_, err = initiator.DecodeMessage2(msg2)
	require.Error(t, err, "mismatched prologues must desynchronize the transcript hash and fail decryption")
}

func TestHandshakeWrongStepRejected(t *testing.T) {
	v := vault.NewSoftwareVault()
	iStatic := newStaticKey(t, v)

	initiator, err := NewInitiator(v, iStatic, nil)
	require.NoError(t, err)

	_, err = initiator.EncodeMessage3(nil)
	require.Error(t, err)
	require.Equal(t, StepFailed, initiator.Step())

	_, err = initiator.EncodeMessage1(nil)
	require.Error(t, err, "a failed handshake must reject every further call")
}

func TestHandshakeDoubleFinalizeFails(t *testing.T) {
	v := vault.NewSoftwareVault()
	iStatic := newStaticKey(t, v)
	rStatic := newStaticKey(t, v)

	initiator, err := NewInitiator(v, iStatic, nil)
	require.NoError(t, err)
	responder, err := NewResponder(v, rStatic, nil)
	require.NoError(t, err)

	msg1, err := initiator.EncodeMessage1(nil)
	require.NoError(t, err)
	_, err = responder.DecodeMessage1(msg1)
	require.NoError(t, err)
	msg2, err := responder.EncodeMessage2(nil)
	require.NoError(t, err)
	_, err = initiator.DecodeMessage2(msg2)
	require.NoError(t, err)
	msg3, err := initiator.EncodeMessage3(nil)
	require.NoError(t, err)
	_, err = responder.DecodeMessage3(msg3)
	require.NoError(t, err)

	_, err = initiator.Finalize()
	require.NoError(t, err)

	_, err = initiator.Finalize()
	require.Error(t, err, "finalize consumes the handshake state and must not be callable twice")
}

func TestHandshakeTruncatedMessageRejected(t *testing.T) {
	v := vault.NewSoftwareVault()
	rStatic := newStaticKey(t, v)

	responder, err := NewResponder(v, rStatic, nil)
	require.NoError(t, err)

	_, err = responder.DecodeMessage1([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	require.Equal(t, StepFailed, responder.Step())
}

func TestHandshakeNoSecretLeakOnFailure(t *testing.T) {
	v := vault.NewSoftwareVault()
	rStatic := newStaticKey(t, v)

	before := v.LiveSecretCount()

	responder, err := NewResponder(v, rStatic, nil)
	require.NoError(t, err)

	_, err = responder.DecodeMessage1([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	require.Equal(t, StepFailed, responder.Step())

	require.Equal(t, before, v.LiveSecretCount(), "a handshake that fails before touching the static key must release everything it allocated (the initial chaining key)")
}

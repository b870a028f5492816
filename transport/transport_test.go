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

package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noiseline/noiseline/noise"
	"github.com/noiseline/noiseline/vault"
)

func newHandshakedPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()

	v := vault.NewSoftwareVault()
	iStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	rStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)

	initiator, err := noise.NewInitiator(v, iStatic, nil)
	require.NoError(t, err)
	responder, err := noise.NewResponder(v, rStatic, nil)
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

	iCompleted, err := initiator.Finalize()
	require.NoError(t, err)
	rCompleted, err := responder.Finalize()
	require.NoError(t, err)

	aToBReader, aToBWriter := io.Pipe()
	bToAReader, bToAWriter := io.Pipe()

	a := New(v, bToAReader, aToBWriter, iCompleted)
	b := New(v, aToBReader, bToAWriter, rCompleted)
	return a, b
}

func TestTransportSendRecvRoundTrip(t *testing.T) {
	a, b := newHandshakedPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, a.Send([]byte("hello from a")))
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello from a"), got)
	<-done
}

func TestTransportBidirectionalNoncesIndependent(t *testing.T) {
	a, b := newHandshakedPair(t)

	go func() {
		_ = a.Send([]byte("one"))
		_ = a.Send([]byte("two"))
	}()

	first, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("one"), first)
	second, err := b.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("two"), second)
	require.Equal(t, uint64(2), b.NonceIn())

	go func() {
		_ = b.Send([]byte("reply"))
	}()
	reply, err := a.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), reply)
	require.Equal(t, uint64(2), a.NonceOut())
	require.Equal(t, uint64(1), b.NonceOut())
}

func TestTransportOversizedPayloadRejected(t *testing.T) {
	a, _ := newHandshakedPair(t)
	oversized := make([]byte, MaxPlaintextSize+1)
	err := a.Send(oversized)
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, KindInvalidArgument, terr.Kind)
}

func TestTransportCloseRejectsFurtherUse(t *testing.T) {
	a, _ := newHandshakedPair(t)
	require.NoError(t, a.Close())

	err := a.Send([]byte("too late"))
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, KindStateError, terr.Kind)

	// Close is idempotent.
	require.NoError(t, a.Close())
}

func TestTransportTamperedFrameFailsChannel(t *testing.T) {
	a, b := newHandshakedPair(t)

	go func() {
		_ = a.Send([]byte("payload"))
	}()

	// Consume the legitimate frame so tampering can be introduced
	// independently on a fresh pipe.
	_, err := b.Recv()
	require.NoError(t, err)

	// Build a transport pair manually so we can corrupt bytes on the wire.
	v := vault.NewSoftwareVault()
	iStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	rStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	initiator, err := noise.NewInitiator(v, iStatic, nil)
	require.NoError(t, err)
	responder, err := noise.NewResponder(v, rStatic, nil)
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
	iCompleted, err := initiator.Finalize()
	require.NoError(t, err)
	rCompleted, err := responder.Finalize()
	require.NoError(t, err)

	var buf tamperBuffer
	sender := New(v, &buf, &buf, iCompleted)
	receiver := New(v, &buf, &buf, rCompleted)

	require.NoError(t, sender.Send([]byte("authentic")))
	buf.flipLastByte()

	_, err = receiver.Recv()
	require.Error(t, err, "a single flipped ciphertext byte must fail AEAD authentication")

	// The channel must be dead after the failure.
	_, err = receiver.Recv()
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, KindStateError, terr.Kind)
}

// tamperBuffer is a minimal io.Reader/io.Writer backed by an in-memory
// slice, used to corrupt a single in-flight frame deterministically.
type tamperBuffer struct {
	data []byte
}

func (b *tamperBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *tamperBuffer) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *tamperBuffer) flipLastByte() {
	if len(b.data) == 0 {
		return
	}
	b.data[len(b.data)-1] ^= 0xFF
}

func TestTransportSecretsReleasedOnClose(t *testing.T) {
	v := vault.NewSoftwareVault()
	iStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	rStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	initiator, err := noise.NewInitiator(v, iStatic, nil)
	require.NoError(t, err)
	responder, err := noise.NewResponder(v, rStatic, nil)
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
	iCompleted, err := initiator.Finalize()
	require.NoError(t, err)

	var buf tamperBuffer
	before := v.LiveSecretCount()
	ch := New(v, &buf, &buf, iCompleted)
	require.Equal(t, before, v.LiveSecretCount(), "wrapping in a Transport must not allocate new secrets")

	require.NoError(t, ch.Close())
	require.Equal(t, before-2, v.LiveSecretCount(), "Close must destroy both directional AEAD keys")
}

func TestTransportRegistryIdleEviction(t *testing.T) {
	v := vault.NewSoftwareVault()
	a, _ := newHandshakedPairWithVault(t, v)

	reg := NewRegistry(20 * time.Millisecond)
	defer reg.Shutdown()
	id := reg.Register(a)
	require.Equal(t, 1, reg.Count())

	_, ok := reg.Get(id)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, reg.Count(), "an idle channel must be evicted and closed")
}

func newHandshakedPairWithVault(t *testing.T, v vault.Vault) (*Transport, *Transport) {
	t.Helper()
	iStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	rStatic, err := v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	require.NoError(t, err)
	initiator, err := noise.NewInitiator(v, iStatic, nil)
	require.NoError(t, err)
	responder, err := noise.NewResponder(v, rStatic, nil)
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
	iCompleted, err := initiator.Finalize()
	require.NoError(t, err)
	rCompleted, err := responder.Finalize()
	require.NoError(t, err)

	var bufA, bufB tamperBuffer
	a := New(v, &bufA, &bufB, iCompleted)
	b := New(v, &bufB, &bufA, rCompleted)
	return a, b
}

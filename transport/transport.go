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

// Package transport wraps a byte-stream reader/writer with the
// post-handshake AEAD framing: length-prefixed, encrypted application
// messages with per-direction monotonic nonce counters.
package transport

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/noiseline/noiseline/internal/metrics"
	"github.com/noiseline/noiseline/noise"
	"github.com/noiseline/noiseline/vault"
	"github.com/noiseline/noiseline/wire"
)

// MaxPlaintextSize is the largest payload Send accepts: the 14-bit
// frame length ceiling minus the 16-byte AEAD tag.
const MaxPlaintextSize = wire.MaxLength - wire.TagSize

// Kind classifies a transport error without string matching.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindWireFormatError
	KindCryptoFailure
	KindStateError
	KindResourceExhausted
	KindIoError
)

// Error is a typed transport error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrClosed is returned by Send/Recv once the channel has failed or
// been explicitly closed.
var ErrClosed = fmt.Errorf("transport: channel is closed")

// Transport is a single secure channel: the post-handshake framing and
// encryption layer over an arbitrary byte-stream reader/writer.
type Transport struct {
	v vault.Vault

	reader io.Reader
	writer io.Writer

	mu         sync.Mutex
	encryptKey vault.Handle
	decryptKey vault.Handle
	nonceOut   uint64
	nonceIn    uint64
	closed     bool
}

// New wraps reader/writer with the keys produced by a completed Noise
// handshake. Ownership of completed's two keys transfers to the
// Transport: it will destroy them on Close.
func New(v vault.Vault, reader io.Reader, writer io.Writer, completed *noise.CompletedKeyExchange) *Transport {
	return &Transport{
		v:          v,
		reader:     reader,
		writer:     writer,
		encryptKey: completed.EncryptKey,
		decryptKey: completed.DecryptKey,
	}
}

// Send encrypts plaintext under the current outbound key and nonce,
// frames it, and writes it to the underlying stream.
func (t *Transport) Send(plaintext []byte) error {
	defer func(start time.Time) {
		metrics.ChannelOperationDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
	}(time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newErr(KindStateError, "send", ErrClosed)
	}
	if len(plaintext) > MaxPlaintextSize {
		return newErr(KindInvalidArgument, "send", fmt.Errorf("plaintext of %d bytes exceeds %d-byte limit", len(plaintext), MaxPlaintextSize))
	}
	if t.nonceOut == math.MaxUint64 {
		t.failLocked()
		return newErr(KindResourceExhausted, "send", fmt.Errorf("outbound nonce counter exhausted"))
	}

	cryptoStart := time.Now()
	ct, err := t.v.AEADEncrypt(t.encryptKey, t.nonceOut, nil, plaintext)
	if err != nil {
		t.failLocked()
		metrics.CryptoErrors.WithLabelValues("aead_encrypt").Inc()
		metrics.GetGlobalCollector().RecordCryptoOperation(false, time.Since(cryptoStart))
		return newErr(KindCryptoFailure, "send", err)
	}
	metrics.CryptoOperations.WithLabelValues("aead_encrypt", t.v.CipherSuite()).Inc()
	metrics.GetGlobalCollector().RecordCryptoOperation(true, time.Since(cryptoStart))

	frame, err := wire.Encode(nil, uint16(len(ct)))
	if err != nil {
		t.failLocked()
		metrics.FramesProcessed.WithLabelValues("outbound", "failure").Inc()
		return newErr(KindWireFormatError, "send", err)
	}
	frame = append(frame, ct...)

	if _, err := t.writer.Write(frame); err != nil {
		t.failLocked()
		metrics.FramesProcessed.WithLabelValues("outbound", "failure").Inc()
		return newErr(KindIoError, "send", err)
	}
	t.nonceOut++
	metrics.FramesProcessed.WithLabelValues("outbound", "success").Inc()
	metrics.FrameSize.Observe(float64(len(frame)))
	metrics.ChannelMessageSize.WithLabelValues("outbound").Observe(float64(len(plaintext)))
	return nil
}

// Recv reads one frame from the underlying stream, decrypts it under
// the current inbound key and nonce, and returns the plaintext.
func (t *Transport) Recv() ([]byte, error) {
	defer func(start time.Time) {
		metrics.ChannelOperationDuration.WithLabelValues("recv").Observe(time.Since(start).Seconds())
	}(time.Now())

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, newErr(KindStateError, "recv", ErrClosed)
	}

	first := make([]byte, 1)
	if _, err := io.ReadFull(t.reader, first); err != nil {
		t.failLocked()
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, newErr(KindIoError, "recv", err)
	}

	var prefix []byte
	if first[0]&0x80 == 0 {
		prefix = first
	} else {
		second := make([]byte, 1)
		if _, err := io.ReadFull(t.reader, second); err != nil {
			t.failLocked()
			metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
			return nil, newErr(KindIoError, "recv", err)
		}
		prefix = []byte{first[0], second[0]}
	}

	length, _, err := wire.Decode(prefix)
	if err != nil {
		t.failLocked()
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, newErr(KindWireFormatError, "recv", err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		t.failLocked()
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, newErr(KindIoError, "recv", err)
	}

	if t.nonceIn == math.MaxUint64 {
		t.failLocked()
		return nil, newErr(KindResourceExhausted, "recv", fmt.Errorf("inbound nonce counter exhausted"))
	}

	cryptoStart := time.Now()
	pt, err := t.v.AEADDecrypt(t.decryptKey, t.nonceIn, nil, body)
	if err != nil {
		t.failLocked()
		metrics.CryptoErrors.WithLabelValues("aead_decrypt").Inc()
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		metrics.GetGlobalCollector().RecordCryptoOperation(false, time.Since(cryptoStart))
		return nil, newErr(KindCryptoFailure, "recv", err)
	}
	t.nonceIn++
	metrics.CryptoOperations.WithLabelValues("aead_decrypt", t.v.CipherSuite()).Inc()
	metrics.GetGlobalCollector().RecordCryptoOperation(true, time.Since(cryptoStart))
	metrics.FramesProcessed.WithLabelValues("inbound", "success").Inc()
	metrics.FrameSize.Observe(float64(len(prefix) + len(body)))
	metrics.ChannelMessageSize.WithLabelValues("inbound").Observe(float64(len(pt)))
	return pt, nil
}

// Close destroys both directional AEAD keys and marks the channel
// failed: any subsequent Send/Recv returns a StateError.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked()
	return nil
}

func (t *Transport) failLocked() {
	if t.closed {
		return
	}
	t.closed = true
	_ = t.v.SecretDestroy(t.encryptKey)
	_ = t.v.SecretDestroy(t.decryptKey)
}

// NonceOut reports the next outbound nonce to be used, for tests and
// metrics.
func (t *Transport) NonceOut() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonceOut
}

// NonceIn reports the next inbound nonce expected, for tests and
// metrics.
func (t *Transport) NonceIn() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonceIn
}

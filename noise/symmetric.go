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

// Package noise implements the Noise_XX_25519_AESGCM_SHA256 handshake
// pattern over a vault.Vault key custodian.
package noise

import (
	"crypto/sha256"

	"github.com/noiseline/noiseline/vault"
)

// ProtocolName is the Noise protocol string this package implements.
// It is exactly 28 bytes, so it is used directly (zero-padded, not
// hashed) as the initial 32-byte handshake hash.
const ProtocolName = "Noise_XX_25519_AESGCM_SHA256"

// symmetricState holds the running handshake hash, chaining key, and
// current AEAD key, and drives mix-hash/mix-key/encrypt-and-hash/
// decrypt-and-hash over a vault. It never touches key bytes directly:
// ck and k are vault handles for their entire lifetime.
type symmetricState struct {
	v  vault.Vault
	h  [32]byte
	ck vault.Handle
	k  vault.Handle // zero Handle means "no key installed yet"
	n  uint64
}

func newSymmetricState(v vault.Vault, protocolName string) (*symmetricState, error) {
	s := &symmetricState{v: v}

	var h [32]byte
	copy(h[:], protocolName) // zero-padded to 32 bytes, per the Noise spec
	s.h = h

	ck, err := v.SecretImport(vault.Attributes{Type: vault.TypeBuffer}, h[:])
	if err != nil {
		return nil, newErr(KindCryptoFailure, "initialize", err)
	}
	s.ck = ck
	return s, nil
}

func (s *symmetricState) mixHash(data []byte) {
	combined := make([]byte, 0, 32+len(data))
	combined = append(combined, s.h[:]...)
	combined = append(combined, data...)
	s.h = sha256.Sum256(combined)
}

// mixKey derives a new chaining key and AEAD key from ikm, destroying
// the old ck and k (if any) and resetting the nonce counter.
func (s *symmetricState) mixKey(ikm vault.Handle) error {
	outs, err := s.v.HKDFSHA256(s.ck, ikm, []vault.Attributes{
		{Type: vault.TypeBuffer}, {Type: vault.TypeAES128},
	})
	if err != nil {
		return newErr(KindCryptoFailure, "mix_key", err)
	}

	_ = s.v.SecretDestroy(s.ck)
	if s.k != 0 {
		_ = s.v.SecretDestroy(s.k)
	}
	s.ck, s.k = outs[0], outs[1]
	s.n = 0
	return nil
}

// encryptAndHash encrypts plaintext under the current key (identity
// if no key is installed yet) and mixes the result into h.
func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if s.k == 0 {
		s.mixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	ct, err := s.v.AEADEncrypt(s.k, s.n, s.h[:], plaintext)
	if err != nil {
		return nil, newErr(KindCryptoFailure, "encrypt_and_hash", err)
	}
	s.mixHash(ct)
	s.n++
	return ct, nil
}

// decryptAndHash is the inverse of encryptAndHash: it decrypts with the
// current h as associated data, then mixes the ciphertext bytes into h
// whether decryption succeeded or failed, matching the transcript both
// sides must agree on.
func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if s.k == 0 {
		s.mixHash(ciphertext)
		return append([]byte(nil), ciphertext...), nil
	}
	pt, err := s.v.AEADDecrypt(s.k, s.n, s.h[:], ciphertext)
	s.mixHash(ciphertext)
	if err != nil {
		return nil, newErr(KindCryptoFailure, "decrypt_and_hash", err)
	}
	s.n++
	return pt, nil
}

// split derives the two transport keys from the final chaining key
// and destroys ck and k; the symmetric state is spent after this call.
func (s *symmetricState) split() (k1, k2 vault.Handle, err error) {
	outs, err := s.v.HKDFSHA256(s.ck, 0, []vault.Attributes{
		{Type: vault.TypeAES128}, {Type: vault.TypeAES128},
	})
	if err != nil {
		return 0, 0, newErr(KindCryptoFailure, "split", err)
	}
	_ = s.v.SecretDestroy(s.ck)
	s.ck = 0
	if s.k != 0 {
		_ = s.v.SecretDestroy(s.k)
		s.k = 0
	}
	return outs[0], outs[1], nil
}

// destroy releases every secret the symmetric state still owns. Safe
// to call on a state that has already been split or never mixed a
// key.
func (s *symmetricState) destroy() {
	if s.ck != 0 {
		_ = s.v.SecretDestroy(s.ck)
		s.ck = 0
	}
	if s.k != 0 {
		_ = s.v.SecretDestroy(s.k)
		s.k = 0
	}
}

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

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite selects the AEAD backend a SoftwareVault uses for
// AEADEncrypt/AEADDecrypt. Both share the 12-byte-nonce/16-byte-tag
// shape so the symmetric state and transport stay cipher-agnostic.
type CipherSuite int

const (
	// AESGCM is the default, matching the protocol name
	// Noise_XX_25519_AESGCM_SHA256.
	AESGCM CipherSuite = iota
	// ChaCha20Poly1305 is the "or ChaCha-equivalent" alternate suite.
	ChaCha20Poly1305
)

func (s CipherSuite) String() string {
	if s == ChaCha20Poly1305 {
		return "chacha20-poly1305"
	}
	return "aes-gcm"
}

// PersistentStore is the contract a SoftwareVault uses to mirror
// Persistent secrets across process restarts. FileVault,
// MemoryVault, and PostgresStore all satisfy it.
type PersistentStore interface {
	StoreEncrypted(keyID string, raw []byte, passphrase string) error
	LoadDecrypted(keyID, passphrase string) ([]byte, error)
	Exists(keyID string) bool
	Delete(keyID string) error
	ListKeys() []string
}

// SoftwareVault is the pure-software Vault implementation: every
// operation runs in-process using Go's standard library and
// golang.org/x/crypto. A hardware-backed vault would implement the
// same Vault interface behind a different backend context; nothing
// above the interface would change.
type SoftwareVault struct {
	slab  *slab
	suite CipherSuite

	store      PersistentStore
	passphrase string
}

// Option configures a SoftwareVault at construction time.
type Option func(*SoftwareVault)

// WithCipherSuite selects the AEAD backend. AESGCM is the default.
func WithCipherSuite(suite CipherSuite) Option {
	return func(v *SoftwareVault) { v.suite = suite }
}

// WithPersistentStore wires a backing store (FileVault, MemoryVault,
// or PostgresStore) for secrets generated or imported with
// Persistence == Persistent. The passphrase wraps every secret this
// vault writes to or reads from the store.
func WithPersistentStore(store PersistentStore, passphrase string) Option {
	return func(v *SoftwareVault) {
		v.store = store
		v.passphrase = passphrase
	}
}

// NewSoftwareVault returns a ready-to-use software vault.
func NewSoftwareVault(opts ...Option) *SoftwareVault {
	v := &SoftwareVault{slab: newSlab(), suite: AESGCM}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// secretSize reports the byte length of a raw secret of type t. For
// TypeAES128 this depends on the vault's configured AEAD suite: the
// label predates ChaCha20-Poly1305 support and denotes "the transport
// AEAD key," not literally 128 bits — AES-128-GCM takes a 16-byte key,
// chacha20poly1305.New requires exactly 32.
func (v *SoftwareVault) secretSize(t SecretType) int {
	switch t {
	case TypeAES128:
		if v.suite == ChaCha20Poly1305 {
			return chacha20poly1305.KeySize
		}
		return 16
	default:
		return 32
	}
}

// CipherSuite reports the AEAD backend this vault encrypts and
// decrypts with, for logging and metrics labels.
func (v *SoftwareVault) CipherSuite() string {
	return v.suite.String()
}

func (v *SoftwareVault) RandomBytes(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return newErr(KindCryptoFailure, "random_bytes", err)
	}
	return nil
}

func (v *SoftwareVault) SHA256(input []byte) [32]byte {
	return sha256.Sum256(input)
}

func (v *SoftwareVault) SecretGenerate(attrs Attributes) (Handle, error) {
	var sec *secret
	switch attrs.Type {
	case TypeX25519Private:
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return 0, newErr(KindCryptoFailure, "secret_generate", err)
		}
		sec = &secret{attrs: attrs, x25519: priv}
	case TypeBuffer, TypeAES128:
		buf := make([]byte, v.secretSize(attrs.Type))
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return 0, newErr(KindCryptoFailure, "secret_generate", err)
		}
		sec = &secret{attrs: attrs, raw: buf}
	default:
		return 0, newErr(KindInvalidArgument, "secret_generate", fmt.Errorf("unknown secret type %v", attrs.Type))
	}

	if attrs.Persistence == Persistent {
		if err := v.persist(sec); err != nil {
			return 0, err
		}
	}
	return v.slab.put(sec), nil
}

func (v *SoftwareVault) SecretImport(attrs Attributes, raw []byte) (Handle, error) {
	var sec *secret
	switch attrs.Type {
	case TypeX25519Private:
		priv, err := ecdh.X25519().NewPrivateKey(raw)
		if err != nil {
			return 0, newErr(KindInvalidArgument, "secret_import", err)
		}
		sec = &secret{attrs: attrs, x25519: priv}
	case TypeBuffer, TypeAES128:
		if len(raw) != v.secretSize(attrs.Type) {
			return 0, newErr(KindInvalidArgument, "secret_import", fmt.Errorf("expected %d bytes, got %d", v.secretSize(attrs.Type), len(raw)))
		}
		buf := append([]byte(nil), raw...)
		sec = &secret{attrs: attrs, raw: buf}
	default:
		return 0, newErr(KindInvalidArgument, "secret_import", fmt.Errorf("unknown secret type %v", attrs.Type))
	}

	if attrs.Persistence == Persistent {
		if err := v.persist(sec); err != nil {
			return 0, err
		}
	}
	return v.slab.put(sec), nil
}

// LoadPersistent reconstructs a handle for a secret previously written
// to the backing store under attrs.Label, without ever exposing the
// raw bytes to the caller. This is how a static identity key survives
// a vault re-open (testable property S7).
func (v *SoftwareVault) LoadPersistent(attrs Attributes) (Handle, error) {
	if v.store == nil {
		return 0, newErr(KindStateError, "load_persistent", fmt.Errorf("no persistent store configured"))
	}
	if attrs.Label == "" {
		return 0, newErr(KindInvalidArgument, "load_persistent", fmt.Errorf("label required"))
	}
	raw, err := v.store.LoadDecrypted(attrs.Label, v.passphrase)
	if err != nil {
		return 0, newErr(KindStateError, "load_persistent", err)
	}
	return v.SecretImport(attrs, raw)
}

func (v *SoftwareVault) persist(sec *secret) error {
	if v.store == nil {
		return newErr(KindStateError, "secret_generate", fmt.Errorf("persistent secret requested but no store configured"))
	}
	if sec.attrs.Label == "" {
		return newErr(KindInvalidArgument, "secret_generate", fmt.Errorf("persistent secret requires a label"))
	}
	raw, err := exportRaw(sec)
	if err != nil {
		return err
	}
	if err := v.store.StoreEncrypted(sec.attrs.Label, raw, v.passphrase); err != nil {
		return newErr(KindCryptoFailure, "secret_generate", err)
	}
	return nil
}

func exportRaw(sec *secret) ([]byte, error) {
	if sec.x25519 != nil {
		return sec.x25519.Bytes(), nil
	}
	return sec.raw, nil
}

func (v *SoftwareVault) SecretExport(h Handle) ([]byte, error) {
	sec, ok := v.slab.get(h)
	if !ok {
		return nil, newErr(KindInvalidArgument, "secret_export", ErrHandleNotFound)
	}
	if sec.attrs.Type == TypeX25519Private {
		return nil, newErr(KindInvalidArgument, "secret_export", ErrNotExportable)
	}
	out := make([]byte, len(sec.raw))
	copy(out, sec.raw)
	return out, nil
}

func (v *SoftwareVault) SecretPublicKey(h Handle) ([32]byte, error) {
	var out [32]byte
	sec, ok := v.slab.get(h)
	if !ok {
		return out, newErr(KindInvalidArgument, "secret_publickey_get", ErrHandleNotFound)
	}
	if sec.attrs.Type != TypeX25519Private || sec.x25519 == nil {
		return out, newErr(KindInvalidArgument, "secret_publickey_get", ErrWrongType)
	}
	copy(out[:], sec.x25519.PublicKey().Bytes())
	return out, nil
}

func (v *SoftwareVault) SecretAttributes(h Handle) (Attributes, error) {
	sec, ok := v.slab.get(h)
	if !ok {
		return Attributes{}, newErr(KindInvalidArgument, "secret_attributes_get", ErrHandleNotFound)
	}
	return sec.attrs, nil
}

func (v *SoftwareVault) SecretDestroy(h Handle) error {
	if !v.slab.delete(h) {
		return newErr(KindInvalidArgument, "secret_destroy", ErrHandleNotFound)
	}
	return nil
}

func (v *SoftwareVault) ECDH(private Handle, peerPublicKey [32]byte) (Handle, error) {
	sec, ok := v.slab.get(private)
	if !ok {
		return 0, newErr(KindInvalidArgument, "ecdh", ErrHandleNotFound)
	}
	if sec.attrs.Type != TypeX25519Private || sec.x25519 == nil {
		return 0, newErr(KindInvalidArgument, "ecdh", ErrWrongType)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPublicKey[:])
	if err != nil {
		return 0, newErr(KindCryptoFailure, "ecdh", err)
	}
	shared, err := sec.x25519.ECDH(peerPub)
	if err != nil {
		return 0, newErr(KindCryptoFailure, "ecdh", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(shared, zero[:]) == 1 {
		return 0, newErr(KindCryptoFailure, "ecdh", fmt.Errorf("low-order point"))
	}
	out := &secret{attrs: Attributes{Type: TypeBuffer, Persistence: Ephemeral}, raw: shared}
	return v.slab.put(out), nil
}

func (v *SoftwareVault) HKDFSHA256(saltH, ikmH Handle, outputs []Attributes) ([]Handle, error) {
	saltSecret, ok := v.slab.get(saltH)
	if !ok {
		return nil, newErr(KindInvalidArgument, "hkdf_sha256", ErrHandleNotFound)
	}
	if saltSecret.attrs.Type != TypeBuffer {
		return nil, newErr(KindInvalidArgument, "hkdf_sha256", ErrWrongType)
	}

	var ikm []byte
	if ikmH != 0 {
		ikmSecret, ok := v.slab.get(ikmH)
		if !ok {
			return nil, newErr(KindInvalidArgument, "hkdf_sha256", ErrHandleNotFound)
		}
		ikm = ikmSecret.raw
	}

	reader := hkdf.New(sha256.New, ikm, saltSecret.raw, nil)
	handles := make([]Handle, len(outputs))
	for i, attrs := range outputs {
		buf := make([]byte, v.secretSize(attrs.Type))
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, newErr(KindCryptoFailure, "hkdf_sha256", err)
		}
		sec := &secret{attrs: attrs, raw: buf}
		if attrs.Persistence == Persistent {
			if err := v.persist(sec); err != nil {
				return nil, err
			}
		}
		handles[i] = v.slab.put(sec)
	}
	return handles, nil
}

func (v *SoftwareVault) aead(key []byte) (cipher.AEAD, error) {
	switch v.suite {
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func encodeNonce(n uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], n)
	return nonce
}

func (v *SoftwareVault) AEADEncrypt(key Handle, nonce uint64, aad, plaintext []byte) ([]byte, error) {
	sec, ok := v.slab.get(key)
	if !ok {
		return nil, newErr(KindInvalidArgument, "aead_encrypt", ErrHandleNotFound)
	}
	if sec.attrs.Type != TypeAES128 {
		return nil, newErr(KindInvalidArgument, "aead_encrypt", ErrWrongType)
	}
	aead, err := v.aead(sec.raw)
	if err != nil {
		return nil, newErr(KindCryptoFailure, "aead_encrypt", err)
	}
	return aead.Seal(nil, encodeNonce(nonce), plaintext, aad), nil
}

func (v *SoftwareVault) AEADDecrypt(key Handle, nonce uint64, aad, ciphertext []byte) ([]byte, error) {
	sec, ok := v.slab.get(key)
	if !ok {
		return nil, newErr(KindInvalidArgument, "aead_decrypt", ErrHandleNotFound)
	}
	if sec.attrs.Type != TypeAES128 {
		return nil, newErr(KindInvalidArgument, "aead_decrypt", ErrWrongType)
	}
	aead, err := v.aead(sec.raw)
	if err != nil {
		return nil, newErr(KindCryptoFailure, "aead_decrypt", err)
	}
	pt, err := aead.Open(nil, encodeNonce(nonce), ciphertext, aad)
	if err != nil {
		return nil, newErr(KindCryptoFailure, "aead_decrypt", err)
	}
	return pt, nil
}

// LiveSecretCount reports the number of handles currently held in the
// slab. Exposed for the secret-accounting invariant (no leaked
// handles after transport_close or any error path).
func (v *SoftwareVault) LiveSecretCount() int {
	return v.slab.count()
}

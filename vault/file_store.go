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
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations matches the teacher's own passphrase-to-key
// stretching cost factor.
const pbkdf2Iterations = 100000

// Sentinel errors for the persistent-secret backing stores.
var (
	ErrKeyNotFound       = errors.New("vault: key not found")
	ErrInvalidPassphrase = errors.New("vault: invalid passphrase")
	ErrInvalidKeyID      = errors.New("vault: invalid key id")
)

// encryptedRecord is the on-disk / in-memory JSON shape for one
// passphrase-wrapped secret.
type encryptedRecord struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func sealWithPassphrase(raw []byte, passphrase string) (*encryptedRecord, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := deriveStoreKey(passphrase, salt)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, raw, nil)
	return &encryptedRecord{Salt: salt, Nonce: nonce, Ciphertext: ct}, nil
}

func openWithPassphrase(rec *encryptedRecord, passphrase string) ([]byte, error) {
	key := deriveStoreKey(passphrase, rec.Salt)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return pt, nil
}

func deriveStoreKey(passphrase string, salt []byte) [32]byte {
	var key [32]byte
	copy(key[:], pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New))
	return key
}

// FileVault persists passphrase-encrypted secrets as one JSON file per
// key under a directory, with 0600 file permissions.
type FileVault struct {
	mu  sync.Mutex
	dir string
}

// NewFileVault returns a FileVault rooted at dir. The directory must
// already exist.
func NewFileVault(dir string) (*FileVault, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("vault directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault directory %q is not a directory", dir)
	}
	return &FileVault{dir: dir}, nil
}

func (v *FileVault) path(keyID string) string {
	return filepath.Join(v.dir, keyID+".json")
}

// StoreEncrypted writes raw, encrypted under passphrase, to keyID's
// file with 0600 permissions.
func (v *FileVault) StoreEncrypted(keyID string, raw []byte, passphrase string) error {
	if keyID == "" {
		return ErrInvalidKeyID
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := sealWithPassphrase(raw, passphrase)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return os.WriteFile(v.path(keyID), data, 0600)
}

// LoadDecrypted reads and decrypts keyID's stored secret.
func (v *FileVault) LoadDecrypted(keyID, passphrase string) ([]byte, error) {
	if keyID == "" {
		return nil, ErrInvalidKeyID
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(v.path(keyID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var rec encryptedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return openWithPassphrase(&rec, passphrase)
}

// Exists reports whether keyID has a stored secret.
func (v *FileVault) Exists(keyID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := os.Stat(v.path(keyID))
	return err == nil
}

// Delete removes keyID's stored secret.
func (v *FileVault) Delete(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(v.path(keyID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrKeyNotFound
		}
		return err
	}
	return nil
}

// ListKeys returns every stored key ID, sorted.
func (v *FileVault) ListKeys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			keys = append(keys, name[:len(name)-len(".json")])
		}
	}
	sort.Strings(keys)
	return keys
}

// SetPermissions changes the file mode of keyID's stored secret.
func (v *FileVault) SetPermissions(keyID string, mode os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Chmod(v.path(keyID), mode); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrKeyNotFound
		}
		return err
	}
	return nil
}

// MemoryVault is the in-process equivalent of FileVault, useful for
// tests and for deployments that intentionally keep the identity key
// ephemeral.
type MemoryVault struct {
	mu    sync.Mutex
	items map[string]*encryptedRecord
}

// NewMemoryVault returns an empty MemoryVault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{items: make(map[string]*encryptedRecord)}
}

func (v *MemoryVault) StoreEncrypted(keyID string, raw []byte, passphrase string) error {
	if keyID == "" {
		return ErrInvalidKeyID
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := sealWithPassphrase(raw, passphrase)
	if err != nil {
		return err
	}
	v.items[keyID] = rec
	return nil
}

func (v *MemoryVault) LoadDecrypted(keyID, passphrase string) ([]byte, error) {
	if keyID == "" {
		return nil, ErrInvalidKeyID
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.items[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return openWithPassphrase(rec, passphrase)
}

func (v *MemoryVault) Exists(keyID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.items[keyID]
	return ok
}

func (v *MemoryVault) Delete(keyID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.items[keyID]; !ok {
		return ErrKeyNotFound
	}
	delete(v.items, keyID)
	return nil
}

func (v *MemoryVault) ListKeys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.items))
	for k := range v.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetPermissions is a no-op for MemoryVault: there is no file mode to
// change, but a non-existent key is still reported.
func (v *MemoryVault) SetPermissions(keyID string, _ os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.items[keyID]; !ok {
		return ErrKeyNotFound
	}
	return nil
}

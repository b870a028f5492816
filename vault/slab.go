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
	"crypto/ecdh"
	"sync"
)

// secret is the slab-resident record behind a Handle. Only one of
// raw/x25519 is populated, per attrs.Type.
type secret struct {
	attrs  Attributes
	raw    []byte
	x25519 *ecdh.PrivateKey
}

// slab is an in-process handle table: the only place plaintext secret
// bytes are held in memory, and only for the lifetime of the process
// (ephemeral secrets) or until explicitly reloaded from a backing
// store (persistent secrets). A sync.RWMutex guards the map, and
// handles are monotonically increasing instead of reused slot indices
// so a destroyed handle can never be mistaken for a fresh one.
type slab struct {
	mu      sync.RWMutex
	secrets map[Handle]*secret
	next    Handle
}

func newSlab() *slab {
	return &slab{secrets: make(map[Handle]*secret)}
}

func (s *slab) put(sec *secret) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	s.secrets[h] = sec
	return h
}

func (s *slab) get(h Handle) (*secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[h]
	return sec, ok
}

func (s *slab) delete(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[h]
	if !ok {
		return false
	}
	if sec.raw != nil {
		zero(sec.raw)
	}
	delete(s.secrets, h)
	return true
}

func (s *slab) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

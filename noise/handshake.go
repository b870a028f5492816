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
	"errors"
	"fmt"
	"time"

	"github.com/noiseline/noiseline/internal/metrics"
	"github.com/noiseline/noiseline/vault"
)

// Role distinguishes the two sides of a Noise XX handshake.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Step tracks how far a HandshakeState has progressed through the
// three-message XX pattern.
type Step int

const (
	Step0 Step = iota
	Step1
	Step2
	StepDone
	StepFailed
)

const (
	pubKeySize = 32
	tagSize    = 16
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

func observeStage(stage string, start time.Time) {
	metrics.HandshakeDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// CompletedKeyExchange is the output of a finished handshake: the two
// transport keys (ownership transfers to the caller, typically a
// transport.Transport) and the final transcript hash.
type CompletedKeyExchange struct {
	H                     [32]byte
	EncryptKey            vault.Handle
	DecryptKey            vault.Handle
	RemoteStaticPublicKey [32]byte
}

// HandshakeState drives one run of the Noise XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type HandshakeState struct {
	v    vault.Vault
	symm *symmetricState
	role Role
	step Step

	s  vault.Handle // our static private key
	e  vault.Handle // our ephemeral private key, once generated
	rs [32]byte
	re [32]byte

	hasRS bool
	hasRE bool

	started time.Time
}

func newHandshakeState(v vault.Vault, role Role, static vault.Handle, prologue []byte) (*HandshakeState, error) {
	symm, err := newSymmetricState(v, ProtocolName)
	if err != nil {
		return nil, err
	}
	symm.mixHash(prologue)
	metrics.HandshakesInitiated.WithLabelValues(role.String()).Inc()
	return &HandshakeState{v: v, symm: symm, role: role, step: Step0, s: static, started: time.Now()}, nil
}

// NewInitiator begins a handshake as the initiator, holding static as
// our long-term X25519 private key handle.
func NewInitiator(v vault.Vault, static vault.Handle, prologue []byte) (*HandshakeState, error) {
	return newHandshakeState(v, Initiator, static, prologue)
}

// NewResponder begins a handshake as the responder.
func NewResponder(v vault.Vault, static vault.Handle, prologue []byte) (*HandshakeState, error) {
	return newHandshakeState(v, Responder, static, prologue)
}

func (hs *HandshakeState) fail(err error) error {
	hs.step = StepFailed
	hs.symm.destroy()
	if hs.e != 0 {
		_ = hs.v.SecretDestroy(hs.e)
		hs.e = 0
	}

	kind := "unknown"
	var nerr *Error
	if errors.As(err, &nerr) {
		kind = nerr.Kind.String()
	}
	metrics.HandshakesFailed.WithLabelValues(kind).Inc()
	metrics.GetGlobalCollector().RecordHandshake(false, time.Since(hs.started))
	return err
}

func (hs *HandshakeState) checkStep(role Role, want Step) error {
	if hs.step == StepFailed {
		return hs.fail(newErr(KindStateError, "handshake", ErrFailed))
	}
	if hs.role != role {
		return hs.fail(newErr(KindStateError, "handshake", ErrWrongRole))
	}
	if hs.step != want {
		return hs.fail(newErr(KindStateError, "handshake", ErrWrongStep))
	}
	return nil
}

// EncodeMessage1 produces "-> e": a fresh ephemeral public key plus an
// (unencrypted, at this point) payload. Initiator only, Step0.
func (hs *HandshakeState) EncodeMessage1(payload []byte) ([]byte, error) {
	defer observeStage("message1", time.Now())
	if err := hs.checkStep(Initiator, Step0); err != nil {
		return nil, err
	}

	e, err := hs.v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_1", err))
	}
	hs.e = e

	ePub, err := hs.v.SecretPublicKey(e)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_1", err))
	}
	hs.symm.mixHash(ePub[:])

	payloadCt, err := hs.symm.encryptAndHash(payload)
	if err != nil {
		return nil, hs.fail(err)
	}

	out := make([]byte, 0, pubKeySize+len(payloadCt))
	out = append(out, ePub[:]...)
	out = append(out, payloadCt...)
	hs.step = Step1
	return out, nil
}

// DecodeMessage1 consumes "-> e" as the responder. Responder only,
// Step0.
func (hs *HandshakeState) DecodeMessage1(wire []byte) ([]byte, error) {
	defer observeStage("message1", time.Now())
	if err := hs.checkStep(Responder, Step0); err != nil {
		return nil, err
	}
	if len(wire) < pubKeySize {
		return nil, hs.fail(newErr(KindWireFormatError, "decode_message_1", fmt.Errorf("message too short")))
	}

	copy(hs.re[:], wire[:pubKeySize])
	hs.hasRE = true
	hs.symm.mixHash(hs.re[:])

	payload, err := hs.symm.decryptAndHash(wire[pubKeySize:])
	if err != nil {
		return nil, hs.fail(err)
	}
	hs.step = Step1
	return payload, nil
}

// EncodeMessage2 produces "<- e, ee, s, es" as the responder.
// Responder only, Step1.
func (hs *HandshakeState) EncodeMessage2(payload []byte) ([]byte, error) {
	defer observeStage("message2", time.Now())
	if err := hs.checkStep(Responder, Step1); err != nil {
		return nil, err
	}

	e, err := hs.v.SecretGenerate(vault.Attributes{Type: vault.TypeX25519Private})
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_2", err))
	}
	hs.e = e

	ePub, err := hs.v.SecretPublicKey(e)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_2", err))
	}
	hs.symm.mixHash(ePub[:])

	ee, err := hs.v.ECDH(e, hs.re)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_2", err))
	}
	if err := hs.symm.mixKey(ee); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(ee)

	sPub, err := hs.v.SecretPublicKey(hs.s)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_2", err))
	}
	sPubCt, err := hs.symm.encryptAndHash(sPub[:])
	if err != nil {
		return nil, hs.fail(err)
	}

	se, err := hs.v.ECDH(hs.s, hs.re)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_2", err))
	}
	if err := hs.symm.mixKey(se); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(se)

	payloadCt, err := hs.symm.encryptAndHash(payload)
	if err != nil {
		return nil, hs.fail(err)
	}

	out := make([]byte, 0, pubKeySize+len(sPubCt)+len(payloadCt))
	out = append(out, ePub[:]...)
	out = append(out, sPubCt...)
	out = append(out, payloadCt...)
	hs.step = Step2
	return out, nil
}

// DecodeMessage2 consumes "<- e, ee, s, es" as the initiator.
// Initiator only, Step1.
func (hs *HandshakeState) DecodeMessage2(wire []byte) ([]byte, error) {
	defer observeStage("message2", time.Now())
	if err := hs.checkStep(Initiator, Step1); err != nil {
		return nil, err
	}
	if len(wire) < pubKeySize+pubKeySize+tagSize {
		return nil, hs.fail(newErr(KindWireFormatError, "decode_message_2", fmt.Errorf("message too short")))
	}

	copy(hs.re[:], wire[:pubKeySize])
	hs.hasRE = true
	hs.symm.mixHash(hs.re[:])

	ee, err := hs.v.ECDH(hs.e, hs.re)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "decode_message_2", err))
	}
	if err := hs.symm.mixKey(ee); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(ee)

	rest := wire[pubKeySize:]
	sCt := rest[:pubKeySize+tagSize]
	rsBytes, err := hs.symm.decryptAndHash(sCt)
	if err != nil {
		return nil, hs.fail(err)
	}
	copy(hs.rs[:], rsBytes)
	hs.hasRS = true

	es, err := hs.v.ECDH(hs.e, hs.rs)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "decode_message_2", err))
	}
	if err := hs.symm.mixKey(es); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(es)

	payload, err := hs.symm.decryptAndHash(rest[pubKeySize+tagSize:])
	if err != nil {
		return nil, hs.fail(err)
	}
	hs.step = Step2
	return payload, nil
}

// EncodeMessage3 produces "-> s, se" as the initiator. Initiator only,
// Step2.
func (hs *HandshakeState) EncodeMessage3(payload []byte) ([]byte, error) {
	defer observeStage("message3", time.Now())
	if err := hs.checkStep(Initiator, Step2); err != nil {
		return nil, err
	}

	sPub, err := hs.v.SecretPublicKey(hs.s)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_3", err))
	}
	sPubCt, err := hs.symm.encryptAndHash(sPub[:])
	if err != nil {
		return nil, hs.fail(err)
	}

	se, err := hs.v.ECDH(hs.s, hs.re)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "encode_message_3", err))
	}
	if err := hs.symm.mixKey(se); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(se)

	payloadCt, err := hs.symm.encryptAndHash(payload)
	if err != nil {
		return nil, hs.fail(err)
	}

	out := make([]byte, 0, len(sPubCt)+len(payloadCt))
	out = append(out, sPubCt...)
	out = append(out, payloadCt...)
	hs.step = StepDone
	return out, nil
}

// DecodeMessage3 consumes "-> s, se" as the responder. Responder
// only, Step2.
func (hs *HandshakeState) DecodeMessage3(wire []byte) ([]byte, error) {
	defer observeStage("message3", time.Now())
	if err := hs.checkStep(Responder, Step2); err != nil {
		return nil, err
	}
	if len(wire) < pubKeySize+tagSize {
		return nil, hs.fail(newErr(KindWireFormatError, "decode_message_3", fmt.Errorf("message too short")))
	}

	sCt := wire[:pubKeySize+tagSize]
	rsBytes, err := hs.symm.decryptAndHash(sCt)
	if err != nil {
		return nil, hs.fail(err)
	}
	copy(hs.rs[:], rsBytes)
	hs.hasRS = true

	se, err := hs.v.ECDH(hs.e, hs.rs)
	if err != nil {
		return nil, hs.fail(newErr(KindCryptoFailure, "decode_message_3", err))
	}
	if err := hs.symm.mixKey(se); err != nil {
		return nil, hs.fail(err)
	}
	_ = hs.v.SecretDestroy(se)

	payload, err := hs.symm.decryptAndHash(wire[pubKeySize+tagSize:])
	if err != nil {
		return nil, hs.fail(err)
	}
	hs.step = StepDone
	return payload, nil
}

// Finalize splits the chaining key into the two transport keys. Valid
// only once StepDone has been reached; consumes the handshake state.
func (hs *HandshakeState) Finalize() (*CompletedKeyExchange, error) {
	defer observeStage("finalize", time.Now())
	if hs.step == StepFailed {
		return nil, newErr(KindStateError, "finalize", ErrFailed)
	}
	if hs.step != StepDone {
		return nil, hs.fail(newErr(KindStateError, "finalize", ErrWrongStep))
	}
	if hs.e != 0 {
		defer func() {
			_ = hs.v.SecretDestroy(hs.e)
			hs.e = 0
		}()
	}

	k1, k2, err := hs.symm.split()
	if err != nil {
		return nil, hs.fail(err)
	}

	var sendKey, recvKey vault.Handle
	if hs.role == Initiator {
		sendKey, recvKey = k1, k2
	} else {
		sendKey, recvKey = k2, k1
	}

	metrics.HandshakesCompleted.WithLabelValues(hs.role.String()).Inc()
	metrics.GetGlobalCollector().RecordHandshake(true, time.Since(hs.started))
	return &CompletedKeyExchange{
		H:                     hs.symm.h,
		EncryptKey:            sendKey,
		DecryptKey:            recvKey,
		RemoteStaticPublicKey: hs.rs,
	}, nil
}

// Step reports the handshake's current progress, primarily for tests
// and diagnostics.
func (hs *HandshakeState) Step() Step { return hs.step }

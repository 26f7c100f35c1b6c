/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/status"
)

const nonceSize = 32

// NonceKeyAgreement is the one concrete KeyAgreement this module ships:
// both sides exchange a random nonce over the raw channel, and derive
// the session key with HKDF over their concatenation, initiator's nonce
// first so both sides agree on byte order without needing a role tag.
// This is deliberately a minimal stand-in for UKEY2's actual
// Diffie-Hellman exchange — §4.F treats the key-agreement algorithm
// itself as out of scope, and this package just needs one real,
// exercisable implementation of the KeyAgreement contract.
type NonceKeyAgreement struct {
	info []byte
}

// NewNonceKeyAgreement builds a NonceKeyAgreement whose derived keys
// are domain-separated by info (typically the service id), the same
// role offline_frames' "service id" salt plays for the real protocol's
// HKDF info parameter.
func NewNonceKeyAgreement(info []byte) *NonceKeyAgreement {
	return &NonceKeyAgreement{info: info}
}

func (a *NonceKeyAgreement) RunClient(ch *channel.EndpointChannel) (cryptoctx.Context, string, []byte, status.Status) {
	return a.run(ch, true)
}

func (a *NonceKeyAgreement) RunServer(ch *channel.EndpointChannel) (cryptoctx.Context, string, []byte, status.Status) {
	return a.run(ch, false)
}

func (a *NonceKeyAgreement) run(ch *channel.EndpointChannel, isClient bool) (cryptoctx.Context, string, []byte, status.Status) {
	ownNonce := make([]byte, nonceSize)
	if _, err := rand.Read(ownNonce); err != nil {
		return nil, "", nil, status.Wrap(status.AuthenticationFailure, err)
	}

	var clientNonce, serverNonce []byte
	var st status.Status
	if isClient {
		if st = ch.Write(ownNonce); !st.Ok() {
			return nil, "", nil, st
		}
		if serverNonce, st = ch.Read(); !st.Ok() {
			return nil, "", nil, st
		}
		clientNonce = ownNonce
	} else {
		if clientNonce, st = ch.Read(); !st.Ok() {
			return nil, "", nil, st
		}
		if st = ch.Write(ownNonce); !st.Ok() {
			return nil, "", nil, st
		}
		serverNonce = ownNonce
	}

	if len(clientNonce) != nonceSize || len(serverNonce) != nonceSize {
		return nil, "", nil, status.New(status.InvalidProtocolBuffer)
	}

	secret := append(append([]byte{}, clientNonce...), serverNonce...)
	kdf := hkdf.New(sha256.New, secret, nil, a.info)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, "", nil, status.Wrap(status.AuthenticationFailure, err)
	}

	rawAuthToken := make([]byte, 6)
	if _, err := io.ReadFull(kdf, rawAuthToken); err != nil {
		return nil, "", nil, status.Wrap(status.AuthenticationFailure, err)
	}
	authToken := formatAuthToken(rawAuthToken)

	ctx, st := cryptoctx.NewXChaCha20Poly1305(key)
	if !st.Ok() {
		return nil, "", nil, st
	}
	return ctx, authToken, rawAuthToken, status.OKStatus
}

// formatAuthToken renders rawAuthToken as the kind of short,
// human-comparable string Nearby shows users to confirm two devices
// agree on the same session ("Does this code match on both devices?").
func formatAuthToken(raw []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package cryptoctx defines the encryption-context contract §1/§9 treat
// as the opaque output of the (out-of-scope) UKEY2 handshake, plus one
// concrete implementation so the channel-encryption invariants in §8
// have something real to exercise end to end.
package cryptoctx

import "github.com/google/nearby/status"

// Context is the "opaque symmetric-crypto state produced by the
// key-agreement handshake" of the GLOSSARY. channel.EndpointChannel
// calls Seal on every Write and Open on every Read once encryption is
// enabled; it never inspects what is inside.
type Context interface {
	// Seal encrypts plaintext into a self-contained ciphertext frame
	// body (nonce/tag included), ready to be length-prefixed and
	// written to the wire.
	Seal(plaintext []byte) []byte

	// Open decrypts a ciphertext frame body produced by the peer's
	// Seal. A failure here is not automatically fatal: §4.A's stray
	// keep-alive tolerance lets the caller fall back to parsing the
	// raw bytes as plaintext before giving up.
	Open(ciphertext []byte) ([]byte, status.Status)

	// Close zeroes and releases any key material held by the context.
	// Idempotent.
	Close()
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package cryptoctx

import (
	"crypto/rand"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/google/nearby/status"
)

// xchachaContext is the one concrete Context this module ships: an
// XChaCha20-Poly1305 AEAD keyed once per channel and nonced with a
// fresh random 24 bytes per frame instead of a shared counter, so the
// reader and writer sides of channel.EndpointChannel never need to
// coordinate a nonce sequence (§4.B: "crypto mutex released before the
// blocking socket write so a slow writer does not block a reader's
// decryption").
type xchachaContext struct {
	mu     sync.Mutex
	key    *memguard.LockedBuffer
	closed bool
}

// NewXChaCha20Poly1305 builds a Context from a 32-byte shared secret,
// the kind of key material an EncryptionRunner's key-agreement
// handshake would hand back. The key bytes are copied into a
// memguard.LockedBuffer (mlocked, wiped on Close) and the caller's
// slice is zeroed.
func NewXChaCha20Poly1305(key []byte) (Context, status.Status) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, status.New(status.AuthenticationFailure)
	}
	locked := memguard.NewBufferFromBytes(key)
	return &xchachaContext{key: locked}, status.OKStatus
}

func (c *xchachaContext) aead() (chacha20poly1305.AEAD, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	aead, err := chacha20poly1305.NewX(c.key.Bytes())
	if err != nil {
		return nil, false
	}
	return aead, true
}

// Seal encrypts plaintext as: [24-byte random nonce][ciphertext||tag].
func (c *xchachaContext) Seal(plaintext []byte) []byte {
	aead, ok := c.aead()
	if !ok {
		return nil
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil)
}

// Open reverses Seal, per §4.B's "if encryption enabled attempt
// decrypt."
func (c *xchachaContext) Open(ciphertext []byte) ([]byte, status.Status) {
	aead, ok := c.aead()
	if !ok {
		return nil, status.New(status.AuthenticationFailure)
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, status.New(status.InvalidProtocolBuffer)
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	sealed := ciphertext[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, status.Wrap(status.AuthenticationFailure, err)
	}
	return plaintext, status.OKStatus
}

func (c *xchachaContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.key.Destroy()
}

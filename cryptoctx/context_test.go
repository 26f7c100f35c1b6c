/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package cryptoctx

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestXChaChaRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)

	a, st := NewXChaCha20Poly1305(append([]byte{}, key...))
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	b, st := NewXChaCha20Poly1305(append([]byte{}, key...))
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	defer a.Close()
	defer b.Close()

	plaintext := []byte("17 random-ish bytes")
	ciphertext := a.Seal(plaintext)
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, st := b.Open(ciphertext)
	if !st.Ok() {
		t.Fatalf("Open: %v", st)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestXChaChaOpenAfterCloseFails(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	ctx, st := NewXChaCha20Poly1305(key)
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	ciphertext := ctx.Seal([]byte("data"))
	ctx.Close()

	if _, st := ctx.Open(ciphertext); st.Ok() {
		t.Fatal("Open should fail after Close")
	}
}

func TestXChaChaRejectsBadKeySize(t *testing.T) {
	if _, st := NewXChaCha20Poly1305(make([]byte, 10)); st.Ok() {
		t.Fatal("expected failure for short key")
	}
}

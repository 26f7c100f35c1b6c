/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

func pipeChannels(t *testing.T) (*EndpointChannel, *EndpointChannel) {
	t.Helper()
	net := medium.NewNetwork()
	server := medium.NewLoopback(net, "server")
	client := medium.NewLoopback(net, "client")

	accepted := make(chan medium.Socket, 1)
	server.StartAcceptingConnections("svc", func(sock medium.Socket, remote string) {
		accepted <- sock
	})

	clientSock, st := client.Connect(context.Background(), "svc", "server")
	if !st.Ok() {
		t.Fatalf("Connect: %v", st)
	}
	var serverSock medium.Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept never fired")
	}

	return New("client-chan", "svc", frame.MediumWifiLAN, clientSock, 1), New("server-chan", "svc", frame.MediumWifiLAN, serverSock, 1)
}

func TestReadWriteRoundTrip(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	if st := client.Write([]byte("hello")); !st.Ok() {
		t.Fatalf("Write: %v", st)
	}
	got, st := server.Read()
	if !st.Ok() {
		t.Fatalf("Read: %v", st)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
	if server.LastReadTimestamp().IsZero() {
		t.Fatal("expected LastReadTimestamp to be set after a read")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	key := make([]byte, 32)
	rand.Read(key)

	clientCtx, st := cryptoctx.NewXChaCha20Poly1305(append([]byte{}, key...))
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	serverCtx, st := cryptoctx.NewXChaCha20Poly1305(append([]byte{}, key...))
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	client.EnableEncryption(clientCtx)
	server.EnableEncryption(serverCtx)

	if st := client.Write([]byte("secret")); !st.Ok() {
		t.Fatalf("Write: %v", st)
	}
	got, st := server.Read()
	if !st.Ok() {
		t.Fatalf("Read: %v", st)
	}
	if !bytes.Equal(got, []byte("secret")) {
		t.Fatalf("got %q", got)
	}
}

func TestStrayPlaintextKeepAliveToleratedAfterEncryptionEnabled(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	// Client writes a plaintext KEEP_ALIVE before it has switched to
	// encryption, mimicking the race §4.B documents: the peer enables
	// decryption before the sender has enabled encryption.
	ka := &frame.Frame{Type: frame.TypeKeepAlive, KeepAlive: &frame.KeepAlive{}}
	encoded, st := ka.Encode()
	if !st.Ok() {
		t.Fatalf("Encode: %v", st)
	}
	if st := frame.WriteFrame(writerFor(client), encoded); !st.Ok() {
		t.Fatalf("WriteFrame: %v", st)
	}

	key := make([]byte, 32)
	rand.Read(key)
	serverCtx, st := cryptoctx.NewXChaCha20Poly1305(key)
	if !st.Ok() {
		t.Fatalf("NewXChaCha20Poly1305: %v", st)
	}
	server.EnableEncryption(serverCtx)

	got, st := server.Read()
	if !st.Ok() {
		t.Fatalf("expected stray plaintext KEEP_ALIVE to be tolerated, got: %v", st)
	}
	if !frame.IsKeepAlive(got) {
		t.Fatalf("expected KEEP_ALIVE bytes back, got %q", got)
	}
}

func TestPauseBlocksWriteUntilResume(t *testing.T) {
	client, server := pipeChannels(t)
	defer client.Close()
	defer server.Close()

	client.Pause()
	done := make(chan status.Status, 1)
	go func() {
		done <- client.Write([]byte("x"))
	}()

	select {
	case <-done:
		t.Fatal("Write should have blocked while paused")
	case <-time.After(100 * time.Millisecond):
	}

	client.Resume()
	select {
	case st := <-done:
		if !st.Ok() {
			t.Fatalf("Write after Resume: %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Write never unblocked after Resume")
	}
}

func writerFor(c *EndpointChannel) interface {
	Write([]byte) (int, error)
} {
	return c.socket
}

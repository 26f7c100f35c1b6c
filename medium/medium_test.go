/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package medium

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestLoopbackConnect(t *testing.T) {
	net := NewNetwork()
	server := NewLoopback(net, "server-endpoint")
	client := NewLoopback(net, "client-endpoint")

	accepted := make(chan Socket, 1)
	if st := server.StartAcceptingConnections("svc", func(sock Socket, remote string) {
		accepted <- sock
	}); !st.Ok() {
		t.Fatalf("StartAcceptingConnections: %v", st)
	}

	sock, st := client.Connect(context.Background(), "svc", "server-endpoint")
	if !st.Ok() {
		t.Fatalf("Connect: %v", st)
	}
	defer sock.Close()

	var serverSock Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept callback never fired")
	}
	defer serverSock.Close()

	if _, err := sock.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := serverSock.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("got %q", buf)
	}
}

func TestLoopbackConnectRejectsUnknownHandle(t *testing.T) {
	net := NewNetwork()
	client := NewLoopback(net, "client-endpoint")
	if _, st := client.Connect(context.Background(), "svc", "nobody"); st.Ok() {
		t.Fatal("expected failure connecting to unknown handle")
	}
}

func TestWebSocketMediumRoundTrip(t *testing.T) {
	server := NewWebSocketMedium("server-endpoint")
	client := NewWebSocketMedium("client-endpoint")

	accepted := make(chan Socket, 1)
	if st := server.StartAcceptingConnections("svc", func(sock Socket, remote string) {
		accepted <- sock
	}); !st.Ok() {
		t.Fatalf("StartAcceptingConnections: %v", st)
	}
	defer server.StopAcceptingConnections("svc")

	addr, ok := server.ListenAddr("svc")
	if !ok {
		t.Fatal("expected a bound listen address")
	}

	sock, st := client.Connect(context.Background(), "svc", addr)
	if !st.Ok() {
		t.Fatalf("Connect: %v", st)
	}
	defer sock.Close()

	var serverSock Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept callback never fired")
	}
	defer serverSock.Close()

	if _, err := sock.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := serverSock.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("got %q", buf)
	}
}

func TestQUICMediumRoundTrip(t *testing.T) {
	server, st := NewQUICMedium()
	if !st.Ok() {
		t.Fatalf("NewQUICMedium: %v", st)
	}
	client, st := NewQUICMedium()
	if !st.Ok() {
		t.Fatalf("NewQUICMedium: %v", st)
	}

	accepted := make(chan Socket, 1)
	if st := server.StartAcceptingConnections("svc", func(sock Socket, remote string) {
		accepted <- sock
	}); !st.Ok() {
		t.Fatalf("StartAcceptingConnections: %v", st)
	}
	defer server.StopAcceptingConnections("svc")

	addr, ok := server.ListenAddr("svc")
	if !ok {
		t.Fatal("expected a bound listen address")
	}

	sock, st := client.Connect(context.Background(), "svc", addr)
	if !st.Ok() {
		t.Fatalf("Connect: %v", st)
	}
	defer sock.Close()

	if _, err := sock.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var serverSock Socket
	select {
	case serverSock = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept callback never fired")
	}
	defer serverSock.Close()

	buf := make([]byte, 4)
	if _, err := serverSock.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("got %q", buf)
	}
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package nearby

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/nearby/config"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

type recordingListener struct {
	accepted     chan string
	disconnected chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{accepted: make(chan string, 4), disconnected: make(chan string, 4)}
}

func (l *recordingListener) OnInitiated(string, []byte, string, bool) {}
func (l *recordingListener) OnAccepted(endpointID string)             { l.accepted <- endpointID }
func (l *recordingListener) OnRejected(string, status.Status)         {}
func (l *recordingListener) OnDisconnected(endpointID string)         { l.disconnected <- endpointID }

type recordingDiscovery struct {
	found chan string
}

func (l *recordingDiscovery) OnFound(endpointID string, _ []byte, _ frame.MediumTag) { l.found <- endpointID }
func (l *recordingDiscovery) OnLost(string)                                          {}

// TestContextEndToEnd is spec scenario 1 driven through the public
// Context API end to end: advertise, discover, request, accept, send a
// payload, then disconnect.
func TestContextEndToEnd(t *testing.T) {
	netw := medium.NewNetwork()

	aListener, bListener := newRecordingListener(), newRecordingListener()
	a := New("A", []medium.Medium{medium.NewLoopback(netw, "A")}, Options{Listener: aListener})
	b := New("B", []medium.Medium{medium.NewLoopback(netw, "B")}, Options{Listener: bListener})
	defer a.Close()
	defer b.Close()

	if st := a.StartAdvertising("svc", config.Default(), []byte("A")); !st.Ok() {
		t.Fatalf("StartAdvertising: %v", st)
	}

	disc := &recordingDiscovery{found: make(chan string, 4)}
	if st := b.StartDiscovery("svc", config.Default(), disc); !st.Ok() {
		t.Fatalf("StartDiscovery: %v", st)
	}

	select {
	case id := <-disc.found:
		if id != "A" {
			t.Fatalf("discovered %q, want A", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never discovered A")
	}

	reqDone := make(chan status.Status, 1)
	go func() {
		reqDone <- b.RequestConnection(context.Background(), "A", []byte("B"), config.Default())
	}()

	received := make(chan []byte, 1)
	if st := a.AcceptConnection("B", func(_ string, body []byte) { received <- body }); !st.Ok() {
		t.Fatalf("A AcceptConnection: %v", st)
	}
	if st := b.AcceptConnection("A", nil); !st.Ok() {
		t.Fatalf("B AcceptConnection: %v", st)
	}

	select {
	case id := <-aListener.accepted:
		if id != "B" {
			t.Fatalf("A accepted %q, want B", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never observed OnAccepted")
	}

	if st := <-reqDone; !st.Ok() {
		t.Fatalf("RequestConnection: %v", st)
	}

	payload := make([]byte, 64)
	rand.Read(payload)
	if st := b.SendPayload("A", payload); !st.Ok() {
		t.Fatalf("SendPayload: %v", st)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("got payload %x, want %x", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never received the payload")
	}

	if st := a.DisconnectFromEndpoint("B"); !st.Ok() {
		t.Fatalf("DisconnectFromEndpoint: %v", st)
	}

	select {
	case id := <-bListener.disconnected:
		if id != "A" {
			t.Fatalf("B disconnected from %q, want A", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B never observed OnDisconnected")
	}
}

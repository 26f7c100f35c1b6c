/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package pcp

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/channelmgr"
	"github.com/google/nearby/config"
	"github.com/google/nearby/dispatch"
	"github.com/google/nearby/endpointmgr"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/handshake"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

type initiatedEvent struct {
	endpointID string
	info       []byte
	authToken  string
	isIncoming bool
}

type rejectedEvent struct {
	endpointID string
	reason     status.Status
}

type recordingListener struct {
	initiated    chan initiatedEvent
	accepted     chan string
	rejected     chan rejectedEvent
	disconnected chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		initiated:    make(chan initiatedEvent, 8),
		accepted:     make(chan string, 8),
		rejected:     make(chan rejectedEvent, 8),
		disconnected: make(chan string, 8),
	}
}

func (l *recordingListener) OnInitiated(endpointID string, info []byte, authToken string, isIncoming bool) {
	l.initiated <- initiatedEvent{endpointID, info, authToken, isIncoming}
}
func (l *recordingListener) OnAccepted(endpointID string) { l.accepted <- endpointID }
func (l *recordingListener) OnRejected(endpointID string, reason status.Status) {
	l.rejected <- rejectedEvent{endpointID, reason}
}
func (l *recordingListener) OnDisconnected(endpointID string) { l.disconnected <- endpointID }

type recordingDiscoveryListener struct {
	found chan discoveredEvent
	lost  chan string
}

type discoveredEvent struct {
	endpointID string
	info       []byte
	tag        frame.MediumTag
}

func newRecordingDiscoveryListener() *recordingDiscoveryListener {
	return &recordingDiscoveryListener{found: make(chan discoveredEvent, 8), lost: make(chan string, 8)}
}

func (l *recordingDiscoveryListener) OnFound(endpointID string, info []byte, tag frame.MediumTag) {
	l.found <- discoveredEvent{endpointID, info, tag}
}
func (l *recordingDiscoveryListener) OnLost(endpointID string) { l.lost <- endpointID }

type side struct {
	h  *Handler
	cm *channelmgr.Manager
	em *endpointmgr.Manager
}

func buildSide(net *medium.Network, endpointID string, listener ConnectionListener) *side {
	lb := medium.NewLoopback(net, endpointID)
	cm := channelmgr.New(logging.Discard())
	table := dispatch.New()
	em := endpointmgr.New(cm, table, logging.Discard(), nil)
	agreement := handshake.NewNonceKeyAgreement([]byte("svc"))
	h := New(endpointID, []medium.Medium{lb}, cm, em, table, agreement, nil, listener, logging.Discard())
	return &side{h: h, cm: cm, em: em}
}

func waitInitiated(t *testing.T, ch chan initiatedEvent, want string) initiatedEvent {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.endpointID != want {
			t.Fatalf("OnInitiated for %q, want %q", ev.endpointID, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnInitiated(%s)", want)
	}
	return initiatedEvent{}
}

func waitAccepted(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case id := <-ch:
		if id != want {
			t.Fatalf("OnAccepted for %q, want %q", id, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnAccepted(%s)", want)
	}
}

// TestHappyPathNoUpgrade is spec scenario 1: A advertises, B discovers
// and requests a connection, both accept, and a payload written on one
// side's endpointmgr arrives intact on the other's registered
// PAYLOAD_TRANSFER processor.
func TestHappyPathNoUpgrade(t *testing.T) {
	netw := medium.NewNetwork()
	aListener, bListener := newRecordingListener(), newRecordingListener()
	a := buildSide(netw, "A", aListener)
	b := buildSide(netw, "B", bListener)
	defer a.h.Close()
	defer b.h.Close()

	if st := a.h.StartAdvertising("svc", config.Default(), []byte("A's name")); !st.Ok() {
		t.Fatalf("StartAdvertising: %v", st)
	}

	disc := newRecordingDiscoveryListener()
	if st := b.h.StartDiscovery("svc", config.Default(), disc); !st.Ok() {
		t.Fatalf("StartDiscovery: %v", st)
	}

	var a1 string
	select {
	case ev := <-disc.found:
		a1 = ev.endpointID
	case <-time.After(2 * time.Second):
		t.Fatal("B never discovered A")
	}
	if a1 != "A" {
		t.Fatalf("discovered endpoint id %q, want A", a1)
	}

	reqDone := make(chan status.Status, 1)
	go func() {
		reqDone <- b.h.RequestConnection(context.Background(), a1, []byte("B's name"), config.Default())
	}()

	waitInitiated(t, aListener.initiated, "B")
	waitInitiated(t, bListener.initiated, "A")

	received := make(chan []byte, 1)
	if st := a.h.AcceptConnection("B", func(endpointID string, body []byte) { received <- body }); !st.Ok() {
		t.Fatalf("A AcceptConnection: %v", st)
	}
	if st := b.h.AcceptConnection("A", nil); !st.Ok() {
		t.Fatalf("B AcceptConnection: %v", st)
	}

	waitAccepted(t, aListener.accepted, "B")
	waitAccepted(t, bListener.accepted, "A")

	if st := <-reqDone; !st.Ok() {
		t.Fatalf("RequestConnection: %v", st)
	}

	if _, ok := a.cm.GetChannel("B"); !ok {
		t.Fatal("A has no registered channel for B")
	}
	if _, ok := b.cm.GetChannel("A"); !ok {
		t.Fatal("B has no registered channel for A")
	}

	payload := make([]byte, 17)
	rand.Read(payload)
	if st := b.em.EnqueuePayload("A", payload); !st.Ok() {
		t.Fatalf("EnqueuePayload: %v", st)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("got payload %x, want %x", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never received the payload")
	}
}

// TestRejectionWithDelayedClose is spec scenario 2: B rejects, A
// accepts; both resolve to REJECTED, and close is delayed by the
// configured kRejectedConnectionCloseDelay.
func TestRejectionWithDelayedClose(t *testing.T) {
	netw := medium.NewNetwork()
	aListener, bListener := newRecordingListener(), newRecordingListener()
	a := buildSide(netw, "A", aListener)
	b := buildSide(netw, "B", bListener)
	defer a.h.Close()
	defer b.h.Close()

	if st := a.h.StartAdvertising("svc", config.Default(), []byte("A's name")); !st.Ok() {
		t.Fatalf("StartAdvertising: %v", st)
	}
	disc := newRecordingDiscoveryListener()
	if st := b.h.StartDiscovery("svc", config.Default(), disc); !st.Ok() {
		t.Fatalf("StartDiscovery: %v", st)
	}
	<-disc.found

	reqDone := make(chan status.Status, 1)
	go func() {
		reqDone <- b.h.RequestConnection(context.Background(), "A", []byte("B's name"), config.Default())
	}()

	waitInitiated(t, aListener.initiated, "B")
	waitInitiated(t, bListener.initiated, "A")

	start := time.Now()
	if st := b.h.RejectConnection("A"); !st.Ok() {
		t.Fatalf("B RejectConnection: %v", st)
	}
	if st := a.h.AcceptConnection("B", nil); !st.Ok() {
		t.Fatalf("A AcceptConnection: %v", st)
	}

	select {
	case ev := <-aListener.rejected:
		if ev.endpointID != "B" {
			t.Fatalf("OnRejected for %q, want B", ev.endpointID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never observed OnRejected")
	}

	if st := <-reqDone; st.Ok() {
		t.Fatal("RequestConnection should have resolved to a rejection")
	}

	select {
	case <-aListener.disconnected:
		t.Fatal("A disconnected before the close delay elapsed")
	case <-time.After(1500 * time.Millisecond):
	}

	select {
	case id := <-aListener.disconnected:
		if id != "B" {
			t.Fatalf("OnDisconnected for %q, want B", id)
		}
		if elapsed := time.Since(start); elapsed < 1800*time.Millisecond {
			t.Fatalf("OnDisconnected fired too early: %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A never observed OnDisconnected")
	}

	if _, ok := a.cm.GetChannel("B"); ok {
		t.Fatal("a rejected endpoint must never reach the channel registry")
	}
}

// pipeSocket adapts a net.Conn to medium.Socket — they already share
// the same Read/Write/Close method set, but a named type keeps call
// sites in these tests legible.
type pipeSocket = net.Conn

func newIncomingHandlerFixture(t *testing.T) (*Handler, medium.Socket) {
	t.Helper()
	cm := channelmgr.New(logging.Discard())
	table := dispatch.New()
	em := endpointmgr.New(cm, table, logging.Discard(), nil)
	agreement := handshake.NewNonceKeyAgreement([]byte("svc"))
	h := New("local", nil, cm, em, table, agreement, nil, newRecordingListener(), logging.Discard())
	h.advertising["svc"] = &advertiseState{opts: config.Default()}

	remote, local := net.Pipe()
	go h.onIncomingConnection("svc", frame.MediumWifiLAN, local, "peer")
	return h, remote
}

func writeConnectionRequest(t *testing.T, remote medium.Socket, endpointID string, nonce int32) {
	t.Helper()
	req := &frame.ConnectionRequest{EndpointID: endpointID, Nonce: nonce}
	encoded, st := (&frame.Frame{Type: frame.TypeConnectionRequest, ConnectionRequest: req}).Encode()
	if !st.Ok() {
		t.Fatalf("Encode: %v", st)
	}
	if st := frame.WriteFrame(remote, encoded); !st.Ok() {
		t.Fatalf("WriteFrame: %v", st)
	}
}

// TestTieBreakHigherLocalNonceWins covers §8's tie-break determinism
// invariant: when a pending outgoing connection's own nonce is higher
// than the incoming request's, the outgoing connection survives
// unchanged and the incoming one is closed without ever becoming
// pending.
func TestTieBreakHigherLocalNonceWins(t *testing.T) {
	cm := channelmgr.New(logging.Discard())
	table := dispatch.New()
	em := endpointmgr.New(cm, table, logging.Discard(), nil)
	agreement := handshake.NewNonceKeyAgreement([]byte("svc"))
	h := New("local", nil, cm, em, table, agreement, nil, newRecordingListener(), logging.Discard())
	h.advertising["svc"] = &advertiseState{opts: config.Default()}

	outgoingLocal, outgoingRemote := net.Pipe()
	defer outgoingRemote.Close()
	outgoingCh := channel.New("peer", "svc", frame.MediumWifiLAN, outgoingLocal, 1)
	existing := &pendingEndpoint{
		endpointID:     "peer",
		serviceID:      "svc",
		channel:        outgoingCh,
		isIncoming:     false,
		nonce:          1000,
		outgoingResult: make(chan status.Status, 1),
	}
	h.pending["peer"] = existing

	remote, local := net.Pipe()
	done := make(chan struct{})
	go func() { h.onIncomingConnection("svc", frame.MediumWifiLAN, local, "peer"); close(done) }()
	writeConnectionRequest(t, remote, "peer", 500)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onIncomingConnection never returned")
	}

	h.submitSync(func() {
		if h.pending["peer"] != existing {
			t.Fatal("the higher-nonce outgoing pending endpoint must survive unchanged")
		}
	})

	buf := make([]byte, 1)
	remote.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := remote.Read(buf); err == nil {
		t.Fatal("expected the losing incoming socket to be closed, got more data")
	}
}

// TestTieBreakLowerLocalNonceLoses covers the opposite branch: the
// existing outgoing pending endpoint is torn down and the incoming
// connection is allowed to proceed to HANDSHAKING.
func TestTieBreakLowerLocalNonceLoses(t *testing.T) {
	cm := channelmgr.New(logging.Discard())
	table := dispatch.New()
	em := endpointmgr.New(cm, table, logging.Discard(), nil)
	agreement := handshake.NewNonceKeyAgreement([]byte("svc"))
	h := New("local", nil, cm, em, table, agreement, nil, newRecordingListener(), logging.Discard())
	h.advertising["svc"] = &advertiseState{opts: config.Default()}

	outgoingLocal, outgoingRemote := net.Pipe()
	defer outgoingRemote.Close()
	outgoingCh := channel.New("peer", "svc", frame.MediumWifiLAN, outgoingLocal, 1)
	existing := &pendingEndpoint{
		endpointID:     "peer",
		serviceID:      "svc",
		channel:        outgoingCh,
		isIncoming:     false,
		nonce:          500,
		outgoingResult: make(chan status.Status, 1),
	}
	h.pending["peer"] = existing

	remote, local := net.Pipe()
	done := make(chan struct{})
	go func() { h.onIncomingConnection("svc", frame.MediumWifiLAN, local, "peer"); close(done) }()
	writeConnectionRequest(t, remote, "peer", 1000)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onIncomingConnection never returned")
	}

	select {
	case st := <-existing.outgoingResult:
		if st.Ok() {
			t.Fatal("the losing outgoing pending endpoint must resolve to a non-OK status")
		}
	case <-time.After(time.Second):
		t.Fatal("losing outgoing endpoint was never torn down")
	}

	h.submitSync(func() {
		p, ok := h.pending["peer"]
		if !ok {
			t.Fatal("the incoming connection must proceed to HANDSHAKING")
		}
		if !p.isIncoming || p.nonce != 1000 {
			t.Fatalf("unexpected surviving pending endpoint: %+v", p)
		}
	})
}

// TestTieBreakEqualNoncesTearsDownBoth covers the equal-nonce branch:
// neither side survives.
func TestTieBreakEqualNoncesTearsDownBoth(t *testing.T) {
	cm := channelmgr.New(logging.Discard())
	table := dispatch.New()
	em := endpointmgr.New(cm, table, logging.Discard(), nil)
	agreement := handshake.NewNonceKeyAgreement([]byte("svc"))
	h := New("local", nil, cm, em, table, agreement, nil, newRecordingListener(), logging.Discard())
	h.advertising["svc"] = &advertiseState{opts: config.Default()}

	outgoingLocal, outgoingRemote := net.Pipe()
	defer outgoingRemote.Close()
	outgoingCh := channel.New("peer", "svc", frame.MediumWifiLAN, outgoingLocal, 1)
	existing := &pendingEndpoint{
		endpointID:     "peer",
		serviceID:      "svc",
		channel:        outgoingCh,
		isIncoming:     false,
		nonce:          777,
		outgoingResult: make(chan status.Status, 1),
	}
	h.pending["peer"] = existing

	remote, local := net.Pipe()
	done := make(chan struct{})
	go func() { h.onIncomingConnection("svc", frame.MediumWifiLAN, local, "peer"); close(done) }()
	writeConnectionRequest(t, remote, "peer", 777)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onIncomingConnection never returned")
	}

	select {
	case st := <-existing.outgoingResult:
		if st.Ok() {
			t.Fatal("equal-nonce collision must not resolve to OK")
		}
	case <-time.After(time.Second):
		t.Fatal("outgoing endpoint was never torn down on equal nonces")
	}

	h.submitSync(func() {
		if _, ok := h.pending["peer"]; ok {
			t.Fatal("equal-nonce collision must leave no pending endpoint on either side")
		}
	})
}

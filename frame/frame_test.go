/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package frame

import (
	"bytes"
	"testing"

	"github.com/google/nearby/status"
)

func TestConnectionRequestRoundTrip(t *testing.T) {
	f := &Frame{
		Type: TypeConnectionRequest,
		ConnectionRequest: &ConnectionRequest{
			EndpointID:          "a1",
			EndpointInfo:        []byte("pixel-7"),
			Nonce:               1000,
			SupportedMediums:    []MediumTag{MediumBT, MediumWifiLAN},
			KeepAliveIntervalMs: 5000,
			KeepAliveTimeoutMs:  30000,
		},
	}

	encoded, st := f.Encode()
	if !st.Ok() {
		t.Fatalf("Encode: %v", st)
	}

	decoded, st := Decode(encoded)
	if !st.Ok() {
		t.Fatalf("Decode: %v", st)
	}
	if decoded.Type != TypeConnectionRequest {
		t.Fatalf("type = %v, want CONNECTION_REQUEST", decoded.Type)
	}
	if decoded.ConnectionRequest.EndpointID != "a1" {
		t.Fatalf("endpoint id = %q", decoded.ConnectionRequest.EndpointID)
	}
	if decoded.ConnectionRequest.Nonce != 1000 {
		t.Fatalf("nonce = %d", decoded.ConnectionRequest.Nonce)
	}
	if len(decoded.ConnectionRequest.SupportedMediums) != 2 {
		t.Fatalf("mediums = %v", decoded.ConnectionRequest.SupportedMediums)
	}
}

func TestConnectionResponseBackCompatAccept(t *testing.T) {
	legacy := ConnectionResponse{Status: 0}
	if !legacy.Accepted() {
		t.Fatal("status==0 with no response set should be treated as accept")
	}

	legacyReject := ConnectionResponse{Status: 1}
	if legacyReject.Accepted() {
		t.Fatal("nonzero status with no response set should not be accept")
	}

	explicit := NewRejectResponse()
	if explicit.Accepted() {
		t.Fatal("explicit reject must not be accepted")
	}

	accept := NewAcceptResponse()
	if !accept.Accepted() {
		t.Fatal("explicit accept must be accepted")
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	f := &Frame{Type: TypeKeepAlive, KeepAlive: &KeepAlive{Ack: true}}
	encoded, st := f.Encode()
	if !st.Ok() {
		t.Fatalf("Encode: %v", st)
	}
	if !IsKeepAlive(encoded) {
		t.Fatal("IsKeepAlive should recognize its own encoding")
	}
}

func TestBwuNegotiationRoundTrip(t *testing.T) {
	f := &Frame{
		Type: TypeBwuNegotiation,
		BwuNegotiation: &BwuNegotiation{
			Event:         BwuPathAvailable,
			UpgradeMedium: MediumWifiLAN,
			Endpoint:      "192.168.1.5:12345",
			Credentials:   []byte{1, 2, 3},
		},
	}
	encoded, st := f.Encode()
	if !st.Ok() {
		t.Fatalf("Encode: %v", st)
	}
	decoded, st := Decode(encoded)
	if !st.Ok() {
		t.Fatalf("Decode: %v", st)
	}
	if decoded.BwuNegotiation.Event != BwuPathAvailable {
		t.Fatalf("event = %v", decoded.BwuNegotiation.Event)
	}
	if decoded.BwuNegotiation.Endpoint != "192.168.1.5:12345" {
		t.Fatalf("endpoint = %q", decoded.BwuNegotiation.Endpoint)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	body := []byte("hello, endpoint")
	var buf bytes.Buffer
	if st := WriteFrame(&buf, body); !st.Ok() {
		t.Fatalf("WriteFrame: %v", st)
	}

	got, st := ReadFrame(&buf)
	if !st.Ok() {
		t.Fatalf("ReadFrame: %v", st)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	// 0x7FFFFFFF, per §8 scenario 4: length-prefix overflow is fatal.
	lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = 0x7F, 0xFF, 0xFF, 0xFF
	buf.Write(lenBuf[:])

	_, st := ReadFrame(&buf)
	if st.Ok() || st.Code() != status.EndpointIoError {
		t.Fatalf("expected EndpointIoError, got %v", st)
	}
}

func TestReadFrameRejectsNegativeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // -1 as int32
	_, st := ReadFrame(&buf)
	if st.Ok() {
		t.Fatal("expected failure for negative length")
	}
}

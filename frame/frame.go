/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package frame

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/google/nearby/status"
)

// Type tags the logical frame variant.
type Type uint8

const (
	TypeConnectionRequest Type = iota + 1
	TypeConnectionResponse
	TypePayloadTransfer
	TypeBwuNegotiation
	TypeKeepAlive
	TypeDisconnection
)

func (t Type) String() string {
	switch t {
	case TypeConnectionRequest:
		return "CONNECTION_REQUEST"
	case TypeConnectionResponse:
		return "CONNECTION_RESPONSE"
	case TypePayloadTransfer:
		return "PAYLOAD_TRANSFER"
	case TypeBwuNegotiation:
		return "BWU_NEGOTIATION"
	case TypeKeepAlive:
		return "KEEP_ALIVE"
	case TypeDisconnection:
		return "DISCONNECTION"
	default:
		return "UNKNOWN"
	}
}

// MediumTag identifies a transport on the wire, per §6's medium set.
type MediumTag string

const (
	MediumBT          MediumTag = "BT"
	MediumBLE         MediumTag = "BLE"
	MediumWifiLAN     MediumTag = "WIFI_LAN"
	MediumWifiDirect  MediumTag = "WIFI_DIRECT"
	MediumWifiHotspot MediumTag = "WIFI_HOTSPOT"
	MediumWebRTC      MediumTag = "WEB_RTC"
)

// ResponseCode is CONNECTION_RESPONSE.response, per §4.A.
type ResponseCode int32

const (
	ResponseUnknown ResponseCode = iota
	ResponseAccept
	ResponseReject
)

// ConnectionRequest is §4.A's CONNECTION_REQUEST body.
type ConnectionRequest struct {
	EndpointID           string      `cbor:"1,keyasint"`
	EndpointInfo         []byte      `cbor:"2,keyasint"`
	Nonce                int32       `cbor:"3,keyasint"`
	SupportedMediums     []MediumTag `cbor:"4,keyasint"`
	KeepAliveIntervalMs  int32       `cbor:"5,keyasint"`
	KeepAliveTimeoutMs   int32       `cbor:"6,keyasint"`
}

// ConnectionResponse is §4.A's CONNECTION_RESPONSE body, including the
// legacy back-compat field pair.
type ConnectionResponse struct {
	Status       int32        `cbor:"1,keyasint"`
	Response     ResponseCode `cbor:"2,keyasint"`
	responseSet  bool         // unexported: set by the constructors and Decode; Accepted does not read it
}

// NewAcceptResponse/NewRejectResponse build a canonical-form response:
// both Status and Response are set consistently, treating the
// back-compat reading as canonical (see DESIGN.md).
func NewAcceptResponse() ConnectionResponse {
	return ConnectionResponse{Status: 0, Response: ResponseAccept, responseSet: true}
}

func NewRejectResponse() ConnectionResponse {
	return ConnectionResponse{Status: 1, Response: ResponseReject, responseSet: true}
}

// Accepted implements the back-compat rule: status == 0 is ACCEPT when
// response is absent/unknown, otherwise Response is authoritative.
func (r ConnectionResponse) Accepted() bool {
	if r.Response == ResponseAccept {
		return true
	}
	if r.Response == ResponseUnknown {
		return r.Status == 0
	}
	return false
}

// KeepAlive is §4.A's KEEP_ALIVE body.
type KeepAlive struct {
	Ack bool `cbor:"1,keyasint"`
}

// Disconnection is §4.A's DISCONNECTION body; it carries no fields.
type Disconnection struct{}

// PayloadTransfer is opaque to this frame layer per §1/§4.A — the
// payload-chunking protocol above it is explicitly out of scope, so
// this module only shuttles the bytes through.
type PayloadTransfer struct {
	Body []byte `cbor:"1,keyasint"`
}

// BwuEventType tags which of the seven BWU_NEGOTIATION sub-messages of
// §4.H a BwuNegotiation carries.
type BwuEventType uint8

const (
	BwuPathAvailable BwuEventType = iota + 1
	BwuClientIntroduction
	BwuClientIntroductionAck
	BwuLastWriteToPriorChannel
	BwuSafeToClosePriorChannel
	BwuAvailableMediumsDiscovery
	BwuUpgradeFailure
)

// BwuNegotiation is the §4.H BWU_NEGOTIATION body — a tagged union over
// the seven event kinds, each carrying only the fields it needs.
type BwuNegotiation struct {
	Event BwuEventType `cbor:"1,keyasint"`

	// path_available
	UpgradeMedium MediumTag `cbor:"2,keyasint,omitempty"`
	Endpoint      string    `cbor:"3,keyasint,omitempty"` // host:port or equivalent
	Credentials   []byte    `cbor:"4,keyasint,omitempty"`
	PSM           int32     `cbor:"5,keyasint,omitempty"`

	// client_introduction / client_introduction_ack
	EndpointID string `cbor:"6,keyasint,omitempty"`

	// available_mediums_discovery
	AvailableMediums []MediumTag `cbor:"7,keyasint,omitempty"`

	// upgrade_failure
	FailureReason string `cbor:"8,keyasint,omitempty"`
}

// Frame is the decoded logical frame: a type tag plus exactly one
// populated body, the Go analogue of the tagged union in §4.A.
type Frame struct {
	Type Type

	ConnectionRequest  *ConnectionRequest
	ConnectionResponse *ConnectionResponse
	PayloadTransfer    *PayloadTransfer
	BwuNegotiation     *BwuNegotiation
	KeepAlive          *KeepAlive
	Disconnection      *Disconnection
}

// wireEnvelope is the cbor-serialized shape: a type tag plus a body
// blob, itself cbor-encoded. Two-stage encoding keeps the outer switch
// cheap to decode before committing to a specific body type.
type wireEnvelope struct {
	Type Type   `cbor:"1,keyasint"`
	Body []byte `cbor:"2,keyasint"`
}

func encodeBody(v interface{}) ([]byte, status.Status) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, status.Wrap(status.InvalidProtocolBuffer, err)
	}
	return b, status.OKStatus
}

// Encode serializes f into the bytes that ReadFrame/WriteFrame will
// carry as the frame body (before any encryption is layered on top).
func (f *Frame) Encode() ([]byte, status.Status) {
	var body []byte
	var st status.Status

	switch f.Type {
	case TypeConnectionRequest:
		body, st = encodeBody(f.ConnectionRequest)
	case TypeConnectionResponse:
		body, st = encodeBody(f.ConnectionResponse)
	case TypePayloadTransfer:
		body, st = encodeBody(f.PayloadTransfer)
	case TypeBwuNegotiation:
		body, st = encodeBody(f.BwuNegotiation)
	case TypeKeepAlive:
		body, st = encodeBody(f.KeepAlive)
	case TypeDisconnection:
		body, st = encodeBody(f.Disconnection)
	default:
		return nil, status.New(status.InvalidProtocolBuffer)
	}
	if !st.Ok() {
		return nil, st
	}

	env := wireEnvelope{Type: f.Type, Body: body}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, status.Wrap(status.InvalidProtocolBuffer, err)
	}
	return out, status.OKStatus
}

// Decode parses the bytes produced by Encode back into a Frame.
func Decode(data []byte) (*Frame, status.Status) {
	var env wireEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, status.Wrap(status.InvalidProtocolBuffer, err)
	}

	f := &Frame{Type: env.Type}
	var err error
	switch env.Type {
	case TypeConnectionRequest:
		f.ConnectionRequest = &ConnectionRequest{}
		err = cbor.Unmarshal(env.Body, f.ConnectionRequest)
	case TypeConnectionResponse:
		f.ConnectionResponse = &ConnectionResponse{}
		err = cbor.Unmarshal(env.Body, f.ConnectionResponse)
		if err == nil {
			f.ConnectionResponse.responseSet = true
		}
	case TypePayloadTransfer:
		f.PayloadTransfer = &PayloadTransfer{}
		err = cbor.Unmarshal(env.Body, f.PayloadTransfer)
	case TypeBwuNegotiation:
		f.BwuNegotiation = &BwuNegotiation{}
		err = cbor.Unmarshal(env.Body, f.BwuNegotiation)
	case TypeKeepAlive:
		f.KeepAlive = &KeepAlive{}
		err = cbor.Unmarshal(env.Body, f.KeepAlive)
	case TypeDisconnection:
		f.Disconnection = &Disconnection{}
		err = cbor.Unmarshal(env.Body, f.Disconnection)
	default:
		return nil, status.New(status.InvalidProtocolBuffer)
	}
	if err != nil {
		return nil, status.Wrap(status.InvalidProtocolBuffer, err)
	}
	return f, status.OKStatus
}

// IsKeepAlive reports whether data decodes as a well-formed KEEP_ALIVE
// frame, used by channel.EndpointChannel to implement §4.A's
// stray-plaintext-keep-alive tolerance on a failed decrypt.
func IsKeepAlive(data []byte) bool {
	f, st := Decode(data)
	return st.Ok() && f.Type == TypeKeepAlive && f.KeepAlive != nil
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package pcp implements §4.G's PCP handler: the single-threaded event
// core that owns pending connections, the discovered-endpoint cache,
// and the tie-break/evaluation rules connection establishment runs on.
package pcp

import (
	"time"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/status"
)

// ConnectionListener is the user-facing callback set of §6's
// ConnectionListener, delivered in PCP-executor order (§5).
type ConnectionListener interface {
	OnInitiated(endpointID string, remoteInfo []byte, authToken string, isIncoming bool)
	OnAccepted(endpointID string)
	OnRejected(endpointID string, reason status.Status)
	OnDisconnected(endpointID string)
}

// DiscoveryListener is §6's DiscoveryListener, delivered as the
// discovery.Cache's state actually changes.
type DiscoveryListener interface {
	OnFound(endpointID string, info []byte, mediumTag frame.MediumTag)
	OnLost(endpointID string)
}

// PayloadListener consumes PAYLOAD_TRANSFER bodies for one accepted
// endpoint. The payload layer itself (chunking, ACKs, file transfer)
// is explicitly out of scope per §6; AcceptConnection only needs
// somewhere to hand raw frame bodies once a connection is accepted.
type PayloadListener func(endpointID string, body []byte)

// BandwidthUpgrader is the §4.H collaborator triggered on the inbound
// side of a freshly-accepted connection, when auto-upgrade is
// enabled. Declared as a narrow interface here (rather than importing
// package bwu directly) so this package can be built and tested before
// a BWU implementation exists; bwu.Manager satisfies it.
type BandwidthUpgrader interface {
	InitiateForEndpoint(endpointID string)
}

type pcpState int

const (
	stateHandshaking pcpState = iota
	stateAwaitingBoth
	stateAccepted
	stateRejected
)

func (s pcpState) String() string {
	switch s {
	case stateHandshaking:
		return "HANDSHAKING"
	case stateAwaitingBoth:
		return "AWAITING_BOTH"
	case stateAccepted:
		return "ACCEPTED"
	default:
		return "REJECTED"
	}
}

// pendingEndpoint tracks one connection from the moment a raw socket
// or outgoing connect attempt appears until it is either promoted to
// ACCEPTED and handed to endpointmgr, or torn down. Every field is
// touched only from the serial command goroutine (§4.G: "all state
// mutation happens on one serial executor so no locking of state is
// required"), except channel/outgoingResult, which are safe to use
// from the dedicated pendingReaderLoop goroutine by construction (see
// connect.go).
type pendingEndpoint struct {
	endpointID string
	serviceID  string
	channel    *channel.EndpointChannel
	isIncoming bool
	nonce      int64

	localInfo  []byte // what we told the remote about ourselves
	remoteInfo []byte // what the remote told us about itself

	localAccept  *bool
	remoteAccept *bool

	cryptoCtx    cryptoctx.Context
	authToken    string
	rawAuthToken []byte

	state   pcpState
	payload PayloadListener

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	rejectTimer *time.Timer

	// outgoingResult, non-nil only for outgoing (RequestConnection)
	// pending endpoints, is the one-shot future §4.G/§5 describe:
	// RequestConnection's caller blocks reading from it until this
	// endpoint resolves to ACCEPTED or REJECTED/FAILED.
	outgoingResult chan status.Status
}

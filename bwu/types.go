/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package bwu implements §4.H's bandwidth-upgrade manager: the
// per-endpoint state machine that swaps a live connection onto a
// higher-bandwidth medium without losing framing or encryption state.
package bwu

import (
	"github.com/google/nearby/channel"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
)

// upgradeRole distinguishes the two mirrored halves of §4.H's machine:
// the side that offers a path (the inbound-accepted endpoint's side,
// per pcp.Handler.promoteLocked's "if inbound and auto-upgrade, trigger
// BWU.InitiateForEndpoint") versus the side that receives the offer.
type upgradeRole int

const (
	roleInitiator upgradeRole = iota
	roleRecipient
)

func (r upgradeRole) String() string {
	if r == roleInitiator {
		return "initiator"
	}
	return "recipient"
}

// upgradeState is §4.H's per-endpoint substate machine.
type upgradeState int

const (
	stateIdle upgradeState = iota
	statePathOffered
	statePeerAcked
	statePausedPrior
	stateNewChannelUp
	stateCutover
	stateDone
	stateUpgradeFailure
)

func (s upgradeState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case statePathOffered:
		return "PATH_OFFERED"
	case statePeerAcked:
		return "PEER_ACKED"
	case statePausedPrior:
		return "PAUSED_PRIOR"
	case stateNewChannelUp:
		return "NEW_CHANNEL_UP"
	case stateCutover:
		return "CUTOVER"
	case stateDone:
		return "DONE"
	default:
		return "UPGRADE_FAILURE"
	}
}

// upgrade tracks one endpoint's in-flight bandwidth upgrade from the
// moment path_available is sent or received until cutover completes or
// fails. Every field is touched only from the owning runInitiator/
// runRecipient goroutine and the serial command goroutine that creates
// and removes map entries — never both at once, by construction (see
// manager.go).
type upgrade struct {
	// sessionID is a short opaque id minted once per upgrade attempt,
	// for tying together the handful of log lines one negotiation
	// produces across runInitiator/runRecipient and fail — it never
	// goes on the wire.
	sessionID string

	endpointID string
	role       upgradeRole
	state      upgradeState
	tag        frame.MediumTag

	oldChannel *channel.EndpointChannel
	newChannel *channel.EndpointChannel

	// bwuServiceID is both the ad hoc Advertise/Connect serviceID and
	// the Connect remoteHandle for this upgrade's dedicated medium
	// listener — always the initiator's localEndpointID (see New's
	// doc comment on why a Medium's Connect needs exactly that).
	bwuServiceID string

	// acceptedSockets delivers raw sockets StartAcceptingConnections
	// hands back to the initiator's accept callback.
	acceptedSockets chan rawAccept

	// negFrames delivers every BWU_NEGOTIATION frame the shared
	// dispatch table routes to this endpoint once this upgrade exists,
	// for whichever step is currently waiting on one.
	negFrames chan *frame.BwuNegotiation
}

type rawAccept struct {
	sock         medium.Socket
	remoteHandle string
}

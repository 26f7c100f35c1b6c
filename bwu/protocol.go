/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package bwu

import (
	"context"
	"time"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
)

// runInitiator drives §4.H's nine numbered steps from the offering
// side: open a listener on the upgrade medium, announce it, accept the
// recipient's connection, exchange client_introduction/ack, pause,
// wait for last_write_to_prior_channel, cut over, announce
// safe_to_close. It owns newChannel exclusively until the cutover
// registers it with channelmgr/endpointmgr, so every read here is a
// single direct call, the same pre-promotion pattern
// pcp.onIncomingConnection and pcp.pendingReaderLoop use for
// CONNECTION_REQUEST/RESPONSE.
func (m *Manager) runInitiator(u *upgrade, md medium.Medium) {
	if st := md.Advertise(u.bwuServiceID, int(medium.PowerHigh), nil); !st.Ok() {
		m.fail(u, nil, "advertise on upgrade medium failed: "+st.Error())
		return
	}
	defer md.StopAdvertising(u.bwuServiceID)

	acceptCB := func(sock medium.Socket, remoteHandle string) {
		select {
		case u.acceptedSockets <- rawAccept{sock: sock, remoteHandle: remoteHandle}:
		default:
			sock.Close()
		}
	}
	if st := md.StartAcceptingConnections(u.bwuServiceID, acceptCB); !st.Ok() {
		m.fail(u, nil, "accept upgrade medium connections failed: "+st.Error())
		return
	}
	defer md.StopAcceptingConnections(u.bwuServiceID)

	pathAvailable := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{
		Event: frame.BwuPathAvailable, UpgradeMedium: u.tag, Endpoint: u.bwuServiceID,
	}}
	encoded, st := pathAvailable.Encode()
	if !st.Ok() {
		m.fail(u, nil, "encode path_available failed")
		return
	}
	if st := u.oldChannel.Write(encoded); !st.Ok() {
		m.fail(u, nil, "write path_available failed")
		return
	}
	u.state = statePathOffered

	var accepted rawAccept
	select {
	case accepted = <-u.acceptedSockets:
	case <-time.After(negotiationTimeout):
		m.fail(u, nil, "timed out waiting for recipient to connect on upgrade medium")
		return
	}
	if accepted.remoteHandle != u.endpointID {
		accepted.sock.Close()
		m.fail(u, nil, "upgrade medium connection arrived from an unexpected peer")
		return
	}

	newChannel := channel.New(u.endpointID, u.bwuServiceID, u.tag, accepted.sock, 1)
	u.newChannel = newChannel

	body, st := newChannel.Read()
	if !st.Ok() {
		m.fail(u, newChannel, "read client_introduction failed")
		return
	}
	f, st := frame.Decode(body)
	if !st.Ok() || f.Type != frame.TypeBwuNegotiation || f.BwuNegotiation == nil || f.BwuNegotiation.Event != frame.BwuClientIntroduction {
		m.fail(u, newChannel, "expected client_introduction")
		return
	}
	if f.BwuNegotiation.EndpointID != u.endpointID {
		m.fail(u, newChannel, "client_introduction endpoint id mismatch")
		return
	}

	ack := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{Event: frame.BwuClientIntroductionAck}}
	encoded, st = ack.Encode()
	if !st.Ok() {
		m.fail(u, newChannel, "encode client_introduction_ack failed")
		return
	}
	if st := newChannel.Write(encoded); !st.Ok() {
		m.fail(u, newChannel, "write client_introduction_ack failed")
		return
	}
	u.state = statePeerAcked

	u.oldChannel.Pause()
	u.state = statePausedPrior

	select {
	case neg := <-u.negFrames:
		if neg.Event != frame.BwuLastWriteToPriorChannel {
			m.fail(u, newChannel, "expected last_write_to_prior_channel")
			return
		}
	case <-time.After(negotiationTimeout):
		m.fail(u, newChannel, "timed out waiting for last_write_to_prior_channel")
		return
	}

	m.channelmgr.ReplaceChannel(u.endpointID, newChannel, true)
	m.endpointmgr.SwapChannel(u.endpointID, newChannel)
	u.state = stateNewChannelUp

	safeToClose := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{Event: frame.BwuSafeToClosePriorChannel}}
	if encoded, st := safeToClose.Encode(); st.Ok() {
		newChannel.Write(encoded)
	}
	newChannel.Resume()
	u.state = stateCutover

	m.finish(u, stateDone)
}

// runRecipient drives §4.H's steps from the receiving side: connect to
// the offered medium, exchange client_introduction/ack, pause and send
// last_write_to_prior_channel on the old channel (via WriteControl,
// since the pause it just applied would otherwise block this very
// frame), cut over, and wait for safe_to_close_prior_channel — which,
// because the cutover already happened, arrives through the normal
// dispatch path rather than a direct read.
func (m *Manager) runRecipient(u *upgrade, offer *frame.BwuNegotiation) {
	md, ok := m.mediumsByTag[u.tag]
	if !ok {
		m.fail(u, nil, "no medium implementation for the offered upgrade medium")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()
	sock, st := md.Connect(ctx, u.bwuServiceID, u.bwuServiceID)
	if !st.Ok() {
		m.fail(u, nil, "connect on upgrade medium failed: "+st.Error())
		return
	}

	newChannel := channel.New(u.endpointID, u.bwuServiceID, u.tag, sock, 1)
	u.newChannel = newChannel

	intro := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{
		Event: frame.BwuClientIntroduction, EndpointID: m.localEndpointID,
	}}
	encoded, st := intro.Encode()
	if !st.Ok() {
		m.fail(u, newChannel, "encode client_introduction failed")
		return
	}
	if st := newChannel.Write(encoded); !st.Ok() {
		m.fail(u, newChannel, "write client_introduction failed")
		return
	}

	body, st := newChannel.Read()
	if !st.Ok() {
		m.fail(u, newChannel, "read client_introduction_ack failed")
		return
	}
	f, st := frame.Decode(body)
	if !st.Ok() || f.Type != frame.TypeBwuNegotiation || f.BwuNegotiation == nil || f.BwuNegotiation.Event != frame.BwuClientIntroductionAck {
		m.fail(u, newChannel, "expected client_introduction_ack")
		return
	}
	u.state = statePeerAcked

	u.oldChannel.Pause()
	u.state = statePausedPrior

	lastWrite := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{Event: frame.BwuLastWriteToPriorChannel}}
	encoded, st = lastWrite.Encode()
	if !st.Ok() {
		m.fail(u, newChannel, "encode last_write_to_prior_channel failed")
		return
	}
	if st := u.oldChannel.WriteControl(encoded); !st.Ok() {
		m.fail(u, newChannel, "write last_write_to_prior_channel failed")
		return
	}

	m.channelmgr.ReplaceChannel(u.endpointID, newChannel, true)
	m.endpointmgr.SwapChannel(u.endpointID, newChannel)
	u.state = stateNewChannelUp

	select {
	case neg := <-u.negFrames:
		if neg.Event != frame.BwuSafeToClosePriorChannel {
			m.fail(u, newChannel, "expected safe_to_close_prior_channel")
			return
		}
	case <-time.After(negotiationTimeout):
		m.fail(u, newChannel, "timed out waiting for safe_to_close_prior_channel")
		return
	}
	u.state = stateCutover
	newChannel.Resume()

	m.finish(u, stateDone)
}

// fail implements §4.H's "any IO or protocol-level failure... emits
// upgrade_failure on the still-alive old channel; both sides drop the
// new path and resume the old one" — via WriteControl since the old
// channel may already be paused by the time a failure is noticed.
func (m *Manager) fail(u *upgrade, newChannel *channel.EndpointChannel, reason string) {
	m.log.Debugf("bwu: upgrade %s for %s (%s) failed: %s", u.sessionID, u.endpointID, u.role, reason)

	failure := &frame.Frame{Type: frame.TypeBwuNegotiation, BwuNegotiation: &frame.BwuNegotiation{
		Event: frame.BwuUpgradeFailure, FailureReason: reason,
	}}
	if encoded, st := failure.Encode(); st.Ok() {
		u.oldChannel.WriteControl(encoded)
	}

	u.oldChannel.Resume()
	if newChannel != nil {
		newChannel.Close()
	}

	m.finish(u, stateUpgradeFailure)
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package handshake implements §4.F's EncryptionRunner: the two-role
// key-agreement driver run once per endpoint, before that endpoint's
// channel is registered with channelmgr or touched by dispatch.
//
// The actual key-agreement protocol (UKEY2 in the original system) is
// treated as an opaque collaborator, the same way base_endpoint_channel.h
// takes a securegcm::D2DConnectionContextV1 it never constructs itself
// — callers inject a KeyAgreement implementation instead of this
// package hardcoding a wire protocol.
package handshake

import (
	"sync"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/status"
)

// KeyAgreement runs the actual cryptographic handshake over ch and
// returns the derived Context plus the two authentication-token forms
// §4.F promises on success: a human-verifiable authToken and the raw
// bytes it was derived from.
type KeyAgreement interface {
	RunClient(ch *channel.EndpointChannel) (ctx cryptoctx.Context, authToken string, rawAuthToken []byte, st status.Status)
	RunServer(ch *channel.EndpointChannel) (ctx cryptoctx.Context, authToken string, rawAuthToken []byte, st status.Status)
}

// ResultListener receives exactly one of OnSuccess or OnFailure per
// StartClient/StartServer call.
//
// OnFailure hands back the same channel pointer StartClient/StartServer
// was given so the caller can verify identity before tearing it down —
// per §4.F, a bandwidth upgrade may have since replaced that endpoint's
// active channel, and tearing down the wrong one would kill a live
// connection.
type ResultListener interface {
	OnSuccess(endpointID string, ctx cryptoctx.Context, authToken string, rawAuthToken []byte)
	OnFailure(endpointID string, ch *channel.EndpointChannel)
}

// Runner drives KeyAgreement for each endpoint on its own goroutine.
type Runner struct {
	agreement KeyAgreement
	log       logging.Logger

	mu      sync.Mutex
	inFlight map[string]struct{}
}

func New(agreement KeyAgreement, log logging.Logger) *Runner {
	if log == nil {
		log = logging.Discard()
	}
	return &Runner{agreement: agreement, log: log, inFlight: make(map[string]struct{})}
}

// StartClient runs the initiator role for endpointID over ch on a
// dedicated goroutine, delivering the result to listener.
func (r *Runner) StartClient(endpointID string, ch *channel.EndpointChannel, listener ResultListener) {
	r.start(endpointID, ch, listener, r.agreement.RunClient)
}

// StartServer runs the responder role for endpointID over ch on a
// dedicated goroutine, delivering the result to listener.
func (r *Runner) StartServer(endpointID string, ch *channel.EndpointChannel, listener ResultListener) {
	r.start(endpointID, ch, listener, r.agreement.RunServer)
}

type roleFunc func(ch *channel.EndpointChannel) (cryptoctx.Context, string, []byte, status.Status)

func (r *Runner) start(endpointID string, ch *channel.EndpointChannel, listener ResultListener, role roleFunc) {
	r.mu.Lock()
	r.inFlight[endpointID] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, endpointID)
			r.mu.Unlock()
		}()

		ctx, authToken, rawAuthToken, st := role(ch)
		if !st.Ok() {
			r.log.Debugf("handshake: endpoint %s failed: %v", endpointID, st)
			listener.OnFailure(endpointID, ch)
			return
		}
		listener.OnSuccess(endpointID, ctx, authToken, rawAuthToken)
	}()
}

// InFlight reports whether a handshake for endpointID is still
// running, useful for tests and for the PCP handler's own HANDSHAKING
// state tracking.
func (r *Runner) InFlight(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[endpointID]
	return ok
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package pcp

import (
	"context"
	"time"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/config"
	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

const connectionRequestReadTimeout = time.Duration(config.ConnectionRequestReadTimeoutMillis) * time.Millisecond
const rejectedConnectionCloseDelay = time.Duration(config.RejectedConnectionCloseDelay) * time.Millisecond

// onIncomingConnection is §4.G's OnIncomingConnection, invoked directly
// by a Medium's AcceptCallback on its own goroutine. Step 2 (the
// bounded CONNECTION_REQUEST read) is pure socket I/O and runs here,
// off the serial executor; every subsequent step mutates shared state
// and runs inside a single submitSync closure.
func (h *Handler) onIncomingConnection(serviceID string, mediumTag frame.MediumTag, sock medium.Socket, remoteHandle string) {
	ch := channel.New(remoteHandle, serviceID, mediumTag, sock, 1)

	var advertising bool
	h.submitSync(func() { _, advertising = h.advertising[serviceID] })
	if !advertising {
		ch.Close()
		return
	}

	type readResult struct {
		body []byte
		st   status.Status
	}
	resultCh := make(chan readResult, 1)
	go func() {
		body, st := ch.Read()
		resultCh <- readResult{body, st}
	}()
	timer := time.AfterFunc(connectionRequestReadTimeout, func() { ch.Close() })
	res := <-resultCh
	timer.Stop()
	if !res.st.Ok() {
		h.log.Debugf("pcp: incoming connection on %s timed out or failed waiting for CONNECTION_REQUEST: %v", serviceID, res.st)
		return
	}

	f, st := frame.Decode(res.body)
	if !st.Ok() || f.Type != frame.TypeConnectionRequest || f.ConnectionRequest == nil {
		ch.Close()
		return
	}
	req := f.ConnectionRequest

	h.submitSync(func() {
		if _, ok := h.channelmgr.GetChannel(req.EndpointID); ok {
			ch.Close()
			return
		}

		if existing, ok := h.pending[req.EndpointID]; ok {
			if existing.isIncoming {
				ch.Close()
				return
			}
			switch {
			case existing.nonce > int64(req.Nonce):
				ch.Close()
				return
			case existing.nonce < int64(req.Nonce):
				h.failPendingLocked(existing, status.New(status.Cancelled))
			default:
				h.failPendingLocked(existing, status.New(status.Cancelled))
				ch.Close()
				return
			}
		}

		adv := h.advertising[serviceID]
		if adv.opts.EnforceTopologyConstraints && h.atIncomingCapacityLocked(adv.opts) {
			ch.Close()
			return
		}

		interval, timeout := sanitizeKeepAlive(req.KeepAliveIntervalMs, req.KeepAliveTimeoutMs)

		p := &pendingEndpoint{
			endpointID:        req.EndpointID,
			serviceID:         serviceID,
			channel:           ch,
			isIncoming:        true,
			nonce:             int64(req.Nonce),
			remoteInfo:        req.EndpointInfo,
			state:             stateHandshaking,
			keepAliveInterval: interval,
			keepAliveTimeout:  timeout,
		}
		h.pending[p.endpointID] = p
		h.handshake.StartServer(p.endpointID, ch, h)
	})
}

func (h *Handler) atIncomingCapacityLocked(opts config.ClientOptions) bool {
	if opts.Strategy != config.StrategyPointToPoint {
		return false
	}
	if h.channelmgr.ConnectedEndpointsCount() > 0 {
		return true
	}
	for _, p := range h.pending {
		if p.isIncoming {
			return true
		}
	}
	return false
}

// RequestConnection is §4.G's RequestConnection: it honors ctx
// cancellation before ever touching a medium (§5), then tries each
// discovered candidate medium for endpointID in priority order until
// one connects, and blocks until the resulting pending endpoint
// resolves to ACCEPTED or REJECTED/FAILED.
func (h *Handler) RequestConnection(ctx context.Context, endpointID string, info []byte, opts config.ClientOptions) status.Status {
	select {
	case <-ctx.Done():
		return status.New(status.Cancelled)
	default:
	}

	type setupResult struct {
		pending *pendingEndpoint
		err     status.Status
	}
	resultCh := make(chan setupResult, 1)

	h.submit(func() {
		if _, ok := h.pending[endpointID]; ok {
			resultCh <- setupResult{nil, status.ForEndpoint(status.AlreadyConnectedToEndpoint, endpointID, nil)}
			return
		}
		if _, ok := h.channelmgr.GetChannel(endpointID); ok {
			resultCh <- setupResult{nil, status.ForEndpoint(status.AlreadyConnectedToEndpoint, endpointID, nil)}
			return
		}

		sanitized := opts.Sanitized()
		tryCount := 0
		for _, e := range h.cache.Entries(endpointID) {
			md, ok := h.mediumsByTag[e.Medium]
			if !ok {
				continue
			}
			tryCount++
			sock, st := md.Connect(ctx, e.ServiceID, e.EndpointID)
			if !st.Ok() {
				continue
			}

			ch := channel.New(endpointID, e.ServiceID, e.Medium, sock, tryCount)
			nonce := randomNonce()
			req := &frame.ConnectionRequest{
				EndpointID:          h.localEndpointID,
				EndpointInfo:        info,
				Nonce:               nonce,
				SupportedMediums:    supportedMediumTags(h.mediumsByTag),
				KeepAliveIntervalMs: int32(sanitized.KeepAliveIntervalMillis),
				KeepAliveTimeoutMs:  int32(sanitized.KeepAliveTimeoutMillis),
			}
			encoded, st := (&frame.Frame{Type: frame.TypeConnectionRequest, ConnectionRequest: req}).Encode()
			if !st.Ok() {
				ch.Close()
				continue
			}
			if st := ch.Write(encoded); !st.Ok() {
				ch.Close()
				continue
			}

			p := &pendingEndpoint{
				endpointID:        endpointID,
				serviceID:         e.ServiceID,
				channel:           ch,
				isIncoming:        false,
				nonce:             int64(nonce),
				localInfo:         info,
				remoteInfo:        e.EndpointInfo,
				state:             stateHandshaking,
				keepAliveInterval: time.Duration(sanitized.KeepAliveIntervalMillis) * time.Millisecond,
				keepAliveTimeout:  time.Duration(sanitized.KeepAliveTimeoutMillis) * time.Millisecond,
				outgoingResult:    make(chan status.Status, 1),
			}
			h.pending[endpointID] = p
			h.handshake.StartClient(endpointID, ch, h)

			resultCh <- setupResult{p, status.OKStatus}
			return
		}

		resultCh <- setupResult{nil, status.ForEndpoint(status.EndpointIoError, endpointID, nil)}
	})

	res := <-resultCh
	if !res.err.Ok() {
		return res.err
	}
	return <-res.pending.outgoingResult
}

// AcceptConnection writes CONNECTION_RESPONSE(ACCEPT) on the pending
// endpoint's still-unencrypted channel, records local_accept, and
// re-evaluates.
func (h *Handler) AcceptConnection(endpointID string, payload PayloadListener) status.Status {
	var result status.Status
	h.submitSync(func() {
		p, ok := h.pending[endpointID]
		if !ok {
			result = status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
			return
		}
		p.payload = payload
		result = h.sendResponseLocked(p, true)
		accept := true
		p.localAccept = &accept
		h.evaluateLocked(p)
	})
	return result
}

// RejectConnection is AcceptConnection's symmetric counterpart.
func (h *Handler) RejectConnection(endpointID string) status.Status {
	var result status.Status
	h.submitSync(func() {
		p, ok := h.pending[endpointID]
		if !ok {
			result = status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
			return
		}
		result = h.sendResponseLocked(p, false)
		accept := false
		p.localAccept = &accept
		h.evaluateLocked(p)
	})
	return result
}

func (h *Handler) sendResponseLocked(p *pendingEndpoint, accept bool) status.Status {
	resp := frame.NewRejectResponse()
	if accept {
		resp = frame.NewAcceptResponse()
	}
	encoded, st := (&frame.Frame{Type: frame.TypeConnectionResponse, ConnectionResponse: &resp}).Encode()
	if !st.Ok() {
		return st
	}
	return p.channel.Write(encoded)
}

// evaluateLocked implements §4.G's evaluation rule: once both
// local_accept and remote_accept are set, promote to ACCEPTED if both
// are true, otherwise reject.
func (h *Handler) evaluateLocked(p *pendingEndpoint) {
	if p.localAccept == nil || p.remoteAccept == nil {
		return
	}
	if *p.localAccept && *p.remoteAccept {
		h.promoteLocked(p)
		return
	}
	h.rejectLocked(p, status.New(status.ConnectionRejected))
}

func (h *Handler) promoteLocked(p *pendingEndpoint) {
	p.state = stateAccepted
	delete(h.pending, p.endpointID)

	h.channelmgr.EncryptChannelForEndpoint(p.endpointID, p.cryptoCtx)
	h.channelmgr.RegisterChannel(p.endpointID, p.channel)
	h.endpointmgr.Register(p.endpointID, p.channel, p.keepAliveInterval, p.keepAliveTimeout)

	if p.payload != nil {
		listener := p.payload
		h.dispatch.Register(frame.TypePayloadTransfer, p.endpointID, func(f *frame.Frame, endpointID string, _ interface{}, _ frame.MediumTag) {
			if f.PayloadTransfer != nil {
				listener(endpointID, f.PayloadTransfer.Body)
			}
		})
	}

	h.connListener.OnAccepted(p.endpointID)

	if p.isIncoming && h.bwu != nil {
		if adv, ok := h.advertising[p.serviceID]; ok && adv.opts.AutoUpgradeBandwidth {
			h.bwu.InitiateForEndpoint(p.endpointID)
		}
	}

	if p.outgoingResult != nil {
		p.outgoingResult <- status.OKStatus
	}
}

func (h *Handler) rejectLocked(p *pendingEndpoint, reason status.Status) {
	p.state = stateRejected
	delete(h.pending, p.endpointID)

	h.connListener.OnRejected(p.endpointID, reason)
	p.rejectTimer = time.AfterFunc(rejectedConnectionCloseDelay, func() {
		h.submit(func() { h.discardEndpoint(p) })
	})

	if p.outgoingResult != nil {
		p.outgoingResult <- reason
	}
}

// failPendingLocked tears down a pending endpoint immediately, no
// delay: used for tie-break losers and for channel/handshake failures
// that happen before either side has had a chance to accept or
// reject, where there is nothing worth delaying the close for.
func (h *Handler) failPendingLocked(p *pendingEndpoint, reason status.Status) {
	delete(h.pending, p.endpointID)
	p.channel.Close()
	h.connListener.OnRejected(p.endpointID, reason)
	if p.outgoingResult != nil {
		select {
		case p.outgoingResult <- reason:
		default:
		}
	}
}

func (h *Handler) discardEndpoint(p *pendingEndpoint) {
	p.channel.Close()
	h.connListener.OnDisconnected(p.endpointID)
}

// OnSuccess implements handshake.ResultListener: the handshake for
// p completed, deriving a crypto context and auth token. This is
// exactly the HANDSHAKING -> AWAITING_BOTH transition of §4.G's state
// diagram, and the point ConnectionListener.OnInitiated fires. Only
// now is it safe to start reading further frames (CONNECTION_RESPONSE)
// off the channel, since until this point the handshake implementation
// owns every read on it.
func (h *Handler) OnSuccess(endpointID string, ctx cryptoctx.Context, authToken string, rawAuthToken []byte) {
	h.submit(func() {
		p, ok := h.pending[endpointID]
		if !ok {
			return
		}
		p.cryptoCtx = ctx
		p.authToken = authToken
		p.rawAuthToken = rawAuthToken
		p.state = stateAwaitingBoth
		h.connListener.OnInitiated(endpointID, p.remoteInfo, authToken, p.isIncoming)
		go h.pendingReaderLoop(p)
	})
}

// OnFailure implements handshake.ResultListener. ch is checked against
// the pending endpoint's current channel before acting, mirroring
// §4.F's "caller must verify identity of the delivered channel" —
// relevant here because a tie-break loss can have already replaced or
// discarded this pending endpoint by the time the handshake goroutine
// notices its read failed.
func (h *Handler) OnFailure(endpointID string, ch *channel.EndpointChannel) {
	h.submit(func() {
		p, ok := h.pending[endpointID]
		if !ok || p.channel != ch {
			return
		}
		h.failPendingLocked(p, status.ForEndpoint(status.AuthenticationFailure, endpointID, nil))
	})
}

// pendingReaderLoop owns every read on p.channel from the moment the
// handshake completes until this pending endpoint is handed off to
// endpointmgr (ACCEPTED) or torn down (REJECTED/FAILED/tie-break
// loss), at which point it exits without itself closing the channel —
// ownership has moved elsewhere.
func (h *Handler) pendingReaderLoop(p *pendingEndpoint) {
	for {
		body, st := p.channel.Read()
		if !st.Ok() {
			h.submit(func() {
				if cur, ok := h.pending[p.endpointID]; ok && cur == p {
					h.failPendingLocked(p, st)
				}
			})
			return
		}

		f, st := frame.Decode(body)
		if !st.Ok() {
			continue
		}

		if f.Type == frame.TypeDisconnection {
			h.submit(func() {
				if cur, ok := h.pending[p.endpointID]; ok && cur == p {
					h.failPendingLocked(p, status.ForEndpoint(status.Cancelled, p.endpointID, nil))
				}
			})
			return
		}

		if f.Type != frame.TypeConnectionResponse || f.ConnectionResponse == nil {
			continue
		}

		stopReading := make(chan bool, 1)
		h.submit(func() {
			cur, ok := h.pending[p.endpointID]
			if !ok || cur != p {
				stopReading <- true
				return
			}
			accept := f.ConnectionResponse.Accepted()
			cur.remoteAccept = &accept
			h.evaluateLocked(cur)
			_, stillPending := h.pending[p.endpointID]
			stopReading <- !stillPending
		})
		if <-stopReading {
			return
		}
	}
}

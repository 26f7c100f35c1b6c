/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package pcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/nearby/channelmgr"
	"github.com/google/nearby/config"
	"github.com/google/nearby/discovery"
	"github.com/google/nearby/dispatch"
	"github.com/google/nearby/endpointmgr"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/handshake"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

type advertiseState struct {
	opts config.ClientOptions
	info []byte
	tags []frame.MediumTag
}

type discoverState struct {
	opts     config.ClientOptions
	listener DiscoveryListener
	tags     []frame.MediumTag
}

// Handler is §4.G's PCP handler. All of its state — advertising/
// discovery registrations and pending endpoints — is mutated
// exclusively by the goroutine started in New: a single-threaded
// event core implemented as a goroutine draining a channel of
// closures, rather than a goroutine the caller parks on with a mutex
// held.
type Handler struct {
	mediumsByTag map[frame.MediumTag]medium.Medium

	channelmgr *channelmgr.Manager
	endpointmgr *endpointmgr.Manager
	dispatch    *dispatch.Table
	cache       *discovery.Cache
	handshake   *handshake.Runner
	bwu         BandwidthUpgrader

	log          logging.Logger
	connListener ConnectionListener

	localEndpointID string

	cmds    chan func()
	closeCh chan struct{}
	closeOnce sync.Once

	advertising map[string]*advertiseState
	discovering map[string]*discoverState
	pending     map[string]*pendingEndpoint
}

// New builds a Handler over mediums, wiring it to the shared
// channelmgr/endpointmgr/dispatch instances a nearby.Context
// constructs once per process, plus its own discovery cache and
// handshake runner. localEndpointID must be the same identifier the
// caller constructed every entry of mediums with (a Medium is always
// bound to one local identity at construction, the same way a
// Loopback medium is bound to one at NewLoopback) — see
// NewLocalEndpointID. bwu may be nil; InitiateForEndpoint is then
// never called — auto-upgrade silently has nowhere to go, the same
// fail-open stance taken for any other unconfigured optional
// collaborator.
func New(
	localEndpointID string,
	mediums []medium.Medium,
	cm *channelmgr.Manager,
	em *endpointmgr.Manager,
	table *dispatch.Table,
	agreement handshake.KeyAgreement,
	bwu BandwidthUpgrader,
	listener ConnectionListener,
	log logging.Logger,
) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	h := &Handler{
		mediumsByTag:    make(map[frame.MediumTag]medium.Medium, len(mediums)),
		channelmgr:      cm,
		endpointmgr:     em,
		dispatch:        table,
		cache:           discovery.New(log),
		handshake:       handshake.New(agreement, log),
		bwu:             bwu,
		log:             log,
		connListener:    listener,
		localEndpointID: localEndpointID,
		cmds:            make(chan func()),
		closeCh:         make(chan struct{}),
		advertising:     make(map[string]*advertiseState),
		discovering:     make(map[string]*discoverState),
		pending:         make(map[string]*pendingEndpoint),
	}
	for _, m := range mediums {
		h.mediumsByTag[m.Tag()] = m
	}
	go h.run()
	return h
}

// LocalEndpointID is the identifier this Handler advertises itself as
// in every outgoing CONNECTION_REQUEST.
func (h *Handler) LocalEndpointID() string {
	return h.localEndpointID
}

// NewLocalEndpointID generates a random 4-character endpoint id in the
// same alphabet and length Nearby Connections uses on the wire. Call
// it once per device identity and reuse the result to construct both
// that identity's Mediums and its Handler.
func NewLocalEndpointID() string {
	b := make([]byte, 4)
	rand.Read(b)
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	id := make([]byte, 4)
	for i, v := range b {
		id[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(id)
}

func (h *Handler) run() {
	for {
		select {
		case fn := <-h.cmds:
			fn()
		case <-h.closeCh:
			return
		}
	}
}

// submit enqueues fn on the serial executor without waiting for it to
// run.
func (h *Handler) submit(fn func()) {
	select {
	case h.cmds <- fn:
	case <-h.closeCh:
	}
}

// submitSync enqueues fn and blocks until it has run, the shape every
// public operation in §4.G ("blocks until the PCP thread completes")
// needs.
func (h *Handler) submitSync(fn func()) {
	done := make(chan struct{})
	h.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-h.closeCh:
	}
}

// Close stops the serial executor. Pending endpoints and active
// advertising/discovery registrations are not torn down individually;
// callers are expected to StopAdvertising/StopDiscovery/reject first,
// the same "caller drives an orderly shutdown" contract device.Close
// documents.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closeCh) })
}

func supportedMediumTags(mediums map[frame.MediumTag]medium.Medium) []frame.MediumTag {
	out := make([]frame.MediumTag, 0, len(mediums))
	for tag := range mediums {
		out = append(out, tag)
	}
	return out
}

func sanitizeKeepAlive(intervalMs, timeoutMs int32) (time.Duration, time.Duration) {
	interval, timeout := intervalMs, timeoutMs
	if interval <= 0 || timeout <= 0 || interval >= timeout {
		interval = config.DefaultKeepAliveIntervalMillis
		timeout = config.DefaultKeepAliveTimeoutMillis
	}
	return time.Duration(interval) * time.Millisecond, time.Duration(timeout) * time.Millisecond
}

func randomNonce() int32 {
	var b [4]byte
	rand.Read(b[:])
	n := int32(binary.BigEndian.Uint32(b[:]))
	if n < 0 {
		n = -n
	}
	return n
}

// StartAdvertising enables every medium in opts.AllowedMediums that
// this Handler was constructed with, advertising info under serviceID.
// Per §4.G it blocks until the PCP executor has finished starting; the
// set of mediums actually enabled is recorded in a log line rather
// than returned, since Status has no payload slot for it (see
// DESIGN.md).
func (h *Handler) StartAdvertising(serviceID string, opts config.ClientOptions, info []byte) status.Status {
	var result status.Status
	h.submitSync(func() {
		if _, ok := h.advertising[serviceID]; ok {
			result = status.ForEndpoint(status.OutOfOrderApiCall, serviceID, nil)
			return
		}

		sanitized := opts.Sanitized()
		pl := medium.PowerBalanced
		if sanitized.LowPower {
			pl = medium.PowerLow
		}

		var enabled []frame.MediumTag
		for _, cm := range sanitized.AllowedMediums {
			tag := frame.MediumTag(cm)
			md, ok := h.mediumsByTag[tag]
			if !ok {
				continue
			}
			if st := md.Advertise(serviceID, int(pl), info); !st.Ok() {
				continue
			}
			localTag := tag
			if st := md.StartAcceptingConnections(serviceID, func(sock medium.Socket, remoteHandle string) {
				h.onIncomingConnection(serviceID, localTag, sock, remoteHandle)
			}); !st.Ok() {
				md.StopAdvertising(serviceID)
				continue
			}
			enabled = append(enabled, tag)
		}

		if len(enabled) == 0 {
			result = status.ForEndpoint(status.EndpointIoError, serviceID, nil)
			return
		}
		h.log.Infof("pcp: advertising %s on mediums %v", serviceID, enabled)
		h.advertising[serviceID] = &advertiseState{opts: sanitized, info: info, tags: enabled}
		result = status.OKStatus
	})
	return result
}

// StopAdvertising disables advertising and connection acceptance on
// every medium StartAdvertising enabled for serviceID.
func (h *Handler) StopAdvertising(serviceID string) status.Status {
	var result status.Status
	h.submitSync(func() {
		adv, ok := h.advertising[serviceID]
		if !ok {
			result = status.ForEndpoint(status.OutOfOrderApiCall, serviceID, nil)
			return
		}
		for _, tag := range adv.tags {
			md := h.mediumsByTag[tag]
			md.StopAcceptingConnections(serviceID)
			md.StopAdvertising(serviceID)
		}
		delete(h.advertising, serviceID)
		result = status.OKStatus
	})
	return result
}

// StartDiscovery enables scanning on every allowed medium for
// serviceID, bridging raw medium found/lost events through the
// discovery cache's replacement rules into listener.
func (h *Handler) StartDiscovery(serviceID string, opts config.ClientOptions, listener DiscoveryListener) status.Status {
	var result status.Status
	h.submitSync(func() {
		if _, ok := h.discovering[serviceID]; ok {
			result = status.ForEndpoint(status.OutOfOrderApiCall, serviceID, nil)
			return
		}

		sanitized := opts.Sanitized()
		pl := medium.PowerBalanced
		if sanitized.LowPower {
			pl = medium.PowerLow
		}

		var enabled []frame.MediumTag
		for _, cm := range sanitized.AllowedMediums {
			tag := frame.MediumTag(cm)
			md, ok := h.mediumsByTag[tag]
			if !ok {
				continue
			}
			localTag := tag
			cb := medium.DiscoveryCallback{
				OnFound: func(endpointID string, endpointInfo []byte, svcID string) {
					h.submit(func() {
						h.cache.OnEndpointFound(
							discovery.Entry{EndpointID: endpointID, EndpointInfo: endpointInfo, ServiceID: svcID, Medium: localTag},
							func(e discovery.Entry) { listener.OnFound(e.EndpointID, e.EndpointInfo, e.Medium) },
							func(id string, _ frame.MediumTag) { listener.OnLost(id) },
						)
					})
				},
				OnLost: func(endpointID string) {
					h.submit(func() {
						h.cache.OnEndpointLost(endpointID, localTag, func(id string, _ frame.MediumTag) { listener.OnLost(id) })
					})
				},
			}
			if st := md.StartScanning(serviceID, int(pl), cb); !st.Ok() {
				continue
			}
			enabled = append(enabled, tag)
		}

		if len(enabled) == 0 {
			result = status.ForEndpoint(status.EndpointIoError, serviceID, nil)
			return
		}
		h.log.Infof("pcp: discovering %s on mediums %v", serviceID, enabled)
		h.discovering[serviceID] = &discoverState{opts: sanitized, listener: listener, tags: enabled}
		result = status.OKStatus
	})
	return result
}

// StopDiscovery disables scanning on every medium StartDiscovery
// enabled for serviceID.
func (h *Handler) StopDiscovery(serviceID string) status.Status {
	var result status.Status
	h.submitSync(func() {
		disc, ok := h.discovering[serviceID]
		if !ok {
			result = status.ForEndpoint(status.OutOfOrderApiCall, serviceID, nil)
			return
		}
		for _, tag := range disc.tags {
			h.mediumsByTag[tag].StopScanning(serviceID)
		}
		delete(h.discovering, serviceID)
		result = status.OKStatus
	})
	return result
}

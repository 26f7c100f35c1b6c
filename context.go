/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package nearby is §9's single per-client entry point: one Context per
// local identity, wiring the channel registry, endpoint manager, PCP
// handler, and bandwidth-upgrade manager together over a caller-supplied
// Medium set.
package nearby

import (
	"context"

	"github.com/google/nearby/bwu"
	"github.com/google/nearby/channelmgr"
	"github.com/google/nearby/config"
	"github.com/google/nearby/dispatch"
	"github.com/google/nearby/endpointmgr"
	"github.com/google/nearby/handshake"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/pcp"
	"github.com/google/nearby/status"
)

// Options bundles Context's optional collaborators. Zero values are
// meaningful: Log defaults to a discard logger, Agreement defaults to a
// NonceKeyAgreement keyed on the local identity, and a nil Disconnect
// defaults to Listener.OnDisconnected when Listener is set.
type Options struct {
	Listener   pcp.ConnectionListener
	Agreement  handshake.KeyAgreement
	Disconnect endpointmgr.DisconnectListener
	Log        logging.Logger
}

// Context is the "single per-client context" of §9, analogous to
// device.Device: constructed once with a Medium set and Options, owning
// one instance each of the channel/endpoint registries, the
// bandwidth-upgrade manager, and the PCP state machine, built in that order the
// same way NewDevice populates a Device's sub-resources before handing
// back a ready-to-use struct.
type Context struct {
	localEndpointID string

	channelmgr  *channelmgr.Manager
	endpointmgr *endpointmgr.Manager
	handler     *pcp.Handler
	bwu         *bwu.Manager
}

// New constructs a Context identified as localEndpointID — see
// pcp.NewLocalEndpointID to generate one — over mediums. Every entry of
// mediums must itself have been constructed with that same identity, the
// same constraint pcp.New and bwu.New each document individually: a
// Medium's own identity is bound once, at construction.
func New(localEndpointID string, mediums []medium.Medium, opts Options) *Context {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	agreement := opts.Agreement
	if agreement == nil {
		agreement = handshake.NewNonceKeyAgreement([]byte(localEndpointID))
	}

	// endpointmgr's own DisconnectListener only ever fires for endpoints
	// that already reached ACCEPTED (pcp.Handler reports pre-accept
	// teardowns itself, via ConnectionListener.OnDisconnected, for a
	// connection that never left its own pending map). Route it to the
	// same ConnectionListener by default so callers see one consistent
	// OnDisconnected stream across both cases; opts.Disconnect overrides
	// this when a caller needs the teardown reason endpointmgr records.
	disconnect := opts.Disconnect
	if disconnect == nil && opts.Listener != nil {
		listener := opts.Listener
		disconnect = func(endpointID string, _ status.Status) { listener.OnDisconnected(endpointID) }
	}

	cm := channelmgr.New(log)
	table := dispatch.New()
	em := endpointmgr.New(cm, table, log, disconnect)
	bm := bwu.New(localEndpointID, mediums, cm, em, table, log)
	h := pcp.New(localEndpointID, mediums, cm, em, table, agreement, bm, opts.Listener, log)

	return &Context{
		localEndpointID: localEndpointID,
		channelmgr:      cm,
		endpointmgr:     em,
		handler:         h,
		bwu:             bm,
	}
}

// LocalEndpointID is the identifier this Context advertises itself as.
func (c *Context) LocalEndpointID() string {
	return c.localEndpointID
}

func (c *Context) StartAdvertising(serviceID string, opts config.ClientOptions, info []byte) status.Status {
	return c.handler.StartAdvertising(serviceID, opts, info)
}

func (c *Context) StopAdvertising(serviceID string) status.Status {
	return c.handler.StopAdvertising(serviceID)
}

func (c *Context) StartDiscovery(serviceID string, opts config.ClientOptions, listener pcp.DiscoveryListener) status.Status {
	return c.handler.StartDiscovery(serviceID, opts, listener)
}

func (c *Context) StopDiscovery(serviceID string) status.Status {
	return c.handler.StopDiscovery(serviceID)
}

func (c *Context) RequestConnection(ctx context.Context, endpointID string, info []byte, opts config.ClientOptions) status.Status {
	return c.handler.RequestConnection(ctx, endpointID, info, opts)
}

func (c *Context) AcceptConnection(endpointID string, payload pcp.PayloadListener) status.Status {
	return c.handler.AcceptConnection(endpointID, payload)
}

func (c *Context) RejectConnection(endpointID string) status.Status {
	return c.handler.RejectConnection(endpointID)
}

// SendPayload enqueues body as a PAYLOAD_TRANSFER frame on endpointID's
// writer thread, FIFO with respect to every other SendPayload for the
// same endpoint.
func (c *Context) SendPayload(endpointID string, body []byte) status.Status {
	return c.endpointmgr.EnqueuePayload(endpointID, body)
}

// DisconnectFromEndpoint runs §4.E's five-step teardown for endpointID
// directly, without waiting for a keep-alive timeout or a peer-initiated
// DISCONNECTION.
func (c *Context) DisconnectFromEndpoint(endpointID string) status.Status {
	return c.endpointmgr.Teardown(endpointID, status.ForEndpoint(status.OK, endpointID, nil))
}

// StopAllEndpoints tears down every endpoint currently connected,
// mirroring device.Device.Close's "stop every peer" sweep before a
// caller shuts the whole Context down.
func (c *Context) StopAllEndpoints() {
	for _, endpointID := range c.channelmgr.ConnectedEndpointIDs() {
		c.endpointmgr.Teardown(endpointID, status.ForEndpoint(status.OK, endpointID, nil))
	}
}

// Close stops advertising/discovery, tears down every connected
// endpoint, and shuts down the PCP and BWU command goroutines. A
// Context is not usable after Close returns.
func (c *Context) Close() {
	c.StopAllEndpoints()
	c.handler.Close()
	c.bwu.Close()
}

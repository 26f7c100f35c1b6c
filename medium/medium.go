/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package medium defines the §6 Medium/Socket abstraction the rest of
// this module depends on exclusively — the platform radio drivers
// themselves are explicitly out of scope (§1) and are expected to
// satisfy these interfaces.
package medium

import (
	"context"

	"github.com/google/nearby/frame"
	"github.com/google/nearby/status"
)

// Socket is "a byte-oriented InputStream + OutputStream plus Close" per
// §6.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// FoundCallback/LostCallback together form §6's discovery callback
// pair.
type FoundCallback func(endpointID string, endpointInfo []byte, serviceID string)
type LostCallback func(endpointID string)

type DiscoveryCallback struct {
	OnFound FoundCallback
	OnLost  LostCallback
}

// AcceptCallback delivers a newly-accepted raw Socket from
// StartAcceptingConnections, before any framing or handshake is applied.
type AcceptCallback func(socket Socket, remoteHandle string)

// Medium is the platform-provided transport contract of §6, verbatim.
type Medium interface {
	Tag() frame.MediumTag

	Advertise(serviceID string, powerLevel int, info []byte) status.Status
	StopAdvertising(serviceID string) status.Status

	StartScanning(serviceID string, powerLevel int, cb DiscoveryCallback) status.Status
	StopScanning(serviceID string) status.Status

	StartAcceptingConnections(serviceID string, cb AcceptCallback) status.Status
	StopAcceptingConnections(serviceID string) status.Status

	// Connect dials remoteHandle (an opaque, medium-specific address —
	// a MAC address, a host:port, a PeerConnection id) honoring ctx
	// cancellation, per §5's "RequestConnection honors a
	// caller-supplied cancellation flag."
	Connect(ctx context.Context, serviceID string, remoteHandle string) (Socket, status.Status)
}

// PowerLevel mirrors the power_level argument threaded through
// Advertise/StartScanning in §6.
type PowerLevel int

const (
	PowerLow PowerLevel = iota
	PowerBalanced
	PowerHigh
)

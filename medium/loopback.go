/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package medium

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/nearby/frame"
	"github.com/google/nearby/status"
)

// Network is the shared in-process "aether" a set of Loopback mediums
// attach to for tests: connection-oriented rather than packet-oriented,
// since Nearby mediums are socket-accepting transports.
type Network struct {
	mu          sync.Mutex
	advertisers map[string]*loopbackAdvertiser // serviceID -> advertiser
	scanners    map[string][]*scanner          // serviceID -> active scanners
}

func NewNetwork() *Network {
	return &Network{
		advertisers: make(map[string]*loopbackAdvertiser),
		scanners:    make(map[string][]*scanner),
	}
}

type loopbackAdvertiser struct {
	endpointID string
	info       []byte
	mu         sync.Mutex
	accepting  bool
	acceptCB   AcceptCallback
}

type scanner struct {
	cb DiscoveryCallback
}

// Loopback is a Medium implementation entirely in memory, used by every
// other package's tests (and by the happy-path end-to-end scenarios in
// §8).
type Loopback struct {
	net        *Network
	endpointID string
}

// NewLoopback binds a new Loopback medium, identified to peers as
// endpointID, to net.
func NewLoopback(net *Network, endpointID string) *Loopback {
	return &Loopback{net: net, endpointID: endpointID}
}

func (l *Loopback) Tag() frame.MediumTag {
	return frame.MediumWifiLAN
}

func (l *Loopback) Advertise(serviceID string, powerLevel int, info []byte) status.Status {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	adv := &loopbackAdvertiser{endpointID: l.endpointID, info: info}
	l.net.advertisers[serviceID] = adv

	for _, s := range l.net.scanners[serviceID] {
		s.cb.OnFound(l.endpointID, info, serviceID)
	}
	return status.OKStatus
}

func (l *Loopback) StopAdvertising(serviceID string) status.Status {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	if adv, ok := l.net.advertisers[serviceID]; ok && adv.endpointID == l.endpointID {
		delete(l.net.advertisers, serviceID)
		for _, s := range l.net.scanners[serviceID] {
			s.cb.OnLost(l.endpointID)
		}
	}
	return status.OKStatus
}

func (l *Loopback) StartScanning(serviceID string, powerLevel int, cb DiscoveryCallback) status.Status {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	s := &scanner{cb: cb}
	l.net.scanners[serviceID] = append(l.net.scanners[serviceID], s)

	if adv, ok := l.net.advertisers[serviceID]; ok {
		cb.OnFound(adv.endpointID, adv.info, serviceID)
	}
	return status.OKStatus
}

func (l *Loopback) StopScanning(serviceID string) status.Status {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	delete(l.net.scanners, serviceID)
	return status.OKStatus
}

func (l *Loopback) StartAcceptingConnections(serviceID string, cb AcceptCallback) status.Status {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()

	adv, ok := l.net.advertisers[serviceID]
	if !ok || adv.endpointID != l.endpointID {
		adv = &loopbackAdvertiser{endpointID: l.endpointID}
		l.net.advertisers[serviceID] = adv
	}
	adv.mu.Lock()
	adv.accepting = true
	adv.acceptCB = cb
	adv.mu.Unlock()
	return status.OKStatus
}

func (l *Loopback) StopAcceptingConnections(serviceID string) status.Status {
	l.net.mu.Lock()
	adv, ok := l.net.advertisers[serviceID]
	l.net.mu.Unlock()
	if ok {
		adv.mu.Lock()
		adv.accepting = false
		adv.acceptCB = nil
		adv.mu.Unlock()
	}
	return status.OKStatus
}

func (l *Loopback) Connect(ctx context.Context, serviceID string, remoteHandle string) (Socket, status.Status) {
	select {
	case <-ctx.Done():
		return nil, status.New(status.Cancelled)
	default:
	}

	l.net.mu.Lock()
	adv, ok := l.net.advertisers[serviceID]
	l.net.mu.Unlock()
	if !ok || adv.endpointID != remoteHandle {
		return nil, status.Wrap(status.EndpointIoError, errors.New("no listener for remote handle"))
	}

	adv.mu.Lock()
	accepting, cb := adv.accepting, adv.acceptCB
	adv.mu.Unlock()
	if !accepting {
		return nil, status.Wrap(status.EndpointIoError, errors.New("remote is not accepting connections"))
	}

	clientSock, serverSock := net.Pipe()
	// cb typically blocks reading the first CONNECTION_REQUEST off
	// serverSock (§4.G step 2); run it on its own goroutine so the
	// caller's own post-Connect write isn't blocked waiting for it.
	go cb(serverSock, l.endpointID)
	return clientSock, status.OKStatus
}

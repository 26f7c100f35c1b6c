/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package bwu

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/google/nearby/channelmgr"
	"github.com/google/nearby/dispatch"
	"github.com/google/nearby/endpointmgr"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/medium"
)

// negotiationTimeout bounds how long any single protocol step (steps
// 2-8 of §4.H) waits for its counterpart frame or socket before the
// upgrade is abandoned as a failure, the BWU analogue of §5's 2s
// connection-request alarm — longer, since it spans a real second
// medium connect rather than one local read.
const negotiationTimeout = 10 * time.Second

// upgradePriority is the order InitiateForEndpoint tries candidate
// upgrade mediums in: prefer the mediums §6 calls out as
// higher-bandwidth, falling back toward BT only because every Medium
// set this module builds includes at least Wi-Fi LAN.
var upgradePriority = []frame.MediumTag{
	frame.MediumWifiLAN,
	frame.MediumWifiDirect,
	frame.MediumWifiHotspot,
	frame.MediumWebRTC,
	frame.MediumBLE,
	frame.MediumBT,
}

// Manager is §4.H's BWU manager: one serial command goroutine owning
// the upgrades map (the same "confine mutable state to one goroutine"
// shape pcp.Handler uses for its own pending-connection map), plus one
// runInitiator/runRecipient goroutine per in-flight upgrade doing the
// actual blocking medium/channel I/O.
type Manager struct {
	mediumsByTag map[frame.MediumTag]medium.Medium

	channelmgr  *channelmgr.Manager
	endpointmgr *endpointmgr.Manager
	dispatch    *dispatch.Table
	log         logging.Logger

	localEndpointID string

	cmds      chan func()
	closeCh   chan struct{}
	closeOnce sync.Once

	upgrades map[string]*upgrade
}

// New builds a Manager over mediums (any subset of the full Medium set
// a nearby.Context constructed; an upgrade medium this Manager wasn't
// given simply never wins InitiateForEndpoint's candidate search).
// localEndpointID must match the identifier the caller's pcp.Handler
// and Mediums were built with, for the same reason pcp.New takes it
// explicitly: a Medium's Connect/Advertise pairing is keyed on it.
func New(
	localEndpointID string,
	mediums []medium.Medium,
	cm *channelmgr.Manager,
	em *endpointmgr.Manager,
	table *dispatch.Table,
	log logging.Logger,
) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	m := &Manager{
		mediumsByTag:    make(map[frame.MediumTag]medium.Medium, len(mediums)),
		channelmgr:      cm,
		endpointmgr:     em,
		dispatch:        table,
		log:             log,
		localEndpointID: localEndpointID,
		cmds:            make(chan func()),
		closeCh:         make(chan struct{}),
		upgrades:        make(map[string]*upgrade),
	}
	for _, md := range mediums {
		m.mediumsByTag[md.Tag()] = md
	}
	table.Register(frame.TypeBwuNegotiation, "bwu", m.onFrame)
	go m.run()
	return m
}

func (m *Manager) run() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) submit(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.closeCh:
	}
}

func (m *Manager) submitSync(fn func()) {
	done := make(chan struct{})
	m.submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-m.closeCh:
	}
}

// Close stops the serial command goroutine. In-flight upgrades are not
// torn down individually; whatever medium listeners they opened are
// reclaimed the way any abandoned goroutine's resources are — callers
// are expected to have already torn down every endpoint via
// endpointmgr before closing the owning nearby.Context.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closeCh) })
}

// candidateMedium picks the highest-priority medium this Manager can
// upgrade endpointID onto: present in mediumsByTag and not the medium
// the endpoint is already connected over.
func (m *Manager) candidateMedium(currentTag frame.MediumTag) (frame.MediumTag, medium.Medium, bool) {
	for _, tag := range upgradePriority {
		if tag == currentTag {
			continue
		}
		if md, ok := m.mediumsByTag[tag]; ok {
			return tag, md, true
		}
	}
	return "", nil, false
}

// InitiateForEndpoint implements pcp.BandwidthUpgrader. It is a no-op,
// not surfaced as an error, if endpointID isn't connected, an upgrade
// for it is already in flight, or no candidate medium is available (only
// that last case is logged) — §4.H names no caller-visible failure mode for
// "there was nothing to upgrade to", only for a negotiation that starts
// and then fails.
func (m *Manager) InitiateForEndpoint(endpointID string) {
	ch, ok := m.channelmgr.GetChannel(endpointID)
	if !ok {
		return
	}
	tag, md, ok := m.candidateMedium(ch.MediumTag())
	if !ok {
		m.log.Debugf("bwu: no upgrade medium available for %s, staying on %s", endpointID, ch.MediumTag())
		return
	}

	m.submit(func() {
		if _, exists := m.upgrades[endpointID]; exists {
			return
		}
		u := &upgrade{
			sessionID:       uuid.New().String()[:8],
			endpointID:      endpointID,
			role:            roleInitiator,
			state:           stateIdle,
			tag:             tag,
			oldChannel:      ch,
			bwuServiceID:    m.localEndpointID,
			acceptedSockets: make(chan rawAccept, 1),
			negFrames:       make(chan *frame.BwuNegotiation, 4),
		}
		m.upgrades[endpointID] = u
		m.log.Debugf("bwu: upgrade %s for %s (initiator) targeting %s", u.sessionID, endpointID, tag)
		go m.runInitiator(u, md)
	})
}

// onFrame is the BWU_NEGOTIATION FrameProcessor registered with the
// shared dispatch.Table. path_available starts a new recipient-role
// upgrade; every other event is routed to whichever upgrade is already
// waiting on it.
func (m *Manager) onFrame(f *frame.Frame, endpointID string, _ interface{}, _ frame.MediumTag) {
	if f.BwuNegotiation == nil {
		return
	}
	neg := f.BwuNegotiation

	if neg.Event == frame.BwuPathAvailable {
		ch, ok := m.channelmgr.GetChannel(endpointID)
		if !ok {
			return
		}
		m.submit(func() {
			if _, exists := m.upgrades[endpointID]; exists {
				m.log.Debugf("bwu: ignoring duplicate path_available for %s", endpointID)
				return
			}
			u := &upgrade{
				sessionID:    uuid.New().String()[:8],
				endpointID:   endpointID,
				role:         roleRecipient,
				state:        statePathOffered,
				tag:          neg.UpgradeMedium,
				oldChannel:   ch,
				bwuServiceID: neg.Endpoint,
				negFrames:    make(chan *frame.BwuNegotiation, 4),
			}
			m.upgrades[endpointID] = u
			m.log.Debugf("bwu: upgrade %s for %s (recipient) on %s", u.sessionID, endpointID, neg.UpgradeMedium)
			go m.runRecipient(u, neg)
		})
		return
	}

	m.submit(func() {
		u, ok := m.upgrades[endpointID]
		if !ok {
			return
		}
		select {
		case u.negFrames <- neg:
		default:
			m.log.Debugf("bwu: dropped negotiation frame for %s, receiver not waiting", endpointID)
		}
	})
}

func (m *Manager) finish(u *upgrade, final upgradeState) {
	m.submitSync(func() {
		if cur, ok := m.upgrades[u.endpointID]; ok && cur == u {
			delete(m.upgrades, u.endpointID)
		}
	})
	u.state = final
	m.log.Debugf("bwu: upgrade %s for %s (%s) finished: %s", u.sessionID, u.endpointID, u.role, final)
}

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package channelmgr implements §4.C's process-wide EndpointChannel
// registry: the single source of truth for which channel, and which
// encryption context, is currently active for each connected endpoint.
package channelmgr

import (
	"time"

	"sync"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/config"
	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/status"
)

type endpointData struct {
	channel *channel.EndpointChannel
	crypto  cryptoctx.Context
}

// Manager owns one map from endpoint id to its currently active
// channel, mirroring endpoint_channel_manager.cc's ChannelState. A
// bandwidth upgrade calls ReplaceChannel to atomically swap in a new
// channel without ever leaving the map without one.
type Manager struct {
	mu        sync.Mutex
	endpoints map[string]*endpointData
	log       logging.Logger
}

func New(log logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{endpoints: make(map[string]*endpointData), log: log}
}

// RegisterChannel installs ch as the active channel for endpointID.
// If an encryption context was already recorded for this endpoint (the
// common case: the handshake finishes before or as the channel is
// registered), it's enabled on the new channel immediately.
func (m *Manager) RegisterChannel(endpointID string, ch *channel.EndpointChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debugf("registering channel %s for endpoint %s", ch.Name(), endpointID)
	m.setActiveLocked(endpointID, ch, true)
}

// ReplaceChannel swaps in ch as the new active channel for endpointID,
// used by bwu.Manager to switch a live endpoint onto an upgraded
// medium (§4.H step 7: "replace the old EndpointChannel").
// enableEncryption guards against a bandwidth upgrade in progress
// during an as-yet-unencrypted handshake prematurely flipping
// encryption on.
func (m *Manager) ReplaceChannel(endpointID string, ch *channel.EndpointChannel, enableEncryption bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[endpointID]; !ok {
		m.log.Debugf("replacing channel for endpoint %s with no prior registration", endpointID)
	}
	m.setActiveLocked(endpointID, ch, enableEncryption)
}

func (m *Manager) setActiveLocked(endpointID string, ch *channel.EndpointChannel, enableEncryption bool) {
	data, ok := m.endpoints[endpointID]
	if !ok {
		data = &endpointData{}
		m.endpoints[endpointID] = data
	}
	data.channel = ch
	if enableEncryption && data.crypto != nil {
		ch.EnableEncryption(data.crypto)
	}
}

// EncryptChannelForEndpoint records ctx as endpointID's encryption
// context and, if a channel is already registered, enables it
// immediately. Returns false if no channel is registered yet (the
// context is still recorded for when one arrives).
func (m *Manager) EncryptChannelForEndpoint(endpointID string, ctx cryptoctx.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.endpoints[endpointID]
	if !ok {
		data = &endpointData{}
		m.endpoints[endpointID] = data
	}
	data.crypto = ctx
	if data.channel == nil {
		return false
	}
	data.channel.EnableEncryption(ctx)
	return true
}

// GetChannel returns the currently active channel for endpointID, if
// any.
func (m *Manager) GetChannel(endpointID string) (*channel.EndpointChannel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.endpoints[endpointID]
	if !ok || data.channel == nil {
		return nil, false
	}
	return data.channel, true
}

// ConnectedEndpointsCount reports how many endpoints currently have an
// active channel.
func (m *Manager) ConnectedEndpointsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, data := range m.endpoints {
		if data.channel != nil {
			n++
		}
	}
	return n
}

// ConnectedEndpointIDs lists every endpoint currently holding an active
// channel, for callers that need to act on the whole connected set at
// once (nearby.Context.StopAllEndpoints).
func (m *Manager) ConnectedEndpointIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.endpoints))
	for id, data := range m.endpoints {
		if data.channel != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsWifiLanConnected reports whether any registered endpoint's active
// channel runs over the Wi-Fi LAN medium, the signal used to decide
// whether an additional LAN advertisement would be redundant.
func (m *Manager) IsWifiLanConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, data := range m.endpoints {
		if data.channel != nil && data.channel.MediumTag() == frame.MediumWifiLAN {
			return true
		}
	}
	return false
}

// Unregister forgets the endpoint, resumes the channel (in case it was
// paused mid bandwidth upgrade), best-effort writes a DISCONNECTION
// frame, waits kDataTransferDelay for it to land on the wire if that
// write succeeded, then closes the channel.
func (m *Manager) Unregister(endpointID string) status.Status {
	m.mu.Lock()
	data, ok := m.endpoints[endpointID]
	delete(m.endpoints, endpointID)
	m.mu.Unlock()

	if !ok || data.channel == nil {
		return status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
	}

	ch := data.channel
	ch.Resume()

	disconnection := &frame.Frame{Type: frame.TypeDisconnection, Disconnection: &frame.Disconnection{}}
	if encoded, st := disconnection.Encode(); st.Ok() {
		if st := ch.Write(encoded); !st.Ok() {
			m.log.Debugf("best-effort DISCONNECTION write to %s failed: %v", endpointID, st)
		} else {
			time.Sleep(time.Duration(config.DataTransferDelay) * time.Millisecond)
		}
	}

	return ch.Close()
}

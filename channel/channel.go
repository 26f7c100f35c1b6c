/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package channel implements §4.B's EndpointChannel: a length-framed,
// optionally-encrypted, pausable byte pipe over one medium.Socket.
package channel

import (
	"sync"
	"time"

	"github.com/google/nearby/cryptoctx"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/medium"
	"github.com/google/nearby/status"
)

// EndpointChannel is a single physical connection to a remote endpoint,
// framed per frame.ReadFrame/WriteFrame and, once a handshake completes,
// encrypted with an injected cryptoctx.Context.
//
// The reader, writer and crypto state are guarded by independent
// mutexes, the same split base_endpoint_channel.cc uses: a slow writer
// must never block a concurrent read, and a read that's parked waiting
// on socket IO must never block a query of the last-read timestamp.
type EndpointChannel struct {
	name      string
	serviceID string
	mediumTag frame.MediumTag
	tryCount  int
	socket    medium.Socket

	readerMu sync.Mutex

	writerMu sync.Mutex

	cryptoMu sync.Mutex
	crypto   cryptoctx.Context

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	lastReadMu sync.Mutex
	lastRead   time.Time

	lastWriteMu sync.Mutex
	lastWrite   time.Time

	closeOnce sync.Once
}

// New wraps sock as an EndpointChannel identified by name (used in log
// lines and as §3's channel_name) over the given medium, advertised
// under serviceID, on the tryCount'th attempt to establish this
// specific endpoint's connection (1 for the first and only attempt;
// RequestConnection's per-candidate-medium loop increments it for
// each subsequent candidate tried for the same endpoint).
func New(name, serviceID string, mediumTag frame.MediumTag, sock medium.Socket, tryCount int) *EndpointChannel {
	c := &EndpointChannel{name: name, serviceID: serviceID, mediumTag: mediumTag, tryCount: tryCount, socket: sock}
	c.pauseCond = sync.NewCond(&c.pauseMu)
	return c
}

func (c *EndpointChannel) Name() string               { return c.name }
func (c *EndpointChannel) ChannelName() string        { return c.name }
func (c *EndpointChannel) ServiceID() string          { return c.serviceID }
func (c *EndpointChannel) MediumTag() frame.MediumTag { return c.mediumTag }
func (c *EndpointChannel) TryCount() int              { return c.tryCount }

// Technology, Band and Frequency report the nominal physical-layer
// characteristics of the channel's medium. Actual radio tuning is out
// of scope (§1: "medium-specific radio tuning"), so these are static
// per-MediumTag values rather than anything negotiated or measured.
func (c *EndpointChannel) Technology() string { return technologyForTag(c.mediumTag) }
func (c *EndpointChannel) Band() string       { return bandForTag(c.mediumTag) }
func (c *EndpointChannel) Frequency() float64 { return frequencyForTag(c.mediumTag) }

func technologyForTag(tag frame.MediumTag) string {
	switch tag {
	case frame.MediumBT:
		return "Bluetooth Classic"
	case frame.MediumBLE:
		return "Bluetooth Low Energy"
	case frame.MediumWifiLAN:
		return "802.11"
	case frame.MediumWifiDirect:
		return "802.11 Wi-Fi Direct"
	case frame.MediumWifiHotspot:
		return "802.11 Hotspot"
	case frame.MediumWebRTC:
		return "WebRTC"
	default:
		return ""
	}
}

func bandForTag(tag frame.MediumTag) string {
	switch tag {
	case frame.MediumBT, frame.MediumBLE, frame.MediumWifiHotspot:
		return "2.4GHz"
	case frame.MediumWifiLAN, frame.MediumWifiDirect:
		return "5GHz"
	default:
		return ""
	}
}

func frequencyForTag(tag frame.MediumTag) float64 {
	switch tag {
	case frame.MediumBT:
		return 2441.0
	case frame.MediumBLE:
		return 2440.0
	case frame.MediumWifiLAN, frame.MediumWifiDirect:
		return 5180.0
	case frame.MediumWifiHotspot:
		return 2437.0
	default:
		return 0
	}
}

// Read blocks for one complete frame body, decrypting it if encryption
// is enabled.
func (c *EndpointChannel) Read() ([]byte, status.Status) {
	body, st := c.readFramed()
	if !st.Ok() {
		return nil, st
	}

	decrypted, st := c.maybeDecrypt(body)
	if !st.Ok() {
		return nil, st
	}

	c.lastReadMu.Lock()
	c.lastRead = time.Now()
	c.lastReadMu.Unlock()

	return decrypted, status.OKStatus
}

func (c *EndpointChannel) readFramed() ([]byte, status.Status) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()
	return frame.ReadFrame(c.socket)
}

// maybeDecrypt applies the encryption context if one is installed. If
// decryption fails, it tolerates the case where the peer is still
// sending a plaintext KEEP_ALIVE during the brief race window around
// the handshake completing on one side and not yet the other.
func (c *EndpointChannel) maybeDecrypt(body []byte) ([]byte, status.Status) {
	c.cryptoMu.Lock()
	crypto := c.crypto
	c.cryptoMu.Unlock()

	if crypto == nil {
		return body, status.OKStatus
	}

	plaintext, st := crypto.Open(body)
	if st.Ok() {
		return plaintext, status.OKStatus
	}

	if frame.IsKeepAlive(body) {
		return body, status.OKStatus
	}
	return nil, st
}

// Write blocks until any Pause()-induced hold is released, then writes
// one complete frame, encrypting it first if encryption is enabled.
//
// The crypto mutex is released before the blocking socket write so a
// concurrent Read()'s decryption is never stalled behind IO.
func (c *EndpointChannel) Write(data []byte) status.Status {
	c.blockUntilUnpaused()

	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	toWrite, st := c.maybeEncrypt(data)
	if !st.Ok() {
		return st
	}

	st = frame.WriteFrame(c.socket, toWrite)
	if st.Ok() {
		c.lastWriteMu.Lock()
		c.lastWrite = time.Now()
		c.lastWriteMu.Unlock()
	}
	return st
}

// WriteControl writes one frame the same way Write does, except it
// ignores Pause(): §4.H step 6 requires the recipient to deliver
// last_write_to_prior_channel on the very channel both sides just
// paused for user data, so the BWU control plane needs a path that
// doesn't wait on blockUntilUnpaused. Never used for PAYLOAD_TRANSFER
// frames, only for the handful of negotiation messages bwu.Manager
// writes directly.
func (c *EndpointChannel) WriteControl(data []byte) status.Status {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	toWrite, st := c.maybeEncrypt(data)
	if !st.Ok() {
		return st
	}

	st = frame.WriteFrame(c.socket, toWrite)
	if st.Ok() {
		c.lastWriteMu.Lock()
		c.lastWrite = time.Now()
		c.lastWriteMu.Unlock()
	}
	return st
}

func (c *EndpointChannel) maybeEncrypt(data []byte) ([]byte, status.Status) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()

	if c.crypto == nil {
		return data, status.OKStatus
	}
	sealed := c.crypto.Seal(data)
	if sealed == nil {
		return nil, status.New(status.EndpointIoError)
	}
	return sealed, status.OKStatus
}

// EnableEncryption installs ctx as of the next Read/Write. Per §4.B it
// should only be called once, after a successful handshake and before
// entering the data phase.
func (c *EndpointChannel) EnableEncryption(ctx cryptoctx.Context) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.crypto = ctx
}

// DisableEncryption tears down and forgets the installed context.
func (c *EndpointChannel) DisableEncryption() {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	if c.crypto != nil {
		c.crypto.Close()
		c.crypto = nil
	}
}

func (c *EndpointChannel) IsPaused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// Pause blocks subsequent Write calls until Resume is called, used by
// bwu.Manager to quiesce the prior channel while the new one comes up
// (§4.H step 6).
func (c *EndpointChannel) Pause() {
	c.pauseMu.Lock()
	c.paused = true
	c.pauseMu.Unlock()
}

func (c *EndpointChannel) Resume() {
	c.pauseMu.Lock()
	c.paused = false
	c.pauseCond.Broadcast()
	c.pauseMu.Unlock()
}

func (c *EndpointChannel) blockUntilUnpaused() {
	c.pauseMu.Lock()
	for c.paused {
		c.pauseCond.Wait()
	}
	c.pauseMu.Unlock()
}

// LastReadTimestamp reports when Read last returned a frame, or the
// zero time if none has arrived yet. endpointmgr's keep-alive
// scheduler polls this to decide whether a round trip is overdue.
func (c *EndpointChannel) LastReadTimestamp() time.Time {
	c.lastReadMu.Lock()
	defer c.lastReadMu.Unlock()
	return c.lastRead
}

// LastWriteTimestamp reports when Write or WriteControl last wrote a
// frame, or the zero time if none has been sent yet.
func (c *EndpointChannel) LastWriteTimestamp() time.Time {
	c.lastWriteMu.Lock()
	defer c.lastWriteMu.Unlock()
	return c.lastWrite
}

// Close tears down the underlying socket. It deliberately does not
// take the reader or writer mutex: a peer in the middle of a blocking
// Read or Write must be unblocked by the socket itself returning an
// error, not starved waiting on a lock Close will never release.
func (c *EndpointChannel) Close() status.Status {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.socket.Close()
		c.Resume() // wake any writer parked in blockUntilUnpaused
		c.DisableEncryption()
	})
	if closeErr != nil {
		return status.Wrap(status.EndpointIoError, closeErr)
	}
	return status.OKStatus
}

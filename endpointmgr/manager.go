/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package endpointmgr implements §4.E's EndpointManager: the
// per-endpoint reader thread, writer thread, and keep-alive scheduler,
// plus the five-step teardown sequence.
package endpointmgr

import (
	"sync"
	"time"

	"gopkg.in/eapache/channels.v1"

	"go.uber.org/multierr"

	"github.com/google/nearby/channel"
	"github.com/google/nearby/channelmgr"
	"github.com/google/nearby/dispatch"
	"github.com/google/nearby/frame"
	"github.com/google/nearby/logging"
	"github.com/google/nearby/status"
)

// DisconnectListener is notified once teardown completes, with the
// reason recorded for it (§4.E step 5: "Notify the user listener of
// disconnection with the recorded reason").
type DisconnectListener func(endpointID string, reason status.Status)

type endpointState struct {
	id string

	chMu    sync.Mutex // guards channel independently of routinesMu, like channel.go's own mutex split
	channel *channel.EndpointChannel

	registeredAt      time.Time
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	writeQueue *channels.InfiniteChannel

	routinesMu sync.Mutex // held across Register/Teardown to serialize goroutine lifecycle
	stop       chan struct{}
	stopping   sync.WaitGroup
	torn       bool

	keepAliveTimer *time.Timer
}

func (ep *endpointState) getChannel() *channel.EndpointChannel {
	ep.chMu.Lock()
	defer ep.chMu.Unlock()
	return ep.channel
}

func (ep *endpointState) setChannel(ch *channel.EndpointChannel) {
	ep.chMu.Lock()
	ep.channel = ch
	ep.chMu.Unlock()
}

// Manager owns every connected endpoint's reader/writer/keep-alive
// goroutines, generalized to Nearby's framed, dispatch-routed channels
// instead of a fixed nonce/outbound/inbound queue triplet.
type Manager struct {
	mu         sync.Mutex
	endpoints  map[string]*endpointState
	channelmgr *channelmgr.Manager
	dispatch   *dispatch.Table
	log        logging.Logger
	onDisconnect DisconnectListener
}

func New(cm *channelmgr.Manager, table *dispatch.Table, log logging.Logger, onDisconnect DisconnectListener) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		endpoints:    make(map[string]*endpointState),
		channelmgr:   cm,
		dispatch:     table,
		log:          log,
		onDisconnect: onDisconnect,
	}
}

// Register starts the reader thread, writer thread, and keep-alive
// scheduler for endpointID's channel, which must already be enrolled
// in the channelmgr.Manager passed to New.
func (m *Manager) Register(endpointID string, ch *channel.EndpointChannel, keepAliveInterval, keepAliveTimeout time.Duration) {
	ep := &endpointState{
		id:                endpointID,
		channel:           ch,
		registeredAt:      time.Now(),
		keepAliveInterval: keepAliveInterval,
		keepAliveTimeout:  keepAliveTimeout,
		stop:              make(chan struct{}),
		writeQueue:        channels.NewInfiniteChannel(),
	}

	m.mu.Lock()
	m.endpoints[endpointID] = ep
	m.mu.Unlock()

	ep.stopping.Add(2)
	go m.readerLoop(ep)
	go m.writerLoop(ep)

	ep.keepAliveTimer = time.AfterFunc(keepAliveInterval, func() { m.keepAliveTick(ep) })

	m.log.Debugf("endpointmgr: started reader/writer/keep-alive for %s", endpointID)
}

// EnqueuePayload enqueues a PAYLOAD_TRANSFER frame for FIFO delivery
// on endpointID's writer thread (§4.E: "the writer thread is where
// user SendPayload work is enqueued; order is FIFO" — InfiniteChannel
// preserves input order while never blocking the caller on a bounded
// buffer).
func (m *Manager) EnqueuePayload(endpointID string, body []byte) status.Status {
	ep, ok := m.lookup(endpointID)
	if !ok {
		return status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
	}

	f := &frame.Frame{Type: frame.TypePayloadTransfer, PayloadTransfer: &frame.PayloadTransfer{Body: body}}
	encoded, st := f.Encode()
	if !st.Ok() {
		return st
	}

	ep.writeQueue.In() <- encoded
	return status.OKStatus
}

func (m *Manager) lookup(endpointID string) (*endpointState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[endpointID]
	return ep, ok
}

// readerLoop re-fetches ep's current channel on every iteration rather
// than capturing it once, so a bwu.Manager-driven SwapChannel takes
// effect on the very next frame without needing to restart this
// goroutine. A Read error on a channel that SwapChannel has already
// superseded (ep.getChannel() no longer matches) is the expected,
// intentional unblock from that swap's Close, not a real failure.
func (m *Manager) readerLoop(ep *endpointState) {
	defer ep.stopping.Done()
	for {
		ch := ep.getChannel()
		body, st := ch.Read()
		if !st.Ok() {
			if ep.getChannel() != ch {
				continue
			}
			m.log.Debugf("endpointmgr: reader for %s exiting: %v", ep.id, st)
			go m.Teardown(ep.id, st)
			return
		}

		f, st := frame.Decode(body)
		if !st.Ok() {
			m.log.Debugf("endpointmgr: malformed frame from %s: %v", ep.id, st)
			continue
		}

		if f.Type == frame.TypeDisconnection {
			go m.Teardown(ep.id, status.ForEndpoint(status.OK, ep.id, nil))
			return
		}

		m.dispatch.Dispatch(f, ep.id, nil, ch.MediumTag())
	}
}

// writerLoop mirrors readerLoop's swap tolerance: a write that fails
// because SwapChannel closed the channel out from under it is retried
// once on the now-current channel, which is what §4.H's "writes issued
// while paused are delivered on the new channel in issue order"
// requires — the write queue itself is never touched by a swap, so
// FIFO order falls out of processing one item at a time.
func (m *Manager) writerLoop(ep *endpointState) {
	defer ep.stopping.Done()
	for {
		select {
		case <-ep.stop:
			return
		case item, ok := <-ep.writeQueue.Out():
			if !ok {
				return
			}
			body := item.([]byte)
			ch := ep.getChannel()
			if st := ch.Write(body); !st.Ok() {
				if cur := ep.getChannel(); cur != ch {
					if st := cur.Write(body); !st.Ok() {
						m.log.Debugf("endpointmgr: writer for %s failed after swap retry: %v", ep.id, st)
					}
					continue
				}
				m.log.Debugf("endpointmgr: writer for %s failed: %v", ep.id, st)
			}
		}
	}
}

func (m *Manager) keepAliveTick(ep *endpointState) {
	select {
	case <-ep.stop:
		return
	default:
	}

	// Until the first frame actually arrives, registeredAt stands in for
	// last-read so a freshly registered endpoint isn't immediately
	// judged overdue.
	last := ep.getChannel().LastReadTimestamp()
	if last.IsZero() {
		last = ep.registeredAt
	}
	if time.Since(last) > ep.keepAliveTimeout {
		m.log.Debugf("endpointmgr: %s exceeded keep-alive timeout, tearing down", ep.id)
		go m.Teardown(ep.id, status.ForEndpoint(status.Timeout, ep.id, nil))
		return
	}

	ka := &frame.Frame{Type: frame.TypeKeepAlive, KeepAlive: &frame.KeepAlive{}}
	if encoded, st := ka.Encode(); st.Ok() {
		select {
		case ep.writeQueue.In() <- encoded:
		case <-ep.stop:
			return
		}
	}

	ep.routinesMu.Lock()
	if !ep.torn {
		ep.keepAliveTimer.Reset(ep.keepAliveInterval)
	}
	ep.routinesMu.Unlock()
}

// Teardown runs §4.E's five-step teardown sequence. It is safe to call
// from the reader loop, the writer loop, a keep-alive tick, or the
// owning PCP handler, and is idempotent: a call for an endpoint that is
// not registered (already torn down, or never registered) does nothing
// and returns OK.
func (m *Manager) Teardown(endpointID string, reason status.Status) status.Status {
	ep, ok := m.lookup(endpointID)
	if !ok {
		return status.OKStatus
	}

	ep.routinesMu.Lock()
	if ep.torn {
		ep.routinesMu.Unlock()
		return status.OKStatus
	}
	ep.torn = true
	ep.routinesMu.Unlock()

	// 1. Stop keep-alive scheduling.
	ep.keepAliveTimer.Stop()

	// 2. Cause the reader thread to exit: closing the channel makes the
	// in-flight Read return IoError.
	closeErr := ep.getChannel().Close()

	// 3. Drain and stop the writer thread.
	close(ep.stop)
	ep.writeQueue.Close()
	ep.stopping.Wait()

	m.mu.Lock()
	delete(m.endpoints, endpointID)
	m.mu.Unlock()

	// 4. Best-effort DISCONNECTION frame + delay, channel forgotten.
	unregisterErr := m.channelmgr.Unregister(endpointID)

	// 5. Notify the user listener of disconnection with the recorded
	// reason.
	if m.onDisconnect != nil {
		m.onDisconnect(endpointID, reason)
	}

	if combined := multierr.Combine(closeErr.Unwrap(), unregisterErr.Unwrap()); combined != nil {
		return status.Wrap(status.EndpointIoError, combined)
	}
	return status.OKStatus
}

// SwapChannel installs newChannel as endpointID's channel without
// restarting its reader/writer goroutines or touching its write queue,
// the §4.H step 7 "ReplaceChannel" half that belongs to this package
// rather than channelmgr: bwu.Manager calls channelmgr.ReplaceChannel
// to update the registry's bookkeeping and this method to redirect the
// goroutines that actually do the endpoint's I/O. The old channel is
// simply closed, which closes its socket and then releases any writer
// parked mid-pause (see the Close comment below); the
// resulting read/write errors on it are recognized by readerLoop/
// writerLoop as an intentional swap rather than a failure.
func (m *Manager) SwapChannel(endpointID string, newChannel *channel.EndpointChannel) status.Status {
	ep, ok := m.lookup(endpointID)
	if !ok {
		return status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
	}

	ep.routinesMu.Lock()
	if ep.torn {
		ep.routinesMu.Unlock()
		return status.ForEndpoint(status.EndpointUnknown, endpointID, nil)
	}
	ep.routinesMu.Unlock()

	old := ep.getChannel()
	ep.setChannel(newChannel)

	// old.Close() closes the socket before it wakes any writer parked in
	// blockUntilUnpaused (see channel.go), so that writer's subsequent
	// WriteFrame deterministically fails on the already-dead socket
	// instead of racing Close() to slip one last frame through the old
	// path — the writerLoop retry above then carries it to newChannel.
	old.Close()

	m.log.Debugf("endpointmgr: swapped channel for %s to %s", endpointID, newChannel.Name())
	return status.OKStatus
}

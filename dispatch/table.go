/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package dispatch implements §4.D's FrameProcessor registration table:
// each endpoint's reader thread decodes one frame and hands it to every
// processor registered for that frame's type.
package dispatch

import (
	"sync"

	"github.com/google/nearby/frame"
)

// Processor handles one decoded frame arriving on endpointID's channel.
// clientHandle is an opaque identity threaded through unexamined, a
// proxy pointer handed down to each handler without inspecting it.
type Processor func(f *frame.Frame, endpointID string, clientHandle interface{}, mediumTag frame.MediumTag)

// Table is a frame_type -> (processor identity -> Processor) map,
// runtime-registered rather than compiled into a fixed switch, since
// §4.D requires each of PCP/EndpointManager/BWU/payload-layer to
// register itself independently.
type Table struct {
	mu         sync.Mutex
	processors map[frame.Type]map[interface{}]Processor
}

func New() *Table {
	return &Table{processors: make(map[frame.Type]map[interface{}]Processor)}
}

// Register installs proc for frameType under identity. Registering the
// same (frameType, identity) pair again replaces the previous
// registration rather than adding a second invocation, satisfying
// §4.D's "registration is idempotent per (frame_type, processor-identity)".
func (t *Table) Register(frameType frame.Type, identity interface{}, proc Processor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byIdentity, ok := t.processors[frameType]
	if !ok {
		byIdentity = make(map[interface{}]Processor)
		t.processors[frameType] = byIdentity
	}
	byIdentity[identity] = proc
}

// Unregister removes the processor previously registered for
// (frameType, identity), if any.
func (t *Table) Unregister(frameType frame.Type, identity interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byIdentity, ok := t.processors[frameType]; ok {
		delete(byIdentity, identity)
	}
}

// Dispatch invokes every processor registered for f.Type. The core's
// own registrations never register more than one processor per type
// (PCP on CONNECTION_RESPONSE, EndpointManager on KEEP_ALIVE and
// DISCONNECTION, BWU on BWU_NEGOTIATION, the payload layer on
// PAYLOAD_TRANSFER) but Dispatch itself places no such limit, so tests
// can observe delivery without reaching into the core's wiring.
func (t *Table) Dispatch(f *frame.Frame, endpointID string, clientHandle interface{}, mediumTag frame.MediumTag) {
	t.mu.Lock()
	byIdentity := t.processors[f.Type]
	procs := make([]Processor, 0, len(byIdentity))
	for _, proc := range byIdentity {
		procs = append(procs, proc)
	}
	t.mu.Unlock()

	for _, proc := range procs {
		proc(f, endpointID, clientHandle, mediumTag)
	}
}

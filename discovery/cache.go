/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package discovery implements §3's DiscoveredEndpoint multimap: one
// bucket of candidate mediums per discovered endpoint id, ordered by
// medium priority, with the found/lost replacement rules of §4.G.
package discovery

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/google/nearby/frame"
	"github.com/google/nearby/logging"
)

// WebRTCState mirrors §3's web_rtc_state field of a DiscoveredEndpoint:
// whether the peer has signaled it's reachable over WebRTC.
type WebRTCState int

const (
	WebRTCUnknown WebRTCState = iota
	WebRTCConnectable
	WebRTCNotConnectable
)

// Entry is one DiscoveredEndpoint record.
type Entry struct {
	EndpointID   string
	EndpointInfo []byte
	ServiceID    string
	Medium       frame.MediumTag
	WebRTCState  WebRTCState

	seq int64 // insertion order, breaks medium-priority ties (lowest wins)
}

// mediumPriority ranks mediums from most to least preferred for
// RequestConnection's "attempt ConnectImpl in medium priority order"
// (§4.G step 1). Lower value sorts first. This ordering favors
// higher-bandwidth, lower-latency, already-negotiated-capable mediums,
// same rationale as bwu's own upgrade path preference.
func mediumPriority(tag frame.MediumTag) int {
	switch tag {
	case frame.MediumWifiDirect:
		return 0
	case frame.MediumWifiHotspot:
		return 1
	case frame.MediumWifiLAN:
		return 2
	case frame.MediumWebRTC:
		return 3
	case frame.MediumBLE:
		return 4
	case frame.MediumBT:
		return 5
	default:
		return 6
	}
}

func (e *Entry) Less(other btree.Item) bool {
	o := other.(*Entry)
	pe, po := mediumPriority(e.Medium), mediumPriority(o.Medium)
	if pe != po {
		return pe < po
	}
	return e.seq < o.seq
}

// FoundListener/LostListener are the user-facing callbacks of §3's
// DiscoveryListener, invoked as the cache's state actually changes
// (not once per raw medium event — a stale-info replacement fires
// both, a silently-dropped mismatch fires neither).
type FoundListener func(entry Entry)
type LostListener func(endpointID string, medium frame.MediumTag)

// Cache is the PCP handler's discovered-endpoint multimap. It is
// documented in §9 as "PCP-thread-confined; no external lock" — this
// implementation still guards it with a mutex so it can be exercised
// directly from tests without confining it to a single goroutine.
type Cache struct {
	mu      sync.Mutex
	buckets map[string]*btree.BTree // endpoint id -> entries ordered by medium priority
	nextSeq int64
	log     logging.Logger
}

func New(log logging.Logger) *Cache {
	if log == nil {
		log = logging.Discard()
	}
	return &Cache{buckets: make(map[string]*btree.BTree), log: log}
}

func (c *Cache) bucket(endpointID string) *btree.BTree {
	b, ok := c.buckets[endpointID]
	if !ok {
		b = btree.New(8)
		c.buckets[endpointID] = b
	}
	return b
}

// lookupLocked finds the cached entry for (endpointID, medium), if any.
func (c *Cache) lookupLocked(endpointID string, medium frame.MediumTag) *Entry {
	b, ok := c.buckets[endpointID]
	if !ok {
		return nil
	}
	var found *Entry
	b.Ascend(func(item btree.Item) bool {
		e := item.(*Entry)
		if e.Medium == medium {
			found = e
			return false
		}
		return true
	})
	return found
}

// OnEndpointFound inserts a new entry, or replaces an existing one for
// the same (endpointID, medium). If the replaced entry's info differs,
// onLost is first invoked for the stale entry and onFound for the new
// one; if the info is identical, no callbacks fire (nothing actually
// changed).
func (c *Cache) OnEndpointFound(e Entry, onFound FoundListener, onLost LostListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.lookupLocked(e.EndpointID, e.Medium)
	if existing != nil {
		if bytes.Equal(existing.EndpointInfo, e.EndpointInfo) {
			return
		}
		if onLost != nil {
			onLost(existing.EndpointID, existing.Medium)
		}
		c.buckets[e.EndpointID].Delete(existing)
	}

	e.seq = c.nextSeq
	c.nextSeq++
	c.bucket(e.EndpointID).ReplaceOrInsert(&e)

	if onFound != nil {
		onFound(e)
	}
}

// OnEndpointLost removes the cached entry for (endpointID, medium) and
// invokes onLost. Per §4.G, a lost event for an endpoint/medium this
// cache has no matching entry for is a stale race with a since-changed
// advertisement and is dropped silently.
func (c *Cache) OnEndpointLost(endpointID string, medium frame.MediumTag, onLost LostListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.lookupLocked(endpointID, medium)
	if existing == nil {
		return
	}
	c.buckets[endpointID].Delete(existing)
	if c.buckets[endpointID].Len() == 0 {
		delete(c.buckets, endpointID)
	}

	if onLost != nil {
		onLost(endpointID, medium)
	}
}

// Entries returns endpointID's candidate mediums ordered by medium
// priority, for RequestConnection to attempt in order (§4.G step 1).
func (c *Cache) Entries(endpointID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[endpointID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, b.Len())
	b.Ascend(func(item btree.Item) bool {
		out = append(out, *item.(*Entry))
		return true
	})
	return out
}

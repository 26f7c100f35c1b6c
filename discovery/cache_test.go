/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package discovery

import (
	"testing"

	"github.com/google/nearby/frame"
	"github.com/google/nearby/logging"
)

func TestOnEndpointFoundInsertsAndOrdersByMediumPriority(t *testing.T) {
	c := New(logging.Discard())

	var found []Entry
	onFound := func(e Entry) { found = append(found, e) }

	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a"), Medium: frame.MediumBT}, onFound, nil)
	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("b"), Medium: frame.MediumWifiLAN}, onFound, nil)

	entries := c.Entries("ep1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Medium != frame.MediumWifiLAN {
		t.Fatalf("expected WIFI_LAN first (higher priority), got %v", entries[0].Medium)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 onFound callbacks, got %d", len(found))
	}
}

func TestOnEndpointFoundReplacesStaleInfoWithLostThenFound(t *testing.T) {
	c := New(logging.Discard())
	var lostCalls, foundCalls int

	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a"), Medium: frame.MediumBT},
		func(Entry) { foundCalls++ }, func(string, frame.MediumTag) { lostCalls++ })

	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a-changed"), Medium: frame.MediumBT},
		func(Entry) { foundCalls++ }, func(string, frame.MediumTag) { lostCalls++ })

	if lostCalls != 1 {
		t.Fatalf("expected 1 lost callback for the stale entry, got %d", lostCalls)
	}
	if foundCalls != 2 {
		t.Fatalf("expected 2 found callbacks total, got %d", foundCalls)
	}
	entries := c.Entries("ep1")
	if len(entries) != 1 || string(entries[0].EndpointInfo) != "a-changed" {
		t.Fatalf("expected single updated entry, got %+v", entries)
	}
}

func TestOnEndpointFoundIdenticalInfoIsNoOp(t *testing.T) {
	c := New(logging.Discard())
	var calls int
	cb := func(Entry) { calls++ }

	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a"), Medium: frame.MediumBT}, cb, nil)
	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a"), Medium: frame.MediumBT}, cb, nil)

	if calls != 1 {
		t.Fatalf("expected only the first OnEndpointFound to fire a callback, got %d calls", calls)
	}
}

func TestOnEndpointLostForUnknownEntryIsDroppedSilently(t *testing.T) {
	c := New(logging.Discard())
	var calls int
	c.OnEndpointLost("never-seen", frame.MediumBT, func(string, frame.MediumTag) { calls++ })
	if calls != 0 {
		t.Fatalf("expected stale OnEndpointLost to be dropped silently, got %d calls", calls)
	}
}

func TestOnEndpointLostRemovesEntry(t *testing.T) {
	c := New(logging.Discard())
	c.OnEndpointFound(Entry{EndpointID: "ep1", EndpointInfo: []byte("a"), Medium: frame.MediumBT}, nil, nil)

	var calls int
	c.OnEndpointLost("ep1", frame.MediumBT, func(string, frame.MediumTag) { calls++ })

	if calls != 1 {
		t.Fatalf("expected 1 lost callback, got %d", calls)
	}
	if entries := c.Entries("ep1"); len(entries) != 0 {
		t.Fatalf("expected entry to be removed, got %+v", entries)
	}
}

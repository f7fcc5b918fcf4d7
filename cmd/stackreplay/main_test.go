package main

import (
	"testing"

	"voxelstack.ai/internal/protocol"
)

func ev(cursor uint64, event string, handle uint64, host string, size int) protocol.StackEventMsg {
	return protocol.StackEventMsg{Cursor: cursor, Event: event, Handle: handle, Host: host, Kind: "ENTITY", Size: size}
}

func TestReplayer_FoldsCleanStream(t *testing.T) {
	rp := newReplayer()
	stream := []protocol.StackEventMsg{
		ev(1, protocol.EventCreated, 1, "E1", 1),
		ev(2, protocol.EventMerged, 1, "E1", 10),
		ev(3, protocol.EventCreated, 2, "E20", 1),
		ev(4, protocol.EventSplit, 1, "E1", 9),
		{Cursor: 5, Event: protocol.EventPromoted, Handle: 1, Host: "E2", PrevHost: "E1", Kind: "ENTITY", Size: 8},
		ev(6, protocol.EventRemoved, 2, "E20", 1),
		{Cursor: 7, Event: protocol.EventRulesLoaded, Count: 4},
	}
	for _, e := range stream {
		if msg := rp.apply(e); msg != "" {
			t.Fatalf("cursor %d: %s", e.Cursor, msg)
		}
	}
	if rp.anomalies != 0 || len(rp.stacks) != 1 || rp.stacks[1].size != 8 || rp.stacks[1].host != "E2" {
		t.Fatalf("state=%+v anomalies=%d", rp.stacks, rp.anomalies)
	}
}

func TestReplayer_FlagsGapsAndUnknownHandles(t *testing.T) {
	rp := newReplayer()
	rp.apply(ev(1, protocol.EventCreated, 1, "E1", 1))
	if msg := rp.apply(ev(3, protocol.EventMerged, 1, "E1", 2)); msg == "" {
		t.Fatalf("expected gap anomaly")
	}
	if msg := rp.apply(ev(4, protocol.EventRemoved, 9, "E9", 1)); msg == "" {
		t.Fatalf("expected unknown handle anomaly")
	}
	if rp.anomalies != 2 {
		t.Fatalf("anomalies=%d", rp.anomalies)
	}
}

func TestReplayer_CursorResetStartsNewRun(t *testing.T) {
	rp := newReplayer()
	rp.apply(ev(1, protocol.EventCreated, 1, "E1", 1))
	rp.apply(ev(2, protocol.EventCreated, 2, "E2", 1))
	if msg := rp.apply(ev(1, protocol.EventCreated, 1, "E7", 3)); msg != "" {
		t.Fatalf("restart flagged: %s", msg)
	}
	if rp.runs != 2 || len(rp.stacks) != 1 || rp.stacks[1].host != "E7" {
		t.Fatalf("runs=%d stacks=%+v", rp.runs, rp.stacks)
	}
}

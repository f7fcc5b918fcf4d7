package registry

import (
	"fmt"

	"voxelstack.ai/internal/stack/model"
)

type Reason uint8

const (
	ReasonRemoved Reason = iota + 1
	ReasonDied
	ReasonUnloaded
	// ReasonMerged is only reported to listeners, for a source stack whose
	// host was absorbed by another stack.
	ReasonMerged
)

func (r Reason) String() string {
	switch r {
	case ReasonRemoved:
		return "REMOVED"
	case ReasonDied:
		return "DIED"
	case ReasonUnloaded:
		return "UNLOADED"
	case ReasonMerged:
		return "MERGED"
	default:
		return fmt.Sprintf("REASON_%d", uint8(r))
	}
}

// Info is a read-only view of a stack at the moment it was taken.
type Info struct {
	Handle   Handle          `json:"handle"`
	Seq      uint64          `json:"seq"`
	Host     model.ObjectID  `json:"host"`
	Kind     model.Kind      `json:"kind"`
	Subtype  string          `json:"subtype"`
	Size     int             `json:"size"`
	Region   model.RegionKey `json:"region"`
	Location model.Location  `json:"location"`
}

// Listener receives stack notifications. Calls happen on the tick goroutine
// and must not call back into the registry.
type Listener interface {
	StackCreated(s Info)
	StackMerged(target Info, count int)
	StackSplit(s Info, count int)
	StackRemoved(s Info, reason Reason)
	StackPromoted(prev model.ObjectID, s Info)
}

// Listeners fans notifications out in order.
type Listeners []Listener

func (ls Listeners) StackCreated(s Info) {
	for _, l := range ls {
		l.StackCreated(s)
	}
}

func (ls Listeners) StackMerged(target Info, count int) {
	for _, l := range ls {
		l.StackMerged(target, count)
	}
}

func (ls Listeners) StackSplit(s Info, count int) {
	for _, l := range ls {
		l.StackSplit(s, count)
	}
}

func (ls Listeners) StackRemoved(s Info, reason Reason) {
	for _, l := range ls {
		l.StackRemoved(s, reason)
	}
}

func (ls Listeners) StackPromoted(prev model.ObjectID, s Info) {
	for _, l := range ls {
		l.StackPromoted(prev, s)
	}
}

type nopListener struct{}

func (nopListener) StackCreated(Info)                  {}
func (nopListener) StackMerged(Info, int)              {}
func (nopListener) StackSplit(Info, int)               {}
func (nopListener) StackRemoved(Info, Reason)          {}
func (nopListener) StackPromoted(model.ObjectID, Info) {}

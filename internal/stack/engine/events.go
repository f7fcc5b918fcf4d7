package engine

import (
	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/model"
	"voxelstack.ai/internal/stack/registry"
)

// events turns registry notifications into wire events queued for the end
// of the tick.
type events struct{ e *Engine }

func (ev events) StackCreated(s registry.Info) {
	ev.e.emit(stackEvent(protocol.EventCreated, s))
}

func (ev events) StackMerged(s registry.Info, n int) {
	m := stackEvent(protocol.EventMerged, s)
	m.Count = n
	ev.e.emit(m)
}

func (ev events) StackSplit(s registry.Info, n int) {
	m := stackEvent(protocol.EventSplit, s)
	m.Count = n
	ev.e.emit(m)
}

func (ev events) StackRemoved(s registry.Info, reason registry.Reason) {
	m := stackEvent(protocol.EventRemoved, s)
	m.Reason = reason.String()
	ev.e.emit(m)
}

func (ev events) StackPromoted(prev model.ObjectID, s registry.Info) {
	m := stackEvent(protocol.EventPromoted, s)
	m.PrevHost = string(prev)
	ev.e.emit(m)
}

func stackEvent(name string, s registry.Info) protocol.StackEventMsg {
	return protocol.StackEventMsg{
		Event:   name,
		Handle:  uint64(s.Handle),
		Host:    string(s.Host),
		Kind:    s.Kind.String(),
		Subtype: s.Subtype,
		Size:    s.Size,
		Region:  regionRef(s.Region),
		Pos:     [3]float64{s.Location.X, s.Location.Y, s.Location.Z},
	}
}

func (e *Engine) emit(m protocol.StackEventMsg) {
	m.Type = protocol.TypeStackEvent
	m.ProtocolVersion = protocol.Version
	m.Tick = e.tick.Load()
	m.WorldID = e.cfg.World
	m.Cursor = e.cursor.Add(1)
	e.pending = append(e.pending, m)
}

func (e *Engine) flushEvents() {
	if len(e.pending) == 0 {
		return
	}
	for _, m := range e.pending {
		if e.eventLogger != nil {
			if err := e.eventLogger.WriteEvent(m); err != nil {
				e.log.Printf("event log: %v", err)
			}
		}
		if e.indexer != nil {
			e.indexer.RecordEvent(m)
		}
		if e.publisher != nil {
			e.publisher.Publish(m)
		}
	}
	e.totals.events.Add(uint64(len(e.pending)))
	e.pending = e.pending[:0]
}

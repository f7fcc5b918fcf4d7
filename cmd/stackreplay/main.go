package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	persistlog "voxelstack.ai/internal/persistence/log"
	"voxelstack.ai/internal/protocol"
)

// stackd writes one event log per world; stackreplay folds it back into the
// stack table and checks that the stream is complete and consistent.
func main() {
	var (
		eventsDir = flag.String("events", "", "world dir containing events/events-*.jsonl.zst")
		toCursor  = flag.Uint64("to_cursor", 0, "stop after this cursor (optional)")
		strict    = flag.Bool("strict", false, "exit non-zero on the first anomaly")
	)
	flag.Parse()

	if *eventsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -events")
		os.Exit(2)
	}
	files, err := persistlog.EventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", filepath.Join(*eventsDir, "events"))
		os.Exit(1)
	}

	rp := newReplayer()
	for _, path := range files {
		err := persistlog.ReadEvents(path, func(ev protocol.StackEventMsg) error {
			if *toCursor != 0 && ev.Cursor > *toCursor {
				return errStop
			}
			if msg := rp.apply(ev); msg != "" {
				fmt.Printf("anomaly %s cursor=%d: %s\n", filepath.Base(path), ev.Cursor, msg)
				if *strict {
					return fmt.Errorf("anomaly at cursor %d: %s", ev.Cursor, msg)
				}
			}
			return nil
		})
		if err == errStop {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	rp.report(os.Stdout)
	if rp.anomalies > 0 {
		os.Exit(1)
	}
}

var errStop = errors.New("stop")

type liveStack struct {
	host string
	kind string
	size int
}

type replayer struct {
	stacks    map[uint64]*liveStack
	last      uint64
	runs      int
	events    int
	anomalies int
}

func newReplayer() *replayer {
	return &replayer{stacks: map[uint64]*liveStack{}}
}

// apply folds one event into the table and describes what was wrong with it,
// if anything. A cursor that goes backwards starts a new server run.
func (r *replayer) apply(ev protocol.StackEventMsg) string {
	r.events++
	if ev.Cursor <= r.last || r.runs == 0 {
		r.runs++
		r.stacks = map[uint64]*liveStack{}
		r.last = ev.Cursor - 1
	}
	var msg string
	if ev.Cursor != r.last+1 {
		msg = fmt.Sprintf("cursor gap after %d", r.last)
	}
	r.last = ev.Cursor

	bad := func(format string, args ...any) string {
		if msg != "" {
			msg += "; "
		}
		return msg + fmt.Sprintf(format, args...)
	}
	switch ev.Event {
	case protocol.EventCreated:
		if _, ok := r.stacks[ev.Handle]; ok {
			msg = bad("handle %d created twice", ev.Handle)
		}
		r.stacks[ev.Handle] = &liveStack{host: ev.Host, kind: ev.Kind, size: ev.Size}
	case protocol.EventMerged, protocol.EventSplit, protocol.EventPromoted:
		s, ok := r.stacks[ev.Handle]
		if !ok {
			msg = bad("%s for unknown handle %d", ev.Event, ev.Handle)
			s = &liveStack{kind: ev.Kind}
			r.stacks[ev.Handle] = s
		}
		if ev.Event == protocol.EventPromoted && s.host != "" && s.host != ev.PrevHost {
			msg = bad("promoted from %s but host was %s", ev.PrevHost, s.host)
		}
		s.host = ev.Host
		s.size = ev.Size
	case protocol.EventRemoved:
		if _, ok := r.stacks[ev.Handle]; !ok {
			msg = bad("removed unknown handle %d", ev.Handle)
		}
		delete(r.stacks, ev.Handle)
	}
	if msg != "" {
		r.anomalies++
	}
	return msg
}

func (r *replayer) report(w *os.File) {
	stacks := map[string]int{}
	objects := map[string]int{}
	for _, s := range r.stacks {
		stacks[s.kind]++
		objects[s.kind] += s.size
	}
	kinds := make([]string, 0, len(stacks))
	for k := range stacks {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "replay: events=%d runs=%d last_cursor=%d anomalies=%d\n", r.events, r.runs, r.last, r.anomalies)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s stacks=%d objects=%d\n", k, stacks[k], objects[k])
	}
}

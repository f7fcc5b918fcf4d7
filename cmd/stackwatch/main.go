package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstack.ai/internal/protocol"
)

// stackwatch follows a stackd observer stream and prints stack events.
func main() {
	var (
		url    = flag.String("url", "ws://127.0.0.1:8080/admin/v1/observer/ws", "observer ws url")
		kinds  = flag.String("kinds", "", "comma separated kinds (default: all)")
		events = flag.String("events", "", "comma separated event names (default: all)")
		since  = flag.Uint64("since_cursor", 0, "replay buffered events after this cursor first")
		quiet  = flag.Bool("quiet", false, "print one summary line every 10s instead of every event")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[stackwatch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Kinds:           splitList(*kinds),
		Events:          splitList(*events),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}
	if *since > 0 {
		req := protocol.EventBatchReqMsg{
			Type:            protocol.TypeEventBatchReq,
			ProtocolVersion: protocol.Version,
			ReqID:           uuid.NewString(),
			SinceCursor:     *since,
			Limit:           1000,
		}
		if err := conn.WriteJSON(req); err != nil {
			logger.Fatalf("send EVENT_BATCH_REQ: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	counts := map[string]int{}
	lastSummary := time.Now()
	var lastCursor uint64
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeStackEvent:
			var ev protocol.StackEventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			if lastCursor != 0 && ev.Cursor > lastCursor+1 && len(sub.Kinds) == 0 && len(sub.Events) == 0 {
				logger.Printf("missed %d events (cursor %d..%d)", ev.Cursor-lastCursor-1, lastCursor+1, ev.Cursor-1)
			}
			if ev.Cursor > lastCursor {
				lastCursor = ev.Cursor
			}
			counts[ev.Event]++
			if !*quiet {
				logger.Print(formatEvent(ev))
			}

		case protocol.TypeEventBatch:
			var b protocol.EventBatchMsg
			if err := json.Unmarshal(msg, &b); err != nil {
				continue
			}
			logger.Printf("EVENT_BATCH req=%s events=%d next=%d", b.ReqID, len(b.Events), b.NextCursor)
			for _, ev := range b.Events {
				if !*quiet {
					logger.Print(formatEvent(ev))
				}
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Printf("ERROR %s: %s", e.Code, e.Message)
			}
		}

		if *quiet && time.Since(lastSummary) >= 10*time.Second {
			logger.Printf("cursor=%d counts=%v", lastCursor, counts)
			lastSummary = time.Now()
		}
	}
}

func formatEvent(ev protocol.StackEventMsg) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d t=%d %s", ev.Cursor, ev.Tick, ev.Event)
	if ev.Kind != "" {
		fmt.Fprintf(&b, " %s/%s handle=%d host=%s size=%d", ev.Kind, ev.Subtype, ev.Handle, ev.Host, ev.Size)
	}
	if ev.PrevHost != "" {
		fmt.Fprintf(&b, " prev=%s", ev.PrevHost)
	}
	if ev.Count != 0 {
		fmt.Fprintf(&b, " count=%d", ev.Count)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, " reason=%s", ev.Reason)
	}
	if ev.Region != nil {
		fmt.Fprintf(&b, " region=%s:%d,%d", ev.Region.World, ev.Region.CX, ev.Region.CZ)
	}
	if ev.Failed != 0 {
		fmt.Fprintf(&b, " failed=%d", ev.Failed)
	}
	return b.String()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

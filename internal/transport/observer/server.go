package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"voxelstack.ai/internal/protocol"
	"voxelstack.ai/internal/stack/engine"
)

// Source is the engine surface observers read from.
type Source interface {
	Do(ctx context.Context, req engine.Request) (engine.Result, error)
	Config() engine.Config
	CurrentTick() uint64
	Cursor() uint64
}

type Stats struct {
	Sessions     int
	DroppedTotal uint64
	Buffered     int
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	recent   *ring
}

type session struct {
	id     string
	out    chan []byte
	filter filter
}

func NewServer(src Source, logger *log.Logger, backlog int) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if backlog <= 0 {
		backlog = 4096
	}
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
		recent:   newRing(backlog),
	}
}

// Publish fans ev out to every matching session. It never blocks; a session
// that cannot keep up loses events and can catch up with EVENT_BATCH_REQ.
func (s *Server) Publish(ev protocol.StackEventMsg) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Printf("observer: marshal event %d: %v", ev.Cursor, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.push(ev)
	for _, sess := range s.sessions {
		if !sess.filter.match(ev) {
			continue
		}
		select {
		case sess.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sessions: len(s.sessions), DroppedTotal: s.dropped.Load(), Buffered: s.recent.len()}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		res, err := s.src.Do(ctx, engine.Request{Op: engine.OpState})
		if err != nil {
			writeError(rw, http.StatusServiceUnavailable, err)
			return
		}

		cfg := s.src.Config()
		resp := protocol.BootstrapResponse{
			ProtocolVersion: protocol.Version,
			WorldID:         cfg.World,
			Tick:            res.Tick,
			TickRateHz:      cfg.TickRateHz,
			Cursor:          s.src.Cursor(),
			Stacks:          make([]protocol.StackRef, 0, len(res.Stacks)),
			Spawners:        make([]protocol.SpawnerRef, 0, len(res.Spawners)),
		}
		for _, st := range res.Stacks {
			resp.Stacks = append(resp.Stacks, protocol.StackRef{
				Handle:  uint64(st.Handle),
				Host:    string(st.Host),
				Kind:    st.Kind.String(),
				Subtype: st.Subtype,
				Size:    st.Size,
				Pos:     [3]float64{st.Location.X, st.Location.Y, st.Location.Z},
			})
		}
		for _, sp := range res.Spawners {
			resp.Spawners = append(resp.Spawners, protocol.SpawnerRef{
				Source:     string(sp.ID),
				Subtype:    sp.Subtype,
				Multiplier: sp.Multiplier,
				Pos:        [3]float64{sp.Loc.X, sp.Loc.Y, sp.Loc.Z},
			})
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{
			id:     fmt.Sprintf("O%d", s.nextID.Add(1)),
			out:    make(chan []byte, 1024),
			filter: newFilter(sub),
		}
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. Replies go through the same channel so that the
		// connection has a single writer.
		replies := make(chan []byte, 16)
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-sess.out:
				case b = <-replies:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
		}()

		// Reader loop: SUBSCRIBE updates and catch-up requests.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handle(sess, msg)
			if reply == nil {
				continue
			}
			select {
			case replies <- reply:
			default:
				// Client is spamming requests faster than it reads; drop.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handle processes one client message and returns the reply, if any.
func (s *Server) handle(sess *session, msg []byte) []byte {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return errorFrame(protocol.ErrProtoBadRequest, "bad message")
	}
	switch base.Type {
	case protocol.TypeSubscribe:
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			return errorFrame(protocol.ErrProtoBadRequest, "bad subscribe")
		}
		s.mu.Lock()
		sess.filter = newFilter(sub)
		s.mu.Unlock()
		return nil
	case protocol.TypeEventBatchReq:
		var req protocol.EventBatchReqMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			return errorFrame(protocol.ErrProtoBadRequest, "bad event batch request")
		}
		b, _ := json.Marshal(s.batch(sess, req))
		return b
	default:
		return errorFrame(protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

func (s *Server) batch(sess *session, req protocol.EventBatchReqMsg) protocol.EventBatchMsg {
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	s.mu.Lock()
	f := sess.filter
	evs, next := s.recent.since(req.SinceCursor, limit, f.match)
	s.mu.Unlock()
	if evs == nil {
		evs = []protocol.StackEventMsg{}
	}
	return protocol.EventBatchMsg{
		Type:            protocol.TypeEventBatch,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Events:          evs,
		NextCursor:      next,
		WorldID:         s.src.Config().World,
	}
}

func errorFrame(code, message string) []byte {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	return b
}

func writeError(rw http.ResponseWriter, status int, err error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(protocol.NewError(err))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

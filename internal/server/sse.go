package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// replayDepth bounds how many events a stream keeps for Last-Event-ID
// resumption after a dropped connection.
const replayDepth = 64

type sseEvent struct {
	id   uint64
	data []byte
}

// stream is one session's outbound event channel plus its replay ring.
type stream struct {
	mu     sync.Mutex
	nextID uint64
	ring   []sseEvent
	ch     chan sseEvent
	closed bool
}

func newStream() *stream {
	return &stream{ch: make(chan sseEvent, 32)}
}

// publish assigns the event an id, records it for replay and delivers it.
// Slow consumers lose live delivery but can still catch up via replay.
func (s *stream) publish(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.nextID++
	ev := sseEvent{id: s.nextID, data: data}
	s.ring = append(s.ring, ev)
	if len(s.ring) > replayDepth {
		s.ring = s.ring[len(s.ring)-replayDepth:]
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
	default:
	}
}

// since returns the buffered events after the given id.
func (s *stream) since(lastID uint64) []sseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sseEvent
	for _, ev := range s.ring {
		if ev.id > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// streamSet tracks the open SSE streams by session id.
type streamSet struct {
	mu      sync.Mutex
	streams map[string]*stream
}

func newStreamSet() *streamSet {
	return &streamSet{streams: make(map[string]*stream)}
}

// attach returns the session's stream, creating it on first connect. The
// second return reports whether the stream already existed, which the
// handler surfaces as X-Reconnected.
func (ss *streamSet) attach(sessionID string) (*stream, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if st, ok := ss.streams[sessionID]; ok {
		return st, true
	}
	st := newStream()
	ss.streams[sessionID] = st
	return st, false
}

func (ss *streamSet) lookup(sessionID string) (*stream, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	st, ok := ss.streams[sessionID]
	return st, ok
}

func (ss *streamSet) drop(sessionID string) {
	ss.mu.Lock()
	st, ok := ss.streams[sessionID]
	delete(ss.streams, sessionID)
	ss.mu.Unlock()
	if ok {
		st.close()
	}
}

// notifierFor returns a Notifier publishing JSON-RPC messages onto the
// session's stream.
func (ss *streamSet) notifierFor(sessionID string) Notifier {
	return func(msg *protocol.Request) {
		st, ok := ss.lookup(sessionID)
		if !ok {
			return
		}
		if data, err := encodeJSON(msg); err == nil {
			st.publish(data)
		}
	}
}

// writeSSE renders one event in text/event-stream framing.
func writeSSE(w http.ResponseWriter, ev sseEvent) {
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.id, ev.data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func parseLastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

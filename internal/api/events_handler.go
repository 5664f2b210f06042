package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/molt/internal/events"
)

const keepAliveInterval = 15 * time.Second

// sseStream frames events for one /events client.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// send writes one event frame. The payload is single-line JSON, so a
// single "data:" line is enough.
func (s sseStream) send(ev events.Event) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// comment writes an SSE comment line. Clients ignore it; intermediaries
// see traffic and keep the connection open.
func (s sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, f: flusher}

	// Replay retained events so a reconnecting client sees what it missed.
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(lastID) {
		if err := stream.send(ev); err != nil {
			return
		}
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// parseLastEventID reads the Last-Event-ID header; anything unusable
// means replay from the start of the buffer.
func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

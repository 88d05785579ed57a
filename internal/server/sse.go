package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	logx "wafleet/pkg/logx"
)

const (
	sseBuffer    = 32
	ssePingEvery = 25 * time.Second
)

// handleEvents streams hub notifications as server-sent events. The first
// frame is a "channel" event carrying the subscriber's channel id; clients
// pass that id to POST /api/pair so pairing codes come back on their stream.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, ch, unsub := s.events.Register(sseBuffer)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: channel\ndata: %q\n\n", id)
	fl.Flush()

	s.log.Debug("event stream opened", logx.String("channel", id))

	ping := time.NewTicker(ssePingEvery)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("event stream closed", logx.String("channel", id))
			return
		case <-ping.C:
			// comment frame keeps proxies from timing out the stream
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			fl.Flush()
		}
	}
}

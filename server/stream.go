package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleStream pushes the measurement set as server-sent events whenever
// its LastUpdated advances. The current set is sent first if it has data.
// A set cleared after data was sent goes out once as an empty object.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("stream client connected")
	defer log.Debug("stream client disconnected")

	var (
		last     time.Time
		sentData bool
	)
	send := func() bool {
		set := s.manager.Measurements()
		cleared := set.Len() == 0 && set.LastUpdated.IsZero()
		switch {
		case cleared && !sentData:
			return true
		case cleared:
		case set.LastUpdated.IsZero() || !set.LastUpdated.After(last):
			return true
		}
		b, err := json.Marshal(set)
		if err != nil {
			log.WithError(err).Error("failed to encode measurements")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: measurements\ndata: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		last = set.LastUpdated
		sentData = !cleared
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

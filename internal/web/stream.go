package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasnoah/healfactory/internal/events"
)

// handleStream relays one run's events as Server-Sent Events. The stream
// opens with a connection notice and closes after the run_complete event.
func (s *Server) handleStream(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		abort(c, http.StatusBadRequest, CodeInvalidInput, "run_id is required")
		return
	}
	if s.opts.Hub == nil {
		abort(c, http.StatusServiceUnavailable, CodeInternal, "event stream unavailable")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abort(c, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	// Subscribe before the first write so nothing published in between is lost.
	sub := s.opts.Hub.Subscribe(runID)
	defer sub.Close()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, events.Connected(runID, time.Now())); err != nil {
		return
	}
	flusher.Flush()

	tick := time.NewTicker(s.opts.Heartbeat)
	defer tick.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Warn("dropping unencodable event", "run_id", runID, "channel", ev.Channel, "error", err)
				continue
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-sub.Done:
			s.finishStream(w, runID, sub)
			flusher.Flush()
			return
		}
	}
}

// finishStream writes whatever is still queued, then the terminal event that
// did not fit in the queue.
func (s *Server) finishStream(w http.ResponseWriter, runID string, sub *events.Subscription) {
drain:
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Warn("dropping unencodable event", "run_id", runID, "channel", ev.Channel, "error", err)
			}
		default:
			break drain
		}
	}
	if ev, ok := sub.Final(); ok {
		if err := writeEvent(w, ev); err != nil {
			s.logger.Warn("dropping unencodable event", "run_id", runID, "channel", ev.Channel, "error", err)
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := ev.Data()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Channel.Name(), data)
	return err
}

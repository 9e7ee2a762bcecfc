package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleSessionStream serves a Server-Sent Events stream of a session's
// summary. It polls the session and sends a "state" event whenever it
// changes. When the session reaches a terminal status it sends a "done"
// event and closes.
func (s *Server) handleSessionStream(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	// Resolve before committing to a stream so unknown ids get a 404.
	cs, err := s.sessions.Get(ctx, id)
	if err != nil {
		return s.sessionError(c, id, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var last time.Time
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		if !cs.UpdatedAt.Equal(last) {
			last = cs.UpdatedAt
			if err := writeEvent(w, "state", summarize(*cs)); err != nil {
				return nil
			}
		}
		if cs.Status.Terminal() {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", cs.Status)
			w.Flush()
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		cs, err = s.sessions.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "event: done\ndata: session not found\n\n")
			w.Flush()
			return nil
		}
	}
}

func writeEvent(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

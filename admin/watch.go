package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/notify"
	"github.com/rs/zerolog/log"
)

// handleWatch streams delivered notifications as newline delimited JSON until
// the client goes away, the hub closes or limit messages were written.
//
//	GET /watch?subscription=emp&event=objchange&limit=10
func (h *AdminHandlers) handleWatch(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "watch stream is disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	query := r.URL.Query()
	filter := notify.Filter{Subscriptions: query["subscription"]}
	for _, name := range query["event"] {
		et, ok := driver.ParseEventType(name)
		if !ok {
			writeErrorResponse(w, http.StatusBadRequest, "unknown event type: "+name)
			return
		}
		filter.EventTypes = append(filter.EventTypes, et)
	}

	msgs, cancel := h.hub.Watch(filter)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	written := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := enc.Encode(msg); err != nil {
				log.Debug().Err(err).Msg("Watch client went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			written++
			if limit > 0 && written >= limit {
				return
			}
		}
	}
}

package admin

import (
	"net/http"

	"github.com/maxpert/cqnotify/relay"
	"github.com/maxpert/cqnotify/subscr"
)

type relayStats struct {
	LastSeq uint64               `json:"last_seq"`
	Workers []relay.WorkerStatus `json:"workers"`
}

// handleStats returns aggregate counters across subscriptions
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	var total subscr.Stats
	subs := h.manager.List()
	for _, info := range subs {
		total.Received += info.Stats.Received
		total.Dropped += info.Stats.Dropped
		total.Delivered += info.Stats.Delivered
		total.Failed += info.Stats.Failed
		total.Pending += info.Stats.Pending
	}

	response := map[string]interface{}{
		"subscriptions": len(subs),
		"notifications": total,
	}

	if h.hub != nil {
		response["watchers"] = h.hub.Watchers()
		response["watch_dropped"] = h.hub.Dropped()
	}

	if h.relay != nil {
		response["relay"] = relayStats{
			LastSeq: h.relay.LastSeq(),
			Workers: h.relay.Workers(),
		}
	}

	writeJSONResponse(w, http.StatusOK, response)
}

// handleHealth is healthy while no relay worker has halted
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	var halted []string
	if h.relay != nil {
		for _, ws := range h.relay.Workers() {
			if ws.Halted {
				halted = append(halted, ws.Name)
			}
		}
	}

	if len(halted) > 0 {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":       "degraded",
			"halted_sinks": halted,
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"subscriptions": h.manager.ActiveCount(),
	})
}

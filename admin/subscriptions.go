package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/rs/zerolog/log"
)

// subscribeRequest is the body of POST /subscriptions
type subscribeRequest struct {
	Name            string   `json:"name"`
	Queries         []string `json:"queries"`
	QOS             []string `json:"qos"`
	Operations      []string `json:"operations"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	ClientInitiated bool     `json:"client_initiated"`
	IPAddress       string   `json:"ip_address"`
	Port            uint32   `json:"port"`
	Relay           bool     `json:"relay"`
}

func (s subscribeRequest) configuration() cfg.SubscriptionConfiguration {
	return cfg.SubscriptionConfiguration{
		Name:            s.Name,
		Queries:         s.Queries,
		QOS:             s.QOS,
		Operations:      s.Operations,
		TimeoutSeconds:  s.TimeoutSeconds,
		ClientInitiated: s.ClientInitiated,
		IPAddress:       s.IPAddress,
		Port:            s.Port,
		Relay:           s.Relay,
	}
}

type registerRequest struct {
	SQL string `json:"sql"`
}

func (h *AdminHandlers) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.manager.List())
}

func (h *AdminHandlers) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeErrorResponse(w, http.StatusBadRequest, "subscription name is required")
		return
	}

	info, err := h.manager.Subscribe(r.Context(), req.configuration())
	if err != nil {
		writeManagerError(w, err)
		return
	}

	log.Info().
		Str("subscription", info.Name).
		Uint64("subscription_id", info.ID).
		Msg("Subscription created via admin API")
	writeJSONResponse(w, http.StatusCreated, info)
}

func (h *AdminHandlers) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubscriptionID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.manager.Get(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, info)
}

func (h *AdminHandlers) handleCloseSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubscriptionID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.manager.Close(id); err != nil {
		writeManagerError(w, err)
		return
	}

	log.Info().Uint64("subscription_id", id).Msg("Subscription closed via admin API")
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"closed": true,
	})
}

func (h *AdminHandlers) handleRegisterQuery(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubscriptionID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SQL == "" {
		writeErrorResponse(w, http.StatusBadRequest, "sql is required")
		return
	}

	rq, err := h.manager.Register(r.Context(), id, req.SQL)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, rq)
}

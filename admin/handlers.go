package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/cqnotify/notify"
	"github.com/maxpert/cqnotify/relay"
	"github.com/maxpert/cqnotify/service"
	"github.com/rs/zerolog/log"
)

// RelayStatus reports relay progress; *relay.Registry implements it
type RelayStatus interface {
	LastSeq() uint64
	Workers() []relay.WorkerStatus
}

// AdminHandlers serves the admin API over the subscription manager
type AdminHandlers struct {
	manager *service.Manager
	hub     *notify.Hub
	relay   RelayStatus // nil when no sinks are configured
}

// NewAdminHandlers creates a new AdminHandlers instance. hub and relay may be nil.
func NewAdminHandlers(manager *service.Manager, hub *notify.Hub, relay RelayStatus) *AdminHandlers {
	return &AdminHandlers{
		manager: manager,
		hub:     hub,
		relay:   relay,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeManagerError maps manager errors onto status codes
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrDuplicateName):
		writeErrorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrTooManySubscriptions):
		writeErrorResponse(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, service.ErrShutdown):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
	}
}

// parseLimit parses the limit parameter; 0 means no limit
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 10000 {
		return 0, fmt.Errorf("limit cannot exceed 10000")
	}

	return limit, nil
}

// parseSubscriptionID parses the {id} URL parameter
func parseSubscriptionID(r *http.Request) (uint64, error) {
	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		return 0, fmt.Errorf("subscription id is required")
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subscription id: %w", err)
	}

	return id, nil
}

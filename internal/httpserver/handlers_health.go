package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/pkg/responders"
)

// health reports service status including delivery queue depth. The
// service is degraded when the delivery store cannot be reached.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK

	response := map[string]any{
		"status":    status,
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
	}

	if h.deliveries != nil {
		due, err := h.deliveries.CountDue(ctx)
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Error().
				Err(err).
				Msg("health.queue_depth_failed")
			response["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			response["pendingDeliveries"] = due
		}
	}

	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	responders.JSON(w, statusCode, response)
}

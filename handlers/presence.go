package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/auth"
	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

// PresenceAPI is the part of services.PresenceService the handlers use.
type PresenceAPI interface {
	RecordHeartbeat(ctx context.Context, principal auth.Principal) (time.Time, error)
	ListOnline(ctx context.Context, principal auth.Principal) ([]models.EnrichedPresence, time.Time, error)
}

type PresenceHandler struct {
	service PresenceAPI
	logger  *utils.Logger
}

func NewPresenceHandler(service PresenceAPI, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger,
	}
}

// Heartbeat handles POST /api/v1/presence/heartbeat. The body is ignored:
// the subject comes from the credential and the timestamp from the server.
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	at, err := h.service.RecordHeartbeat(c.Request.Context(), middleware.PrincipalFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.HeartbeatResponse{
		Status:     "ok",
		LastSeenAt: at,
	})
}

// ListOnline handles GET /api/v1/presence/online
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	users, asOf, err := h.service.ListOnline(c.Request.Context(), middleware.PrincipalFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if users == nil {
		users = []models.EnrichedPresence{}
	}
	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
		AsOf:  asOf,
	})
}

func (h *PresenceHandler) respondError(c *gin.Context, err error) {
	if errors.Is(err, models.ErrUnauthenticated) {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
		return
	}

	h.logger.Error("Presence request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "temporarily unavailable"})
}

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

type cleanupRequest struct {
	// Targets empty means every target.
	Targets []string `json:"targets"`
}

// RunCleanup runs the maintenance deletes inline for operators who do not
// want to wait for the schedule.
func (h HandlerSet) RunCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondBindError(c, err)
		return
	}

	removed, err := h.maintenance.Run(c.Request.Context(), req.Targets)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info().Str("user_id", principal(c).UserID).Interface("removed", removed).Msg("manual cleanup")
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

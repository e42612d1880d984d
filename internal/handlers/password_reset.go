package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// forgotPasswordMessage is the only answer to a reset request, whatever
// happened behind it.
const forgotPasswordMessage = "If an account exists for that email, a password reset link has been sent."

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h HandlerSet) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	// The raw token leaves only through the notifier.
	if _, err := h.resets.RequestReset(c.Request.Context(), req.Email); err != nil {
		h.log.Error().Err(err).Msg("password reset request failed")
	}
	c.JSON(http.StatusAccepted, gin.H{"message": forgotPasswordMessage})
}

func (h HandlerSet) ValidateResetToken(c *gin.Context) {
	valid, err := h.resets.ValidateToken(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

type resetPasswordRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

func (h HandlerSet) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	if err := h.resets.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

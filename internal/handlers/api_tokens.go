package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notehub/internal/models"
	"notehub/internal/service"
)

type apiTokenResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	RevokedAt  *time.Time `json:"revokedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toAPITokenResponse(t models.APIToken) apiTokenResponse {
	scopes := make([]string, 0, len(t.Scopes))
	for _, s := range t.Scopes {
		scopes = append(scopes, string(s))
	}
	return apiTokenResponse{
		ID:         t.ID,
		Name:       t.Name,
		Prefix:     t.Prefix,
		Scopes:     scopes,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		RevokedAt:  t.RevokedAt,
		CreatedAt:  t.CreatedAt,
	}
}

func (h HandlerSet) ListAPITokens(c *gin.Context) {
	tokens, err := h.apiTokens.List(c.Request.Context(), principal(c).UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := make([]apiTokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, toAPITokenResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": resp})
}

type createAPITokenRequest struct {
	Name   string   `json:"name" binding:"required"`
	Scopes []string `json:"scopes" binding:"required"`
	// ExpiresInDays omitted means the token never expires. The bound keeps
	// the day count from overflowing a time.Duration.
	ExpiresInDays *int `json:"expiresInDays" binding:"omitempty,min=1,max=3650"`
}

type createAPITokenResponse struct {
	// Token is the raw value. It is returned here and never again.
	Token    string           `json:"token"`
	APIToken apiTokenResponse `json:"apiToken"`
}

func (h HandlerSet) CreateAPIToken(c *gin.Context) {
	var req createAPITokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}

	input := service.CreateAPITokenInput{Name: req.Name}
	for _, s := range req.Scopes {
		input.Scopes = append(input.Scopes, models.APITokenScope(s))
	}
	if req.ExpiresInDays != nil {
		d := time.Duration(*req.ExpiresInDays) * 24 * time.Hour
		input.ExpiresIn = &d
	}

	created, err := h.apiTokens.Create(c.Request.Context(), principal(c).UserID, input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createAPITokenResponse{
		Token:    created.RawToken,
		APIToken: toAPITokenResponse(created.Token),
	})
}

func (h HandlerSet) RevokeAPIToken(c *gin.Context) {
	if err := h.apiTokens.Revoke(c.Request.Context(), c.Param("tokenId"), principal(c).UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type whoAmIResponse struct {
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes,omitempty"`
	ViaAPIToken bool     `json:"viaApiToken"`
}

// WhoAmI lets a service caller check which identity its credential resolves to.
func (h HandlerSet) WhoAmI(c *gin.Context) {
	p := principal(c)
	resp := whoAmIResponse{
		UserID:      p.UserID,
		Username:    p.Username,
		Role:        string(p.Role),
		ViaAPIToken: p.ViaAPIToken(),
	}
	for _, s := range p.Scopes {
		resp.Scopes = append(resp.Scopes, string(s))
	}
	c.JSON(http.StatusOK, resp)
}

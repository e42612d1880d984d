package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notehub/internal/config"
	"notehub/internal/models"
	"notehub/internal/notify"
	"notehub/internal/repository/memory"
	"notehub/internal/security"
	"notehub/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type capturedMail struct {
	to      string
	name    string
	payload notify.Payload
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedMail
}

func (n *captureNotifier) Dispatch(_ context.Context, to, name string, payload notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedMail{to: to, name: name, payload: payload})
	return nil
}

func (n *captureNotifier) last(t *testing.T) capturedMail {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testApp struct {
	router   *gin.Engine
	store    *memory.Store
	hasher   *security.PasswordHasher
	notifier *captureNotifier
	resets   *service.PasswordResetService
	tokens   *service.APITokenService
}

func newTestApp(t *testing.T, mutate ...func(*config.AppConfig)) *testApp {
	t.Helper()
	cfg := &config.AppConfig{
		Environment: "test",
		Security: config.SecurityConfig{
			JWTAccessSecret:   "access-secret",
			JWTRefreshSecret:  "refresh-secret",
			JWTAccessTTL:      15 * time.Minute,
			JWTRefreshTTL:     24 * time.Hour,
			Issuer:            "notehub-test",
			MaxSessions:       10,
			ResetTokenTTL:     time.Hour,
			APITokenCap:       20,
			APITokenRetention: 30 * 24 * time.Hour,
		},
		Mail: config.MailConfig{ResetURL: "https://notes.example.com/reset"},
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	store := memory.NewStore()
	hasher := security.NewPasswordHasher(security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	codec, err := security.NewTokenCodec(security.CodecConfig{
		AccessSecret:  cfg.Security.JWTAccessSecret,
		RefreshSecret: cfg.Security.JWTRefreshSecret,
		AccessTTL:     cfg.Security.JWTAccessTTL,
		RefreshTTL:    cfg.Security.JWTRefreshTTL,
		Issuer:        cfg.Security.Issuer,
	})
	require.NoError(t, err)

	log := zerolog.Nop()
	notifier := &captureNotifier{}
	sessions := service.NewSessionService(store, hasher, codec, cfg.Security, nil, log)
	resets := service.NewPasswordResetService(store, hasher, notifier, cfg.Security, cfg.Mail.ResetURL, nil, log)
	tokens := service.NewAPITokenService(store, cfg.Security, nil, log)
	t.Cleanup(tokens.Wait)
	t.Cleanup(resets.Wait)

	set := NewHandlerSet(Deps{
		Log:         log,
		Config:      cfg,
		Users:       store.Users(),
		Sessions:    sessions,
		Resets:      resets,
		APITokens:   tokens,
		Maintenance: service.NewMaintenance(sessions, resets, tokens),
		Checks: []HealthCheck{
			{Name: "store", Ping: store.Ping},
		},
	})
	router := gin.New()
	set.Register(router.Group("/api"))

	return &testApp{router: router, store: store, hasher: hasher, notifier: notifier, resets: resets, tokens: tokens}
}

func (a *testApp) seedUser(t *testing.T, username, password string, mutate ...func(*models.User)) models.User {
	t.Helper()
	hash, err := a.hasher.Hash(password)
	require.NoError(t, err)
	user := models.User{
		ID:           "id-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Role:         models.UserRoleUser,
		IsActive:     true,
	}
	for _, fn := range mutate {
		fn(&user)
	}
	require.NoError(t, a.store.SeedUser(user))
	return user
}

func (a *testApp) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) login(t *testing.T, identifier, password string) authResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": identifier, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLoginAndMe(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")

	auth := app.login(t, "alice@example.com", "correct horse")
	assert.NotEmpty(t, auth.AccessToken)
	assert.NotEmpty(t, auth.RefreshToken)
	assert.Equal(t, "alice", auth.User.Username)

	w := app.do(t, http.MethodGet, "/api/v1/auth/me", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me userResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "id-alice", me.ID)
}

func TestLoginFailuresShareOneResponse(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	app.seedUser(t, "robot", "correct horse", func(u *models.User) { u.IsServiceAccount = true })

	wrong := app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": "alice", "password": "wrong password"})
	unknown := app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": "nobody", "password": "wrong password"})
	robot := app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": "robot", "password": "correct horse"})

	for _, w := range []*httptest.ResponseRecorder{wrong, unknown, robot} {
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, errorResponse{Error: "invalid_credentials", Message: "Invalid username or password"}, decodeError(t, w))
	}
}

func TestLoginDeactivated(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse", func(u *models.User) { u.IsActive = false })

	w := app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": "alice", "password": "correct horse"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "account_deactivated", decodeError(t, w).Error)
}

func TestLoginRejectsMissingFields(t *testing.T) {
	app := newTestApp(t)
	w := app.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"identifier": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeError(t, w).Error)
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": auth.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, auth.RefreshToken, rotated.RefreshToken)

	w = app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": auth.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_refresh_token", decodeError(t, w).Error)

	w = app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_refresh_token", decodeError(t, w).Error)
}

func TestLogoutEndsSessions(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/auth/logout", "", gin.H{"refreshToken": auth.RefreshToken})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/auth/logout", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": auth.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChangePassword(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/auth/change-password", auth.AccessToken,
		gin.H{"currentPassword": "wrong password", "newPassword": "battery staple"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "incorrect_password", decodeError(t, w).Error)

	w = app.do(t, http.MethodPost, "/api/v1/auth/change-password", auth.AccessToken,
		gin.H{"currentPassword": "correct horse", "newPassword": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "validation_error", resp.Error)
	assert.Contains(t, resp.Message, "at least 8")

	w = app.do(t, http.MethodPost, "/api/v1/auth/change-password", auth.AccessToken,
		gin.H{"currentPassword": "correct horse", "newPassword": "battery staple"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	app.login(t, "alice", "battery staple")
}

func TestProtectedRoutesNeedAccessToken(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_token", decodeError(t, w).Error)

	// A refresh token is signed with the other secret.
	w = app.do(t, http.MethodGet, "/api/v1/auth/me", auth.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", decodeError(t, w).Error)
}

func TestSessionsListAndRevoke(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	first := app.login(t, "alice", "correct horse")
	second := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodGet, "/api/v1/auth/sessions", second.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 2)

	w = app.do(t, http.MethodDelete, "/api/v1/auth/sessions/"+first.SessionID, second.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = app.do(t, http.MethodDelete, "/api/v1/auth/sessions/"+first.SessionID, second.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestForgotPasswordAnswersTheSame(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")

	known := app.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", gin.H{"email": "alice@example.com"})
	unknown := app.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", gin.H{"email": "nobody@example.com"})

	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	assert.JSONEq(t, known.Body.String(), unknown.Body.String())
	app.resets.Wait()
	assert.Equal(t, 1, app.notifier.count())
}

func TestResetPasswordFlow(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", gin.H{"email": "alice@example.com"})
	require.Equal(t, http.StatusAccepted, w.Code)
	app.resets.Wait()
	token := app.notifier.last(t).payload.Data["token"]
	require.NotEmpty(t, token)

	w = app.do(t, http.MethodGet, "/api/v1/auth/reset-password/validate?token="+token, "", nil)
	assert.JSONEq(t, `{"valid":true}`, w.Body.String())

	w = app.do(t, http.MethodPost, "/api/v1/auth/reset-password", "", gin.H{"token": token, "newPassword": "battery staple"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = app.do(t, http.MethodGet, "/api/v1/auth/reset-password/validate?token="+token, "", nil)
	assert.JSONEq(t, `{"valid":false}`, w.Body.String())

	w = app.do(t, http.MethodPost, "/api/v1/auth/reset-password", "", gin.H{"token": token, "newPassword": "another password"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_reset_token", decodeError(t, w).Error)

	w = app.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": auth.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	app.login(t, "alice", "battery staple")
}

func TestAPITokenLifecycle(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken,
		gin.H{"name": "ci", "scopes": []string{"read"}, "expiresInDays": 30})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created createAPITokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Token, "nhp_"))
	assert.True(t, strings.HasPrefix(created.Token, created.APIToken.Prefix))
	assert.Equal(t, []string{"read"}, created.APIToken.Scopes)
	require.NotNil(t, created.APIToken.ExpiresAt)

	w = app.do(t, http.MethodGet, "/api/v1/service/whoami", created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var who whoAmIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &who))
	assert.Equal(t, "id-alice", who.UserID)
	assert.True(t, who.ViaAPIToken)
	assert.Equal(t, []string{"read"}, who.Scopes)

	// Session callers reach the service routes too.
	w = app.do(t, http.MethodGet, "/api/v1/service/whoami", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(t, http.MethodGet, "/api/v1/tokens", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.Token)

	w = app.do(t, http.MethodDelete, "/api/v1/tokens/"+created.APIToken.ID, auth.AccessToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = app.do(t, http.MethodDelete, "/api/v1/tokens/"+created.APIToken.ID, auth.AccessToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_revoked", decodeError(t, w).Error)

	w = app.do(t, http.MethodGet, "/api/v1/service/whoami", created.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token_revoked", decodeError(t, w).Error)
}

func TestAPITokenScopeAndFormat(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken, gin.H{"name": "writer", "scopes": []string{"write"}})
	require.Equal(t, http.StatusCreated, w.Code)
	var created createAPITokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Nil(t, created.APIToken.ExpiresAt)

	w = app.do(t, http.MethodGet, "/api/v1/service/whoami", created.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", decodeError(t, w).Error)

	w = app.do(t, http.MethodGet, "/api/v1/service/whoami", "nhp_short", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token_format", decodeError(t, w).Error)

	w = app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken, gin.H{"name": "bad", "scopes": []string{"admin"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeError(t, w).Error)

	// API tokens cannot manage API tokens.
	w = app.do(t, http.MethodGet, "/api/v1/tokens", created.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAPITokenBoundsExpiry(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	for _, days := range []int64{0, -1, 3651, 73025633904072} {
		w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken,
			gin.H{"name": "ci", "scopes": []string{"read"}, "expiresInDays": days})
		assert.Equal(t, http.StatusBadRequest, w.Code, "expiresInDays=%d", days)
		assert.Equal(t, "validation_error", decodeError(t, w).Error)
	}

	w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken,
		gin.H{"name": "ci", "scopes": []string{"read"}, "expiresInDays": 3650})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created createAPITokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.APIToken.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(3650*24*time.Hour), *created.APIToken.ExpiresAt, time.Minute)
}

func TestAPITokenCap(t *testing.T) {
	app := newTestApp(t, func(cfg *config.AppConfig) { cfg.Security.APITokenCap = 2 })
	app.seedUser(t, "alice", "correct horse")
	auth := app.login(t, "alice", "correct horse")

	for i := 0; i < 2; i++ {
		w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken, gin.H{"name": "t", "scopes": []string{"read"}})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := app.do(t, http.MethodPost, "/api/v1/tokens", auth.AccessToken, gin.H{"name": "t", "scopes": []string{"read"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "token_cap_reached", decodeError(t, w).Error)
}

func TestAdminCleanupRequiresRole(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "alice", "correct horse")
	app.seedUser(t, "root", "correct horse", func(u *models.User) { u.Role = models.UserRoleAdmin })
	user := app.login(t, "alice", "correct horse")
	admin := app.login(t, "root", "correct horse")

	w := app.do(t, http.MethodPost, "/api/v1/admin/maintenance/cleanup", user.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).Error)

	w = app.do(t, http.MethodPost, "/api/v1/admin/maintenance/cleanup", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Removed map[string]int64 `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Removed, 3)

	w = app.do(t, http.MethodPost, "/api/v1/admin/maintenance/cleanup", admin.AccessToken, gin.H{"targets": []string{"everything"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	w := app.do(t, http.MethodGet, "/api/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok"},"environment":"test"}`, w.Body.String())

	set := HandlerSet{
		log: zerolog.Nop(),
		cfg: &config.AppConfig{Environment: "test"},
		checks: []HealthCheck{{Name: "redis", Ping: func(context.Context) error {
			return errors.New("connection refused")
		}}},
	}
	router := gin.New()
	router.GET("/healthz", set.Health)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"error"`)
}

func TestRespondErrorHidesUnmappedErrors(t *testing.T) {
	set := HandlerSet{log: zerolog.Nop()}
	router := gin.New()
	router.GET("/boom", func(c *gin.Context) {
		set.respondError(c, errors.New("pq: connection reset by peer"))
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
	assert.Equal(t, "internal_error", decodeError(t, w).Error)
}

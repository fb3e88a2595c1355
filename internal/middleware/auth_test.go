package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(am *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Use(am.RequireAuth)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/v1/whoami", func(c *fiber.Ctx) error {
		userID, _ := c.Locals("userId").(string)
		return c.SendString(userID)
	})
	return app
}

func TestTokenRoundTrip(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}

	token, err := generateTokenWithSecret(am.secret, "alice", time.Hour)
	require.NoError(t, err)

	claims, err := am.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}

	token, err := generateTokenWithSecret(am.secret, "alice", -time.Minute)
	require.NoError(t, err)

	_, err = am.ValidateToken(token)
	assert.Error(t, err)
}

func TestTamperedTokenIsRejected(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}

	token, err := generateTokenWithSecret([]byte("other-secret"), "alice", time.Hour)
	require.NoError(t, err)

	_, err = am.ValidateToken(token)
	assert.Error(t, err)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}
	app := newTestApp(am)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/whoami", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireAuthAcceptsBearerToken(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}
	app := newTestApp(am)

	token, err := generateTokenWithSecret(am.secret, "alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireAuthAcceptsQueryToken(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}
	app := newTestApp(am)

	token, err := generateTokenWithSecret(am.secret, "alice", time.Hour)
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/whoami?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestHealthSkipsAuth(t *testing.T) {
	am := &AuthMiddleware{secret: []byte("test-secret")}
	app := newTestApp(am)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestNilMiddlewarePassesThrough(t *testing.T) {
	var am *AuthMiddleware
	app := newTestApp(am)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/whoami", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

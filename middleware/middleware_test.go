package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"ppchat/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(mids ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mids...)
	return r
}

func serve(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	prev := logger.L()
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(prev) })

	r := newEngine(Recover())
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := serve(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"INTERNAL"`)
	assert.NotContains(t, w.Body.String(), "kaboom")
	require.Equal(t, 1, logs.FilterMessage("[HTTP] panic").Len())
}

func TestManagerSnapshot(t *testing.T) {
	m := NewManager()
	m.Add(AccessLog())
	hs := m.Handlers()
	require.Len(t, hs, 1)
	m.Add(Recover())
	assert.Len(t, hs, 1, "snapshot is not affected by later Add")
	assert.Len(t, m.Handlers(), 2)
	m.Clear()
	assert.Empty(t, m.Handlers())

	assert.Len(t, Config().Handlers(), 2)
	assert.Same(t, Manager(), Config())
}

func TestOrigin(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	r := newEngine()
	r.GET("/ws", Origin([]string{"https://app.example"}), ok)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/ws", map[string]string{"Origin": "https://evil.example"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/ws", map[string]string{"Origin": "https://app.example"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/ws", nil).Code, "non-browser client")

	r = newEngine()
	r.GET("/any", Origin([]string{"*"}), ok)
	r.GET("/open", Origin(nil), ok)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/any", map[string]string{"Origin": "https://x"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/open", map[string]string{"Origin": "https://x"}).Code)
}

func TestAdminRoute(t *testing.T) {
	r := newEngine()
	POST(r, "/admin", func(c *gin.Context) {
		assert.True(t, c.GetBool("admin"))
		c.Status(http.StatusAccepted)
	}, RouteOpt{AdminToken: "s3cret"})
	GET(r, "/public", func(c *gin.Context) { c.Status(http.StatusOK) }, RouteOpt{})

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/admin", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/admin", map[string]string{"X-Admin-Token": "nope"}).Code)
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/admin", map[string]string{"X-Admin-Token": "s3cret"}).Code)
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/admin", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/public", nil).Code)
}

// Package api serves the admin HTTP surface: plugin administration and direct
// access to the shared cache.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/metrics"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// TokenReader reports the sync token applied by this process.
type TokenReader interface {
	Token() (string, bool)
}

// Handler holds the collaborators. Registry and Sync are optional; without a
// registry only the cache routes are mounted.
type Handler struct {
	Store    sdk.EnumerableStore
	Registry *plugin.Registry
	Sync     TokenReader
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/cache", h.ListKeys)
	r.GET("/cache/:key", h.GetKey)
	r.PUT("/cache/:key", h.SetKey)
	r.DELETE("/cache/:key", h.DeleteKey)

	if h.Registry == nil {
		return
	}
	r.GET("/plugins", h.ListPlugins)
	r.POST("/plugins/:id", h.Install)
	r.DELETE("/plugins/:id", h.Uninstall)
	r.GET("/plugins/:id/config", h.GetConfig)
	r.PUT("/plugins/:id/config", h.SetConfig)
	r.GET("/sync", h.SyncStatus)
}

// NewRouter builds the admin engine: h under /api and, when m is non-nil,
// the Prometheus exposition under /metrics. middleware runs before every route.
func NewRouter(h *Handler, m *metrics.Metrics, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware...)
	h.Register(r.Group("/api"))
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return r
}

func storeStatus(err error) int {
	var se *sdk.StoreError
	if errors.As(err, &se) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.Store.Keys(c.Request.Context())
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) GetKey(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")
	// Get applies expiry, so an expired entry is purged instead of served.
	val, err := h.Store.Get(ctx, key, nil)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	if val == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": sdk.ErrKeyNotFound.Error()})
		return
	}
	e, err := h.Store.Entry(ctx, key)
	if errors.Is(err, sdk.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": val, "created_at": e.CreatedAt, "ttl": e.TTL})
}

func (h *Handler) SetKey(c *gin.Context) {
	ttl := sdk.Forever
	if raw := c.Query("ttl"); raw != "" {
		parsed, err := sdk.ParseTTL(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ttl = parsed
	}

	var val any
	if err := c.ShouldBindJSON(&val); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, err := h.Store.Set(c.Request.Context(), c.Param("key"), val, ttl)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "stored": ok, "ttl": ttl})
}

func (h *Handler) DeleteKey(c *gin.Context) {
	ok, err := h.Store.Remove(c.Request.Context(), c.Param("key"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": ok})
}

func (h *Handler) ListPlugins(c *gin.Context) {
	descriptors, err := h.Registry.Descriptors(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if descriptors == nil {
		descriptors = []plugin.Descriptor{}
	}
	c.JSON(http.StatusOK, gin.H{
		"available": h.Registry.Catalog().Available(),
		"installed": descriptors,
		"loaded":    h.Registry.Installed(),
	})
}

// readConfig binds an optional JSON object body.
func readConfig(c *gin.Context) (map[string]any, bool) {
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	var config map[string]any
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return config, true
}

func (h *Handler) Install(c *gin.Context) {
	config, ok := readConfig(c)
	if !ok {
		return
	}
	installed, err := h.Registry.Install(c.Request.Context(), c.Param("id"), config)
	switch {
	case errors.Is(err, plugin.ErrUnknownPlugin):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(storeStatus(err), gin.H{"error": err.Error(), "installed": installed})
	default:
		c.JSON(http.StatusOK, gin.H{"installed": installed})
	}
}

func (h *Handler) Uninstall(c *gin.Context) {
	removed, err := h.Registry.Uninstall(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error(), "uninstalled": removed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uninstalled": removed})
}

func (h *Handler) GetConfig(c *gin.Context) {
	name := h.Registry.ResolveName(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"name": name, "config": h.Registry.Config(name)})
}

func (h *Handler) SetConfig(c *gin.Context) {
	config, ok := readConfig(c)
	if !ok {
		return
	}
	if config == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config body required"})
		return
	}
	updated, err := h.Registry.SetConfig(c.Request.Context(), c.Param("id"), config)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *Handler) SyncStatus(c *gin.Context) {
	if h.Sync == nil {
		c.JSON(http.StatusOK, gin.H{"applied": false})
		return
	}
	token, applied := h.Sync.Token()
	c.JSON(http.StatusOK, gin.H{"token": token, "applied": applied, "plugins": h.Registry.Installed()})
}

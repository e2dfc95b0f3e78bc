package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/metrics"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

type noopPlugin struct{}

func (noopPlugin) Manifest() plugin.Manifest {
	m := plugin.Manifest{Name: "plugins.noop", DefaultConfig: map[string]any{"level": "low"}}
	m.Bind(pipeline.OnInit, "noop", "*")
	return m
}

func (noopPlugin) Callback(name string) (pipeline.HandlerFunc, bool) {
	if name != "noop" {
		return nil, false
	}
	return func(context.Context, *pipeline.Context) (pipeline.Result, error) {
		return pipeline.Continue, nil
	}, true
}

type fixedToken string

func (t fixedToken) Token() (string, bool) { return string(t), t != "" }

func setupTestRouter() (*gin.Engine, *Handler) {
	gin.SetMode(gin.TestMode)
	store := engine.NewMemStore(nil, nil)
	cat := plugin.NewCatalog()
	cat.MustRegister("noop", func() plugin.Plugin { return noopPlugin{} })
	reg := plugin.NewRegistry(plugin.NewMemoryTable(), cat, logging.NoopLogger())
	h := &Handler{Store: store, Registry: reg, Sync: fixedToken("tok-1")}
	return NewRouter(h, metrics.New()), h
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	} else {
		buf = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSetAndGetKey(t *testing.T) {
	r, _ := setupTestRouter()

	w := do(r, "PUT", "/api/cache/k1?ttl=60", map[string]any{"name": "test"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/cache/k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp struct {
		Value map[string]any `json:"value"`
		TTL   int            `json:"ttl"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Value["name"] != "test" || resp.TTL != 60 {
		t.Errorf("Unexpected response %s", w.Body.String())
	}

	w = do(r, "GET", "/api/cache", nil)
	var keys []string
	json.Unmarshal(w.Body.Bytes(), &keys)
	if len(keys) != 1 || keys[0] != "k1" {
		t.Errorf("Expected [k1], got %v", keys)
	}
}

func TestSetKeyRejectsBadTTL(t *testing.T) {
	r, _ := setupTestRouter()
	w := do(r, "PUT", "/api/cache/k1?ttl=-5", "v")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetExpiredKey(t *testing.T) {
	r, h := setupTestRouter()
	ctx := context.Background()
	h.Store.Put(ctx, sdk.Entry{Key: "old", Value: "v", CreatedAt: time.Now().Add(-time.Hour), TTL: 1})

	w := do(r, "GET", "/api/cache/old", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if _, err := h.Store.Entry(ctx, "old"); !errors.Is(err, sdk.ErrKeyNotFound) {
		t.Errorf("Expected expired entry to be purged, got %v", err)
	}
}

func TestDeleteKey(t *testing.T) {
	r, h := setupTestRouter()
	h.Store.Set(context.Background(), "k1", "v1", sdk.Forever)

	w := do(r, "DELETE", "/api/cache/k1", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":true`) {
		t.Errorf("Unexpected delete response %d %s", w.Code, w.Body.String())
	}
	w = do(r, "DELETE", "/api/cache/k1", nil)
	if !strings.Contains(w.Body.String(), `"removed":false`) {
		t.Errorf("Expected second delete to report false, got %s", w.Body.String())
	}
}

func TestInstallAndUninstallPlugin(t *testing.T) {
	r, h := setupTestRouter()

	w := do(r, "POST", "/api/plugins/noop", map[string]any{"level": "high"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"installed":true`) {
		t.Fatalf("Unexpected install response %d %s", w.Code, w.Body.String())
	}
	w = do(r, "POST", "/api/plugins/noop", nil)
	if !strings.Contains(w.Body.String(), `"installed":false`) {
		t.Errorf("Expected second install to report false, got %s", w.Body.String())
	}

	w = do(r, "GET", "/api/plugins", nil)
	var list struct {
		Available []string            `json:"available"`
		Installed []plugin.Descriptor `json:"installed"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Available) != 1 || len(list.Installed) != 1 {
		t.Fatalf("Unexpected plugin list %s", w.Body.String())
	}
	if list.Installed[0].Config["level"] != "high" {
		t.Errorf("Expected install config to override defaults, got %v", list.Installed[0].Config)
	}

	w = do(r, "DELETE", "/api/plugins/noop", nil)
	if !strings.Contains(w.Body.String(), `"uninstalled":true`) {
		t.Errorf("Unexpected uninstall response %s", w.Body.String())
	}
	descriptors, _ := h.Registry.Descriptors(context.Background())
	if len(descriptors) != 0 {
		t.Errorf("Expected no descriptors, got %v", descriptors)
	}
}

func TestInstallUnknownPlugin(t *testing.T) {
	r, _ := setupTestRouter()
	w := do(r, "POST", "/api/plugins/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestPluginConfig(t *testing.T) {
	r, h := setupTestRouter()
	h.Registry.Install(context.Background(), "noop", nil)

	w := do(r, "PUT", "/api/plugins/noop/config", map[string]any{"level": "mid"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"updated":true`) {
		t.Fatalf("Unexpected config response %d %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/api/plugins/noop/config", nil)
	var resp struct {
		Name   string         `json:"name"`
		Config map[string]any `json:"config"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Name != "plugins.noop" || resp.Config["level"] != "mid" {
		t.Errorf("Unexpected config %s", w.Body.String())
	}

	w = do(r, "PUT", "/api/plugins/noop/config", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty body, got %d", w.Code)
	}
}

func TestSyncStatusAndMetrics(t *testing.T) {
	r, _ := setupTestRouter()

	w := do(r, "GET", "/api/sync", nil)
	if !strings.Contains(w.Body.String(), `"token":"tok-1"`) {
		t.Errorf("Unexpected sync status %s", w.Body.String())
	}

	w = do(r, "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "celerix_") {
		t.Errorf("Expected metrics exposition, got %d", w.Code)
	}
}

func TestCacheOnlyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(&Handler{Store: engine.NewMemStore(nil, nil)}, nil)

	if w := do(r, "GET", "/api/plugins", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected plugin routes to be absent, got %d", w.Code)
	}
	if w := do(r, "GET", "/api/cache", nil); w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Errorf("Expected empty key list, got %d %s", w.Code, w.Body.String())
	}
}

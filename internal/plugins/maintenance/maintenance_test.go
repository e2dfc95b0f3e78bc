package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/internal/pipeline"
)

func configured(t *testing.T, enabled bool) *maintenance {
	t.Helper()
	p := Factory().(*maintenance)
	config := p.Manifest().DefaultConfig
	config["enabled"] = enabled
	p.Configure(config)
	return p
}

func TestDisabledContinues(t *testing.T) {
	p := configured(t, false)
	ec := &pipeline.Context{Target: "site.handlers.Home", Values: map[string]any{}}

	res, err := p.check(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, res)
	assert.Equal(t, State{Message: "down for maintenance"}, ec.Values[valuesKey])
}

func TestEnabledAbortsWith503(t *testing.T) {
	p := configured(t, true)
	w := httptest.NewRecorder()
	ec := &pipeline.Context{Target: "site.handlers.Home", Writer: w, Values: map[string]any{}}

	res, err := p.check(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Abort, res)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "120", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"down for maintenance"}`, w.Body.String())
}

func TestEnabledAllowsStatusTarget(t *testing.T) {
	p := configured(t, true)
	ec := &pipeline.Context{Target: StatusTarget, Values: map[string]any{}}

	res, err := p.check(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, res)
	assert.True(t, ec.Values[valuesKey].(State).Enabled)
}

func TestConfigureReplacesAllowList(t *testing.T) {
	p := configured(t, true)
	p.Configure(map[string]any{"enabled": true, "message": "later", "allow": []any{"site.*"}})

	res, err := p.check(context.Background(), &pipeline.Context{Target: StatusTarget})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Abort, res)

	res, err = p.check(context.Background(), &pipeline.Context{Target: "site.handlers.Login"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, res)
}

func TestCallbackLookup(t *testing.T) {
	p := Factory()
	_, ok := p.Callback("check")
	assert.True(t, ok)
	_, ok = p.Callback("missing")
	assert.False(t, ok)
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/internal/api"
	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/internal/server"
	"github.com/celerix-dev/celerix-web/internal/sqlstore"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

func startStore(t *testing.T, store sdk.EnumerableStore) string {
	t.Helper()
	router := server.NewRouter(store, nil)
	go router.Listen("0")

	for i := 0; i < 40; i++ {
		time.Sleep(25 * time.Millisecond)
		if addr := router.Addr(); addr != nil {
			t.Cleanup(func() { router.Stop() })
			return fmt.Sprintf("127.0.0.1:%d", addr.(*net.TCPAddr).Port)
		}
	}
	t.Fatalf("store did not start in time")
	return ""
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCacheCommands(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	addr := startStore(t, store)
	flags := []string{"--store", addr, "--no-tls"}

	out, err := run(t, append([]string{"set", "greeting", `{"text":"hi"}`, "--ttl", "60"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	e, err := store.Entry(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, 60, e.TTL)
	assert.Equal(t, map[string]any{"text": "hi"}, e.Value)

	out, err = run(t, append([]string{"get", "greeting"}, flags...)...)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, out)

	out, err = run(t, append([]string{"keys"}, flags...)...)
	require.NoError(t, err)
	assert.JSONEq(t, `["greeting"]`, out)

	out, err = run(t, append([]string{"del", "greeting"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	out, err = run(t, append([]string{"del", "greeting"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "MISSING\n", out)

	_, err = run(t, append([]string{"get", "greeting"}, flags...)...)
	assert.True(t, errors.Is(err, sdk.ErrKeyNotFound))

	out, err = run(t, append([]string{"ping"}, flags...)...)
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", out)
}

func TestSetStoresPlainStrings(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	addr := startStore(t, store)

	_, err := run(t, "set", "name", "not json", "--store", addr, "--no-tls")
	require.NoError(t, err)
	val, err := store.Get(context.Background(), "name", nil)
	require.NoError(t, err)
	assert.Equal(t, "not json", val)
}

func TestSetRejectsBadTTL(t *testing.T) {
	_, err := run(t, "set", "k", "v", "--ttl", "soon", "--store", "127.0.0.1:1", "--no-tls")
	assert.ErrorContains(t, err, "invalid ttl")
}

type echoPlugin struct{}

func (echoPlugin) Manifest() plugin.Manifest {
	m := plugin.Manifest{Name: "plugins.echo", DefaultConfig: map[string]any{"say": "hello"}}
	m.Bind(pipeline.OnInit, "echo", pipeline.Wildcard)
	return m
}

func (echoPlugin) Callback(string) (pipeline.HandlerFunc, bool) {
	return func(context.Context, *pipeline.Context) (pipeline.Result, error) {
		return pipeline.Continue, nil
	}, true
}

func startAdmin(t *testing.T) (string, *plugin.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cat := plugin.NewCatalog()
	cat.MustRegister("echo", func() plugin.Plugin { return echoPlugin{} })
	reg := plugin.NewRegistry(plugin.NewMemoryTable(), cat, logging.NoopLogger())
	srv := httptest.NewServer(api.NewRouter(&api.Handler{Store: engine.NewMemStore(nil, nil), Registry: reg}, nil))
	t.Cleanup(srv.Close)
	return srv.URL, reg
}

func TestPluginCommands(t *testing.T) {
	base, reg := startAdmin(t)
	ctx := context.Background()

	out, err := run(t, "plugin", "install", "echo", "--config", `{"say":"bye"}`, "--admin", base)
	require.NoError(t, err)
	assert.Equal(t, "installed\n", out)

	out, err = run(t, "plugin", "install", "echo", "--admin", base)
	require.NoError(t, err)
	assert.Equal(t, "already installed\n", out)

	rows, err := reg.Descriptors(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bye", rows[0].Config["say"])

	out, err = run(t, "plugin", "config", "echo", `{"say":"again"}`, "--admin", base)
	require.NoError(t, err)
	assert.Equal(t, "updated\n", out)

	out, err = run(t, "plugin", "config", "echo", "--admin", base)
	require.NoError(t, err)
	var shown struct {
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "again", shown.Config["say"])

	out, err = run(t, "plugin", "list", "--admin", base)
	require.NoError(t, err)
	assert.Contains(t, out, "plugins.echo")

	out, err = run(t, "plugin", "uninstall", "echo", "--admin", base)
	require.NoError(t, err)
	assert.Equal(t, "uninstalled\n", out)

	out, err = run(t, "plugin", "uninstall", "echo", "--admin", base)
	require.NoError(t, err)
	assert.Equal(t, "not installed\n", out)
}

func TestPluginInstallUnknown(t *testing.T) {
	base, _ := startAdmin(t)
	_, err := run(t, "plugin", "install", "nope", "--admin", base)
	var adminErr *AdminError
	require.ErrorAs(t, err, &adminErr)
	assert.Equal(t, 404, adminErr.Status)
}

func TestPluginConfigRejectsNonObject(t *testing.T) {
	base, _ := startAdmin(t)
	_, err := run(t, "plugin", "config", "echo", `[1,2]`, "--admin", base)
	assert.ErrorContains(t, err, "JSON object")
}

func TestMigrateMemoryToSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p, err := engine.NewPersistence(dir, nil)
	require.NoError(t, err)
	src := engine.NewMemStore(nil, p)
	_, err = src.Set(ctx, "a", "one", sdk.Forever)
	require.NoError(t, err)
	_, err = src.Set(ctx, "b", 2.0, 3600)
	require.NoError(t, err)
	src.Wait()

	dbPath := filepath.Join(t.TempDir(), "celerix.db")
	out, err := run(t, "migrate", "memory:"+dir, "sqlite:"+dbPath)
	require.NoError(t, err)
	assert.Equal(t, "migrated 2 entries\n", out)

	db, err := sqlstore.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	keys, err := db.Cache().Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	e, err := db.Cache().Entry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3600, e.TTL)
}

func TestParseStoreArg(t *testing.T) {
	cfg, err := parseStoreArg("redis:localhost:6379", true)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Store.Addr)

	for _, bad := range []string{"memory", "memory:", "ftp:host"} {
		_, err := parseStoreArg(bad, true)
		assert.Error(t, err, bad)
		assert.True(t, strings.Contains(err.Error(), "invalid store"), bad)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/internal/acl"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeDevel, cfg.RunMode)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "celerix.web.Application.id", cfg.SyncKey)
	assert.Equal(t, 1800, cfg.Session.LeftTime)
	assert.True(t, cfg.Debug())
}

func TestLoadMergesRunModeSection(t *testing.T) {
	path := writeFile(t, "celerix.yaml", `
run_mode: deploy
listen: ":9000"
cookie_secret: top
store:
  driver: memory
devel:
  listen: ":7000"
deploy:
  cookie_secret: deploy-secret
  store:
    driver: redis
    addr: redis:6379
  session:
    left_time: 600
acls:
  - target: site.admin
    allow: [admin]
    deny: [banned]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeDeploy, cfg.RunMode)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "deploy-secret", cfg.CookieSecret)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Addr)
	assert.Equal(t, 600, cfg.Session.LeftTime)
	assert.Equal(t, "CELERIXSESSID", cfg.Session.Name)
	assert.Equal(t, []acl.Rule{{Target: "site.admin", Allow: []string{"admin"}, Deny: []string{"banned"}}}, cfg.ACLs)
	assert.False(t, cfg.Debug())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CELERIX_LISTEN", ":6000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Listen)
}

func TestLoadSyntaxErrors(t *testing.T) {
	cases := map[string]string{
		"bad mode":        "run_mode: staging\nstaging: {}\n",
		"missing section": "run_mode: deploy\ndevel: {}\n",
		"bad driver":      "run_mode: devel\ndevel:\n  store:\n    driver: mongo\n",
		"bad left time":   "run_mode: devel\ndevel:\n  session:\n    left_time: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "celerix.yaml", body))
			var se *SyntaxError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, se.Error(), "config syntax")
		})
	}
}

func TestLoadACLRules(t *testing.T) {
	path := writeFile(t, "acl.yaml", `
rules:
  - target: site.profile
    allow: [ACL_HAS_ROLE]
  - target: site.admin
    allow: [admin]
    deny: [banned]
`)
	rules, err := LoadACLRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "site.admin", rules[1].Target)
	assert.Equal(t, []string{"banned"}, rules[1].Deny)

	table := acl.NewTable(rules...)
	assert.True(t, table.Check("site.profile", acl.Roles(acl.Principal{Authenticated: true, Roles: []string{"user"}})))
	assert.False(t, table.Check("site.profile", acl.Roles(acl.Principal{})))
}

func TestLoadACLRulesRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "acl.yaml", "rules:\n  - target: a\n    alow: [x]\n")
	_, err := LoadACLRules(path)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)

	empty := writeFile(t, "empty.yaml", "")
	rules, err := LoadACLRules(empty)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

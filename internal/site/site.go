// Package site is the default route module served by celerix-web.
package site

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/acl"
	"github.com/celerix-dev/celerix-web/internal/config"
	"github.com/celerix-dev/celerix-web/internal/route"
	"github.com/celerix-dev/celerix-web/internal/web"
	"github.com/celerix-dev/celerix-web/pkg/schema"
)

// Target identities.
const (
	HomeTarget    = "site.handlers.Home"
	LoginTarget   = "site.handlers.Login"
	LogoutTarget  = "site.handlers.Logout"
	ProfileTarget = "site.handlers.Profile"
	AdminTarget   = "site.handlers.Admin"
)

// Module serves the built-in pages.
type Module struct {
	Accounts map[string]config.Account
	Now      func() time.Time
}

// Routes declares the site routes and their access rules.
func (m *Module) Routes() []route.Route {
	return []route.Route{
		{Method: http.MethodGet, Pattern: "/", Target: HomeTarget, Handler: m.home},
		{Method: http.MethodPost, Pattern: "/login", Target: LoginTarget, Handler: m.login},
		{Method: http.MethodPost, Pattern: "/logout", Target: LogoutTarget, Handler: m.logout},
		{
			Method: http.MethodGet, Pattern: "/profile", Target: ProfileTarget, Handler: m.profile,
			Allow: []string{acl.HasRole}, Deny: []string{acl.NoRole},
		},
		{
			Method: http.MethodGet, Pattern: "/admin", Target: AdminTarget, Handler: m.admin,
			Allow: []string{"admin"}, Deny: []string{"banned"},
		},
	}
}

func (m *Module) home(c *gin.Context) {
	data := gin.H{}
	if u, ok := web.CurrentUser(c); ok {
		data["user"] = u
	}
	web.Render(c, "home.html", data)
}

type credentials struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (m *Module) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, ok := m.Accounts[req.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(acct.Password), []byte(req.Password)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	u := &schema.User{
		ID:          req.Username,
		Username:    req.Username,
		DisplayName: acct.DisplayName,
		Roles:       acct.Roles,
		LoginAt:     now().UTC(),
	}
	web.SetCurrentUser(c, u)
	c.JSON(http.StatusOK, u)
}

func (m *Module) logout(c *gin.Context) {
	web.SetCurrentUser(c, nil)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (m *Module) profile(c *gin.Context) {
	u, _ := web.CurrentUser(c)
	web.Render(c, "profile.html", gin.H{"user": u})
}

func (m *Module) admin(c *gin.Context) {
	u, _ := web.CurrentUser(c)
	web.Render(c, "admin.html", gin.H{"user": u})
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"reflect"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/acl"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/route"
	"github.com/celerix-dev/celerix-web/internal/session"
	"github.com/celerix-dev/celerix-web/pkg/schema"
)

const stateKey = "celerix.request"

// requestState is owned by one request and dropped when it ends.
type requestState struct {
	target  string
	session *session.Session
	data    map[string]any
	loaded  map[string]any
	exec    *pipeline.Context
}

func stateFrom(c *gin.Context) *requestState {
	v, ok := c.Get(stateKey)
	if !ok {
		return nil
	}
	st, _ := v.(*requestState)
	return st
}

// wrap runs the request lifecycle around a route handler:
// session open, on_init, before_execute with the ACL check, the handler, then
// on_finish and the session flush on every exit path.
func (a *Application) wrap(r route.Route, access *acl.Table) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		sess := a.openSession(c)
		data, err := sess.GetAll(ctx)
		if err != nil {
			a.logger.Error("web.session.load_failed", "target", r.Target, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}

		args, kwargs := requestArgs(c)
		st := &requestState{
			target:  r.Target,
			session: sess,
			data:    data,
			loaded:  session.CloneData(data),
			exec: &pipeline.Context{
				Target:  r.Target,
				Request: c.Request,
				Writer:  c.Writer,
				Args:    args,
				Kwargs:  kwargs,
				Session: data,
				Values:  map[string]any{},
			},
		}
		c.Set(stateKey, st)
		c.Set(appKey, a)
		defer a.finish(c, st)

		if res, err := a.pipeline.Run(ctx, pipeline.OnInit, st.exec, nil); err != nil || res == pipeline.Abort {
			a.aborted(c, st, err)
			return
		}

		if _, ruled := access.Rule(r.Target); ruled {
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "-1")
		}
		res, err := a.pipeline.Run(ctx, pipeline.BeforeExecute, st.exec,
			func(ctx context.Context, ec *pipeline.Context) (pipeline.Result, error) {
				if !access.Check(r.Target, st.roles()) {
					a.denied(c, st)
					return pipeline.Abort, nil
				}
				r.Handler(c)
				return pipeline.Continue, nil
			})
		if err != nil || res == pipeline.Abort {
			a.aborted(c, st, err)
		}
	}
}

func (a *Application) openSession(c *gin.Context) *session.Session {
	id := ""
	if raw, err := c.Cookie(a.opts.CookieName); err == nil && raw != "" {
		if opened, err := a.opts.Sealer.Open(raw); err == nil {
			id = opened
		} else {
			a.logger.Debug("web.session.cookie_rejected", "error", err)
		}
	}
	sess := a.opts.Sessions.Open(id)
	if sess.IsNew() {
		sealed, err := a.opts.Sealer.Seal(sess.ID())
		if err != nil {
			a.logger.Warn("web.session.seal_failed", "error", err)
			return sess
		}
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     a.opts.CookieName,
			Value:    sealed,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return sess
}

// requestArgs collects path parameters (positionally and by name) and query values.
func requestArgs(c *gin.Context) ([]string, map[string]any) {
	args := make([]string, 0, len(c.Params))
	kwargs := make(map[string]any, len(c.Params))
	for key, values := range c.Request.URL.Query() {
		if len(values) == 1 {
			kwargs[key] = values[0]
		} else {
			kwargs[key] = values
		}
	}
	for _, p := range c.Params {
		args = append(args, p.Value)
		kwargs[p.Key] = p.Value
	}
	return args, kwargs
}

// aborted answers a request whose chain stopped without writing a response.
func (a *Application) aborted(c *gin.Context, st *requestState, err error) {
	if err != nil {
		a.logger.Error("web.pipeline.failed", "target", st.target, "error", err)
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	if !c.Writer.Written() {
		a.logger.Info("web.pipeline.aborted", "target", st.target, "path", c.Request.URL.Path)
		forbid(c)
	}
}

// denied is the access-denied handler. Anonymous GETs are sent to the login
// page when one is configured.
func (a *Application) denied(c *gin.Context, st *requestState) {
	a.opts.Metrics.ObserveDenial(st.target)
	a.logger.Info("web.access.denied", "target", st.target, "path", c.Request.URL.Path)
	if _, authenticated := currentUser(st.data); !authenticated && a.opts.LoginURL != "" && c.Request.Method == http.MethodGet {
		noCache(c)
		c.Redirect(http.StatusFound, a.opts.LoginURL+"?next="+url.QueryEscape(c.Request.URL.RequestURI()))
		c.Abort()
		return
	}
	forbid(c)
}

func noCache(c *gin.Context) {
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "-1")
}

func forbid(c *gin.Context) {
	noCache(c)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
}

func (a *Application) finish(c *gin.Context, st *requestState) {
	ctx := context.WithoutCancel(c.Request.Context())
	fc := &pipeline.Context{
		Target:  st.target,
		Request: c.Request,
		Writer:  c.Writer,
		Session: st.data,
		Values:  st.exec.Values,
	}
	if _, err := a.pipeline.Run(ctx, pipeline.OnFinish, fc, nil); err != nil {
		a.logger.Warn("web.finish.failed", "target", st.target, "error", err)
	}
	if err := flush(ctx, st); err != nil {
		a.logger.Error("web.session.flush_failed", "target", st.target, "session", st.session.ID(), "error", err)
	}
}

// flush saves the session when it changed and clears it when it was emptied.
func flush(ctx context.Context, st *requestState) error {
	if reflect.DeepEqual(st.data, st.loaded) {
		return nil
	}
	if len(st.data) == 0 {
		return st.session.Clear(ctx)
	}
	return st.session.Save(ctx, st.data)
}

func (st *requestState) roles() []string {
	u, ok := currentUser(st.data)
	return acl.Roles(acl.Principal{Authenticated: ok, Roles: u.Roles})
}

// Session returns the live session data of the request. Changes are persisted
// when the request finishes.
func Session(c *gin.Context) map[string]any {
	if st := stateFrom(c); st != nil {
		return st.data
	}
	return map[string]any{}
}

// Exec returns the before_execute context as left by the plugin chain.
func Exec(c *gin.Context) *pipeline.Context {
	if st := stateFrom(c); st != nil {
		return st.exec
	}
	return &pipeline.Context{Kwargs: map[string]any{}, Values: map[string]any{}}
}

// SetCurrentUser stores u in the session; nil logs the user out.
func SetCurrentUser(c *gin.Context, u *schema.User) {
	st := stateFrom(c)
	if st == nil {
		return
	}
	if u == nil {
		delete(st.data, schema.CurrentUserKey)
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	st.data[schema.CurrentUserKey] = m
}

// CurrentUser returns the authenticated user of the request.
func CurrentUser(c *gin.Context) (schema.User, bool) {
	st := stateFrom(c)
	if st == nil {
		return schema.User{}, false
	}
	return currentUser(st.data)
}

func currentUser(data map[string]any) (schema.User, bool) {
	v, ok := data[schema.CurrentUserKey]
	if !ok || v == nil {
		return schema.User{}, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return schema.User{}, false
	}
	var u schema.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return schema.User{}, false
	}
	return u, true
}

package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/pipeline"
)

// UIModulesKey is the render data field listing installed UI modules.
const UIModulesKey = "ui_modules"

// Renderer turns a template name and its data into a response.
type Renderer interface {
	Render(c *gin.Context, code int, name string, data gin.H)
}

// DefaultRenderer renders gin HTML templates when HTML is set and otherwise
// answers with the template name and data as JSON.
type DefaultRenderer struct {
	HTML bool
}

func (r DefaultRenderer) Render(c *gin.Context, code int, name string, data gin.H) {
	if r.HTML {
		c.HTML(code, name, data)
		return
	}
	c.JSON(code, gin.H{"template": name, "data": data})
}

// Render runs the before_render chain and then renders the resulting template
// name and data. Handlers of the chain may rename the template or rewrite data;
// an abort suppresses rendering.
func Render(c *gin.Context, name string, data gin.H) {
	a, st := appFrom(c), stateFrom(c)
	if data == nil {
		data = gin.H{}
	}
	if a == nil || st == nil {
		DefaultRenderer{}.Render(c, http.StatusOK, name, data)
		return
	}
	if _, ok := data[UIModulesKey]; !ok {
		data[UIModulesKey] = a.opts.Registry.UIModules()
	}

	rc := &pipeline.Context{
		Target:       st.target,
		Request:      c.Request,
		Writer:       c.Writer,
		TemplateName: name,
		Kwargs:       data,
		Session:      st.data,
		Values:       st.exec.Values,
	}
	res, err := a.pipeline.Run(c.Request.Context(), pipeline.BeforeRender, rc,
		func(ctx context.Context, rc *pipeline.Context) (pipeline.Result, error) {
			a.renderer.Render(c, http.StatusOK, rc.TemplateName, gin.H(rc.Kwargs))
			return pipeline.Continue, nil
		})
	if err != nil || res == pipeline.Abort {
		a.aborted(c, st, err)
	}
}

const appKey = "celerix.app"

func appFrom(c *gin.Context) *Application {
	v, ok := c.Get(appKey)
	if !ok {
		return nil
	}
	a, _ := v.(*Application)
	return a
}

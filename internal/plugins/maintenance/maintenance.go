// Package maintenance is a bundled plugin that takes the site offline.
//
// When its configuration sets enabled, every before_execute chain is aborted
// with a 503 unless the target matches one of the allow patterns.
package maintenance

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/internal/route"
	"github.com/celerix-dev/celerix-web/internal/web"
)

const (
	// ID is the catalog id.
	ID = "maintenance"
	// Name is the descriptor name.
	Name = "celerix.plugins.maintenance"
	// StatusTarget is the identity of the status route.
	StatusTarget = "celerix.plugins.maintenance.handlers.Status"
)

const valuesKey = "maintenance"

// State is what the plugin publishes to the rest of the request.
type State struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

type maintenance struct {
	state State
	allow []string
}

// Factory builds the plugin.
func Factory() plugin.Plugin { return &maintenance{} }

func (p *maintenance) Manifest() plugin.Manifest {
	m := plugin.Manifest{
		Name:        Name,
		Title:       "Maintenance mode",
		Description: "Answers 503 for every route while enabled.",
		UIModules:   []string{"maintenance.banner"},
		DefaultConfig: map[string]any{
			"enabled": false,
			"message": "down for maintenance",
			"allow":   []any{StatusTarget},
		},
		Routes: []route.Route{{
			Method:  http.MethodGet,
			Pattern: "/maintenance",
			Target:  StatusTarget,
			Handler: status,
		}},
	}
	m.Bind(pipeline.BeforeExecute, "check", pipeline.Wildcard)
	return m
}

func (p *maintenance) Configure(config map[string]any) {
	p.state.Enabled, _ = config["enabled"].(bool)
	p.state.Message, _ = config["message"].(string)
	p.allow = p.allow[:0]
	list, _ := config["allow"].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok {
			p.allow = append(p.allow, s)
		}
	}
}

func (p *maintenance) Callback(name string) (pipeline.HandlerFunc, bool) {
	if name != "check" {
		return nil, false
	}
	return p.check, true
}

func (p *maintenance) check(_ context.Context, ec *pipeline.Context) (pipeline.Result, error) {
	if ec.Values != nil {
		ec.Values[valuesKey] = p.state
	}
	if !p.state.Enabled {
		return pipeline.Continue, nil
	}
	for _, pattern := range p.allow {
		if pipeline.Match(pattern, ec.Target) {
			return pipeline.Continue, nil
		}
	}
	if ec.Writer != nil {
		ec.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
		ec.Writer.Header().Set("Retry-After", "120")
		ec.Writer.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(ec.Writer).Encode(map[string]string{"error": p.state.Message})
	}
	return pipeline.Abort, nil
}

func status(c *gin.Context) {
	st, _ := web.Exec(c).Values[valuesKey].(State)
	c.JSON(http.StatusOK, st)
}

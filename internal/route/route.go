// Package route holds the declared routing table. Path matching itself is left
// to gin; this package only collects the rule list and the ACL rules it implies.
package route

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-web/internal/acl"
)

// Route binds a pattern to a handler identity.
type Route struct {
	Method  string
	Pattern string
	// Name defaults to the part of Target after ".handlers.".
	Name string
	// Target is the fully-qualified handler identity used by plugins and the ACL.
	Target  string
	Handler gin.HandlerFunc
	Allow   []string
	Deny    []string
}

// Module declares a group of routes, typically one per handler package.
type Module interface {
	Routes() []Route
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func() []Route

func (f ModuleFunc) Routes() []Route { return f() }

// Table is an immutable routing table built on reload.
type Table struct {
	routes    []Route
	named     map[string]Route
	conflicts []Route
}

// Build validates and collects routes. The first declaration of a method+pattern
// wins; later duplicates are kept aside in Conflicts.
func Build(groups ...[]Route) (*Table, error) {
	t := &Table{named: make(map[string]Route)}
	seen := make(map[string]struct{})
	for _, group := range groups {
		for _, r := range group {
			r, err := normalize(r)
			if err != nil {
				return nil, err
			}
			key := r.Method + " " + r.Pattern
			if _, dup := seen[key]; dup {
				t.conflicts = append(t.conflicts, r)
				continue
			}
			seen[key] = struct{}{}
			t.routes = append(t.routes, r)
			if _, taken := t.named[r.Name]; !taken {
				t.named[r.Name] = r
			}
		}
	}
	return t, nil
}

func normalize(r Route) (Route, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if !strings.HasPrefix(r.Pattern, "/") {
		return r, fmt.Errorf("route %q: pattern must start with /", r.Pattern)
	}
	if r.Target == "" {
		return r, fmt.Errorf("route %s %s: missing target identity", r.Method, r.Pattern)
	}
	if r.Handler == nil {
		return r, fmt.Errorf("route %s %s: missing handler", r.Method, r.Pattern)
	}
	if r.Name == "" {
		r.Name = DefaultName(r.Target)
	}
	return r, nil
}

// DefaultName derives a route name from a target identity.
func DefaultName(target string) string {
	if i := strings.LastIndex(target, ".handlers."); i >= 0 {
		return target[i+len(".handlers."):]
	}
	return target
}

// Routes returns the accepted routes in declaration order.
func (t *Table) Routes() []Route { return t.routes }

// Conflicts returns routes dropped as duplicates.
func (t *Table) Conflicts() []Route { return t.conflicts }

// Lookup finds a route by name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.named[name]
	return r, ok
}

// Rules returns the ACL rules declared on routes, in declaration order.
// Routes without allow or deny lists contribute nothing.
func (t *Table) Rules() []acl.Rule {
	var rules []acl.Rule
	for _, r := range t.routes {
		if len(r.Allow) == 0 && len(r.Deny) == 0 {
			continue
		}
		rules = append(rules, acl.Rule{Target: r.Target, Allow: r.Allow, Deny: r.Deny})
	}
	return rules
}

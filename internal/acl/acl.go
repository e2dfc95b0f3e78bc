// Package acl evaluates allow/deny rules keyed by handler identity.
//
// A target without a rule is open to everyone. Once a rule exists, a role in
// its deny set rejects first, a role in its allow set accepts, and anything
// else is rejected.
package acl

import "sort"

// Role markers added to every role set.
const (
	NoRole  = "ACL_NO_ROLE"
	HasRole = "ACL_HAS_ROLE"
)

// Rule is the access rule for one target identity.
type Rule struct {
	Target string   `yaml:"target" json:"target"`
	Allow  []string `yaml:"allow" json:"allow,omitempty"`
	Deny   []string `yaml:"deny" json:"deny,omitempty"`
}

// Principal describes the requester as far as the ACL cares.
type Principal struct {
	Authenticated bool
	Roles         []string
}

// Roles computes the role set of p.
func Roles(p Principal) []string {
	if !p.Authenticated || len(p.Roles) == 0 {
		return []string{NoRole}
	}
	out := make([]string, 0, len(p.Roles)+1)
	out = append(out, HasRole)
	return append(out, p.Roles...)
}

type compiled struct {
	rule  Rule
	allow map[string]struct{}
	deny  map[string]struct{}
}

// Table is a set of rules, one per target. A Table is built once per reload and
// then only read.
type Table struct {
	rules map[string]compiled
}

// NewTable registers rules in order; a later rule for the same target replaces
// the earlier one.
func NewTable(rules ...Rule) *Table {
	t := &Table{rules: make(map[string]compiled, len(rules))}
	for _, r := range rules {
		t.Set(r)
	}
	return t
}

// Set installs r, replacing any rule for the same target.
func (t *Table) Set(r Rule) {
	c := compiled{rule: r, allow: toSet(r.Allow), deny: toSet(r.Deny)}
	t.rules[r.Target] = c
}

// Rule returns the rule registered for target.
func (t *Table) Rule(target string) (Rule, bool) {
	c, ok := t.rules[target]
	return c.rule, ok
}

// Rules returns every rule sorted by target.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, c := range t.rules {
		out = append(out, c.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Len reports the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Check reports whether roles may access target.
func (t *Table) Check(target string, roles []string) bool {
	if t == nil {
		return true
	}
	c, ok := t.rules[target]
	if !ok {
		return true
	}
	for _, r := range roles {
		if _, denied := c.deny[r]; denied {
			return false
		}
	}
	for _, r := range roles {
		if _, allowed := c.allow[r]; allowed {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-web/internal/acl"
)

// ACLFile is the on-disk form of declarative access rules.
type ACLFile struct {
	Rules []acl.Rule `yaml:"rules"`
}

// LoadACLRules reads declarative rules from path. Unknown fields and rules
// without a target are syntax errors.
func LoadACLRules(path string) ([]acl.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acl file: %w", err)
	}

	var doc ACLFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &SyntaxError{Path: path, Reason: "parse acl rules", Err: err}
	}
	for i, r := range doc.Rules {
		if strings.TrimSpace(r.Target) == "" {
			return nil, &SyntaxError{Path: path, Reason: fmt.Sprintf("rules[%d] has no target", i)}
		}
	}
	return doc.Rules, nil
}

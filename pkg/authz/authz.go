// Package authz decides which roles may run which loan actions. The result is
// the per-call "authorized" flag the ledger trusts.
package authz

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"gopkg.in/yaml.v3"
)

const modelText = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (r.act == p.act || p.act == "*")
`

// DefaultPolicy is used when no policy file is configured.
const DefaultPolicy = `
roles:
  hr_admin: ["*"]
  hr_officer: [approve, reject, disburse, restructure, watch]
  payroll: [payroll_confirm]
`

// Policy maps a role slug to the actions it may run. "*" allows every action.
type Policy struct {
	Roles map[string][]string `yaml:"roles"`
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("authz: failed to parse policy: %w", err)
	}
	if len(p.Roles) == 0 {
		return Policy{}, errors.New("authz: policy defines no roles")
	}
	return p, nil
}

// LoadPolicyFile reads a policy from path, or DefaultPolicy when path is empty.
func LoadPolicyFile(path string) (Policy, error) {
	if path == "" {
		return ParsePolicy([]byte(DefaultPolicy))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("authz: failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

type Authorizer struct {
	enforcer *casbin.Enforcer
}

func NewAuthorizer(p Policy) (*Authorizer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz: invalid model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to create enforcer: %w", err)
	}

	roles := make([]string, 0, len(p.Roles))
	for role := range p.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var rules [][]string
	for _, role := range roles {
		for _, action := range p.Roles[role] {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			rules = append(rules, []string{SubjectFromRoleSlug(role), action})
		}
	}
	if len(rules) > 0 {
		if _, err := enforcer.AddPolicies(rules); err != nil {
			return nil, fmt.Errorf("authz: failed to load policy: %w", err)
		}
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func SubjectFromRoleSlug(roleSlug string) string {
	roleSlug = strings.TrimSpace(strings.ToLower(roleSlug))
	if roleSlug == "" {
		roleSlug = "anonymous"
	}
	return "role:" + roleSlug
}

// Allowed reports whether role may run action.
func (a *Authorizer) Allowed(role, action string) (bool, error) {
	ok, err := a.enforcer.Enforce(SubjectFromRoleSlug(role), action)
	if err != nil {
		return false, fmt.Errorf("authz: enforce %s/%s: %w", role, action, err)
	}
	return ok, nil
}

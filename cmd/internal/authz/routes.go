package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"elaw/cmd/internal/auth/session"
)

//go:embed routes.yaml
var defaultRoutes []byte

// ErrConfig reports an invalid route table.
var ErrConfig = errors.New("authz: invalid route table")

// DenyMode selects what a role mismatch produces.
type DenyMode string

const (
	DenyForbidden DenyMode = "forbidden"
	DenyRedirect  DenyMode = "redirect"
)

// Rule guards one path prefix.
type Rule struct {
	Path  string         `yaml:"path"`
	Roles []session.Role `yaml:"roles"`
	Deny  DenyMode       `yaml:"deny"`
}

// Routes is the guard table.
type Routes struct {
	Login        string `yaml:"login"`
	Unauthorized string `yaml:"unauthorized"`
	Rules        []Rule `yaml:"routes"`
}

// DefaultRoutes returns the embedded table.
func DefaultRoutes() *Routes {
	rt, err := ParseRoutes(defaultRoutes)
	if err != nil {
		panic(fmt.Sprintf("authz: embedded routes: %v", err))
	}
	return rt
}

// LoadRoutes reads a table from path, or returns the embedded one when path
// is empty.
func LoadRoutes(path string) (*Routes, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRoutes(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	return ParseRoutes(b)
}

// ParseRoutes decodes and validates a YAML table.
func ParseRoutes(b []byte) (*Routes, error) {
	var rt Routes
	if err := yaml.Unmarshal(b, &rt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if rt.Login == "" {
		rt.Login = "/auth/login"
	}
	if rt.Unauthorized == "" {
		rt.Unauthorized = "/unauthorized"
	}

	seen := make(map[string]bool, len(rt.Rules))
	for i := range rt.Rules {
		r := &rt.Rules[i]
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("%w: path %q must start with /", ErrConfig, r.Path)
		}
		if seen[r.Path] {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrConfig, r.Path)
		}
		seen[r.Path] = true

		switch r.Deny {
		case "":
			r.Deny = DenyForbidden
		case DenyForbidden, DenyRedirect:
		default:
			return nil, fmt.Errorf("%w: path %q: unknown deny mode %q", ErrConfig, r.Path, r.Deny)
		}
		for j, role := range r.Roles {
			r.Roles[j] = session.NormalizeRole(string(role))
		}
	}

	// Longest prefix first so Match can stop at the first hit.
	sort.SliceStable(rt.Rules, func(i, j int) bool {
		return len(rt.Rules[i].Path) > len(rt.Rules[j].Path)
	})
	return &rt, nil
}

// Match returns the rule guarding path.
func (rt *Routes) Match(path string) (Rule, bool) {
	for _, r := range rt.Rules {
		if matches(r.Path, path) {
			return r, true
		}
	}
	return Rule{}, false
}

func matches(prefix, path string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/")
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

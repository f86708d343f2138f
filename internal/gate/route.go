package gate

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/3xpluto/go-request-gate/internal/config"
)

type Class string

const (
	ClassBypass    Class = "bypass"
	ClassPublic    Class = "public"
	ClassAuthOnly  Class = "auth-only"
	ClassProtected Class = "protected"
	ClassAdmin     Class = "admin"
	ClassUnmatched Class = "unmatched"
)

// Route is the classification of one request path. API and Login are flags
// layered on top of Class.
type Route struct {
	Class  Class  `json:"class"`
	Prefix string `json:"prefix,omitempty"`
	API    bool   `json:"api"`
	Login  bool   `json:"login"`
}

// Entry is one row of the route table.
type Entry struct {
	Prefix string `json:"prefix"`
	Class  Class  `json:"class"`
}

// Table maps path prefixes to route classes. The longest matching prefix wins;
// prefixes match on segment boundaries, so /api matches /api/x but not /apiary.
type Table struct {
	entries []Entry
	api     []string
	login   []string
}

func NewTable(cfg config.RoutesConfig) (*Table, error) {
	t := &Table{}
	seen := map[string]Class{}

	add := func(class Class, prefixes []string) error {
		for _, p := range prefixes {
			p = normalizePrefix(p)
			if prev, dup := seen[p]; dup && prev != class {
				return fmt.Errorf("route prefix %q is both %s and %s", p, prev, class)
			}
			seen[p] = class
			t.entries = append(t.entries, Entry{Prefix: p, Class: class})
		}
		return nil
	}
	for _, c := range []struct {
		class    Class
		prefixes []string
	}{
		{ClassBypass, cfg.Bypass},
		{ClassPublic, cfg.Public},
		{ClassAuthOnly, cfg.AuthOnly},
		{ClassProtected, cfg.Protected},
		{ClassAdmin, cfg.Admin},
	} {
		if err := add(c.class, c.prefixes); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		return len(t.entries[i].Prefix) > len(t.entries[j].Prefix)
	})
	for _, p := range cfg.API {
		t.api = append(t.api, normalizePrefix(p))
	}
	for _, p := range cfg.Login {
		t.login = append(t.login, normalizePrefix(p))
	}
	return t, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Classify never fails: paths no prefix covers are ClassUnmatched.
func (t *Table) Classify(p string) Route {
	p = cleanPath(p)
	r := Route{Class: ClassUnmatched}
	for _, e := range t.entries {
		if hasPrefix(p, e.Prefix) {
			r.Class = e.Class
			r.Prefix = e.Prefix
			break
		}
	}
	r.API = anyPrefix(p, t.api)
	r.Login = anyPrefix(p, t.login)
	return r
}

func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func hasPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

func anyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if hasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

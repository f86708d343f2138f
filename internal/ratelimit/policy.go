package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Built-in policy names. They are part of every key, so keys of different
// policies never collide.
const (
	AnonymousLogin = "anonymous-login"
	IdentityLogin  = "identity-login"
	GeneralAPI     = "general-api"
)

// Policy is a named fixed-window rule: Limit hits per Window, then a Block
// once exceeded. Durations are whole seconds.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
	Block  time.Duration
}

func NewPolicy(name string, limit, windowSeconds, blockSeconds int) Policy {
	return Policy{
		Name:   name,
		Limit:  limit,
		Window: time.Duration(windowSeconds) * time.Second,
		Block:  time.Duration(blockSeconds) * time.Second,
	}
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Limit <= 0 {
		return fmt.Errorf("policy %s: limit must be > 0", p.Name)
	}
	if p.Window < time.Second || p.Window%time.Second != 0 {
		return fmt.Errorf("policy %s: window must be a positive whole number of seconds", p.Name)
	}
	if p.Block < time.Second || p.Block%time.Second != 0 {
		return fmt.Errorf("policy %s: block must be a positive whole number of seconds", p.Name)
	}
	return nil
}

// Key is the store key of subject under p.
func (p Policy) Key(subject string) string { return p.Name + ":" + subject }

func (p Policy) rule() Rule { return Rule{Limit: p.Limit, Window: p.Window, Block: p.Block} }

// Set holds the named policies in effect.
type Set map[string]Policy

func NewSet(policies ...Policy) (Set, error) {
	s := make(Set, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s[p.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q", p.Name)
		}
		s[p.Name] = p
	}
	return s, nil
}

func (s Set) Get(name string) (Policy, bool) {
	p, ok := s[name]
	return p, ok
}

// Sorted returns the policies ordered by name.
func (s Set) Sorted() []Policy {
	out := make([]Policy, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

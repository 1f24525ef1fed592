// Package intercept decides which proxied authorities are sent to the
// configured backend instead of their original destination.
package intercept

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"
)

// Kind selects how a Rule's pattern is compared with an authority.
type Kind int

const (
	// Contains matches when the pattern occurs anywhere in the authority.
	Contains Kind = iota
	// Suffix matches when the authority ends with the pattern.
	Suffix
	// Exact matches the whole authority.
	Exact
	// Wildcard matches a glob pattern with '*' and '?'.
	Wildcard
)

var kindNames = map[Kind]string{
	Contains: "contains",
	Suffix:   "suffix",
	Exact:    "exact",
	Wildcard: "wildcard",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Rule is a single interception rule. Matching is case-sensitive.
type Rule struct {
	Kind    Kind
	Pattern string
}

func (r Rule) String() string {
	return r.Kind.String() + ":" + r.Pattern
}

// Match reports whether authority (host or host:port) satisfies the rule.
func (r Rule) Match(authority string) bool {
	switch r.Kind {
	case Contains:
		return strings.Contains(authority, r.Pattern)
	case Suffix:
		return strings.HasSuffix(authority, r.Pattern)
	case Exact:
		return authority == r.Pattern
	case Wildcard:
		return match.Match(authority, r.Pattern)
	default:
		return false
	}
}

// ParseRule parses the "kind:pattern" form used in config files. A value
// without a known kind prefix is a Contains rule.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rule{}, errors.New("empty rule")
	}
	if prefix, pattern, ok := strings.Cut(s, ":"); ok {
		for kind, name := range kindNames {
			if prefix != name {
				continue
			}
			if pattern == "" {
				return Rule{}, fmt.Errorf("rule %q has no pattern", s)
			}
			return Rule{Kind: kind, Pattern: pattern}, nil
		}
	}
	return Rule{Kind: Contains, Pattern: s}, nil
}

// DefaultRules returns the built-in game-service rules.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: Contains, Pattern: "hoyoverse.com"},
		{Kind: Contains, Pattern: "mihoyo.com"},
		{Kind: Contains, Pattern: "yuanshen.com"},
		{Kind: Contains, Pattern: "starrails.com"},
		{Kind: Contains, Pattern: "bhsr.com"},
		{Kind: Contains, Pattern: "bh3.com"},
		{Kind: Contains, Pattern: "honkaiimpact3.com"},
		{Kind: Contains, Pattern: "zenlesszonezero.com"},
		{Kind: Contains, Pattern: "stellasora.global"},
		{Kind: Contains, Pattern: "yostarplat.com"},
		{Kind: Suffix, Pattern: ".yuanshen.com:12401"},
	}
}

// Policy is an immutable rule set. It is safe for concurrent use.
type Policy struct {
	rules []Rule
}

// NewPolicy builds a policy from rules, dropping duplicates. With no rules
// the default set is used.
func NewPolicy(rules ...Rule) *Policy {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Policy{rules: lo.Uniq(rules)}
}

// ParsePolicy builds a policy from "kind:pattern" strings.
func ParsePolicy(exprs []string) (*Policy, error) {
	rules := make([]Rule, 0, len(exprs))
	for _, s := range exprs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewPolicy(rules...), nil
}

// Rules returns a copy of the policy's rules.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// ShouldRedirect reports whether requests for authority go to the backend.
func (p *Policy) ShouldRedirect(authority string) bool {
	return lo.ContainsBy(p.rules, func(r Rule) bool {
		return r.Match(authority)
	})
}

// ShouldDecrypt reports whether a CONNECT tunnel is terminated by the proxy.
// Every tunnel is decrypted; the redirect decision is made per request.
func (*Policy) ShouldDecrypt(*http.Request) bool {
	return true
}

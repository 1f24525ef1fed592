package intercept_test

import (
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anime-games-proxy/agproxy/intercept"
)

func TestDefaultPolicyShouldRedirect(t *testing.T) {
	tests := []struct {
		authority string
		want      bool
	}{
		{"hoyoverse.com", true},
		{"sg-public-api.hoyoverse.com:443", true},
		{"sdk-os-static.mihoyo.com", true},
		{"dispatchcnglobal.yuanshen.com", true},
		{"public-data-api.starrails.com", true},
		{"globaldp-prod-os01.bhsr.com", true},
		{"outer-dp-os.bh3.com:443", true},
		{"api.honkaiimpact3.com", true},
		{"globaldp-prod.zenlesszonezero.com", true},
		{"api.stellasora.global", true},
		{"login.yostarplat.com", true},
		{"cn.yuanshen.com:12401", true},
		{"example.com", false},
		{"example.com:443", false},
		{"HOYOVERSE.COM", false},
		{"yostar.com", false},
		{"", false},
	}

	p := intercept.NewPolicy()
	for _, tt := range tests {
		t.Run(tt.authority, func(t *testing.T) {
			c := qt.New(t)
			c.Assert(p.ShouldRedirect(tt.authority), qt.Equals, tt.want)
		})
	}
}

func TestSuffixRuleNeedsDotAndPort(t *testing.T) {
	c := qt.New(t)
	p := intercept.NewPolicy(intercept.Rule{Kind: intercept.Suffix, Pattern: ".yuanshen.com:12401"})

	c.Assert(p.ShouldRedirect("os.yuanshen.com:12401"), qt.IsTrue)
	c.Assert(p.ShouldRedirect("os.yuanshen.com:443"), qt.IsFalse)
	c.Assert(p.ShouldRedirect("yuanshen.com:12401"), qt.IsFalse)
}

func TestRuleKinds(t *testing.T) {
	tests := []struct {
		name      string
		rule      intercept.Rule
		authority string
		want      bool
	}{
		{"exact hit", intercept.Rule{Kind: intercept.Exact, Pattern: "a.example:443"}, "a.example:443", true},
		{"exact miss", intercept.Rule{Kind: intercept.Exact, Pattern: "a.example:443"}, "a.example", false},
		{"wildcard hit", intercept.Rule{Kind: intercept.Wildcard, Pattern: "*.example:*"}, "b.example:8443", true},
		{"wildcard miss", intercept.Rule{Kind: intercept.Wildcard, Pattern: "*.example:*"}, "b.example", false},
		{"contains", intercept.Rule{Kind: intercept.Contains, Pattern: "mple"}, "example", true},
		{"unknown kind", intercept.Rule{Kind: intercept.Kind(42), Pattern: "x"}, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			c.Assert(tt.rule.Match(tt.authority), qt.Equals, tt.want)
		})
	}
}

func TestParseRule(t *testing.T) {
	c := qt.New(t)

	r, err := intercept.ParseRule("suffix:.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(r, qt.Equals, intercept.Rule{Kind: intercept.Suffix, Pattern: ".example.com"})

	r, err = intercept.ParseRule("  hoyoverse.com ")
	c.Assert(err, qt.IsNil)
	c.Assert(r, qt.Equals, intercept.Rule{Kind: intercept.Contains, Pattern: "hoyoverse.com"})

	r, err = intercept.ParseRule("host.example:8080")
	c.Assert(err, qt.IsNil)
	c.Assert(r, qt.Equals, intercept.Rule{Kind: intercept.Contains, Pattern: "host.example:8080"})
	c.Assert(r.String(), qt.Equals, "contains:host.example:8080")

	_, err = intercept.ParseRule("")
	c.Assert(err, qt.ErrorMatches, "empty rule")
	_, err = intercept.ParseRule("exact:")
	c.Assert(err, qt.ErrorMatches, `rule "exact:" has no pattern`)
}

func TestParsePolicyDeduplicates(t *testing.T) {
	c := qt.New(t)

	p, err := intercept.ParsePolicy([]string{"exact:a.example", "exact:a.example", "b.example"})
	c.Assert(err, qt.IsNil)
	c.Assert(p.Rules(), qt.DeepEquals, []intercept.Rule{
		{Kind: intercept.Exact, Pattern: "a.example"},
		{Kind: intercept.Contains, Pattern: "b.example"},
	})

	_, err = intercept.ParsePolicy([]string{" "})
	c.Assert(err, qt.IsNotNil)
}

func TestNewPolicyWithoutRulesUsesDefaults(t *testing.T) {
	c := qt.New(t)
	c.Assert(intercept.NewPolicy().Rules(), qt.DeepEquals, intercept.DefaultRules())
}

func TestShouldDecryptAlwaysTrue(t *testing.T) {
	c := qt.New(t)
	p := intercept.NewPolicy()

	c.Assert(p.ShouldDecrypt(httptest.NewRequest("CONNECT", "http://example.com:443", nil)), qt.IsTrue)
	c.Assert(p.ShouldDecrypt(httptest.NewRequest("GET", "http://sdk.mihoyo.com/", nil)), qt.IsTrue)
}

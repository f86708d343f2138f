package gate

import (
	"testing"

	"github.com/3xpluto/go-request-gate/internal/config"
)

func testRoutes() config.RoutesConfig {
	return config.RoutesConfig{
		Bypass:    []string{"/_next/static", "/favicon.ico"},
		Public:    []string{"/pricing", "/about"},
		AuthOnly:  []string{"/login", "/signup", "/api/auth"},
		Protected: []string{"/dashboard", "/onboarding", "/settings", "/api"},
		Admin:     []string{"/admin", "/api/admin"},
		API:       []string{"/api/"},
		Login:     []string{"/login", "/api/auth/login"},
	}
}

func TestClassify(t *testing.T) {
	table, err := NewTable(testRoutes())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path  string
		class Class
		api   bool
		login bool
	}{
		{"/_next/static/chunk.js", ClassBypass, false, false},
		{"/favicon.ico", ClassBypass, false, false},
		{"/pricing", ClassPublic, false, false},
		{"/login", ClassAuthOnly, false, true},
		{"/api/auth/login", ClassAuthOnly, true, true},
		{"/dashboard/reports", ClassProtected, false, false},
		{"/api/projects", ClassProtected, true, false},
		{"/api", ClassProtected, true, false},
		{"/api/admin/users", ClassAdmin, true, false},
		{"/admin", ClassAdmin, false, false},
		{"/administrator", ClassUnmatched, false, false},
		{"/apiary", ClassUnmatched, false, false},
		{"/", ClassUnmatched, false, false},
		{"", ClassUnmatched, false, false},
		{"/pricing/../admin", ClassAdmin, false, false},
		{"//admin", ClassAdmin, false, false},
	}
	for _, tc := range cases {
		got := table.Classify(tc.path)
		if got.Class != tc.class || got.API != tc.api || got.Login != tc.login {
			t.Errorf("Classify(%q) = %+v, want class=%s api=%v login=%v", tc.path, got, tc.class, tc.api, tc.login)
		}
	}
}

func TestClassifyRootPrefix(t *testing.T) {
	table, err := NewTable(config.RoutesConfig{Public: []string{"/"}, Protected: []string{"/dashboard"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := table.Classify("/anything").Class; got != ClassPublic {
		t.Fatalf("expected public, got %s", got)
	}
	if got := table.Classify("/dashboard").Class; got != ClassProtected {
		t.Fatalf("expected protected, got %s", got)
	}
}

func TestNewTableRejectsConflicts(t *testing.T) {
	_, err := NewTable(config.RoutesConfig{Public: []string{"/x"}, Admin: []string{"/x/"}})
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

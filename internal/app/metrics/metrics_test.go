package metrics

import "testing"

func TestCanonicalPathCollapsesIDs(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/sessions", "/sessions"},
		{"/sessions/9b3f", "/sessions/:id"},
		{"/sessions/9b3f/steps", "/sessions/:id/steps"},
		{"/sessions/9b3f/end", "/sessions/:id/end"},
		{"/users/user-1", "/users/:id"},
		{"/users/user-1/balance", "/users/:id/balance"},
		{"/users/user-1/daemon", "/users/:id/daemon"},
	}
	for _, tc := range cases {
		if got := canonicalPath(tc.raw); got != tc.want {
			t.Errorf("canonicalPath(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

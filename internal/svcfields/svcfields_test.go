package svcfields

import "testing"

func TestJoin(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"relay", "coordinator"}, "relay.coordinator"},
		{[]string{".api.", "", " callback "}, "api.callback"},
		{[]string{"", ""}, ""},
	}
	for _, tc := range cases {
		if got := Join(tc.parts...); got != tc.want {
			t.Fatalf("Join(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, Relay) == nil {
		t.Fatal("expected non-nil logger")
	}
	if Ensure(nil) == nil {
		t.Fatal("expected non-nil logger from Ensure")
	}
}

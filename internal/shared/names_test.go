package shared

import "testing"

func TestValidAgentName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"scribe", true},
		{"mail-sorter", true},
		{"agent_02", true},
		{"a", true},
		{"", false},
		{"Scribe", false},
		{"-leading", false},
		{"has space", false},
		{"dot.name", false},
		{"../escape", false},
	}
	for _, tc := range cases {
		if got := ValidAgentName(tc.name); got != tc.valid {
			t.Errorf("ValidAgentName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

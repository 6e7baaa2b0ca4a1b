package llm

import "testing"

func TestEnforceStopTokens(t *testing.T) {
	cases := []struct {
		name string
		text string
		stop []string
		want string
	}{
		{name: "single token", text: "Hello world, goodbye", stop: []string{"world"}, want: "Hello "},
		{name: "earliest wins", text: "a-b-c|d", stop: []string{"|", "-"}, want: "a"},
		{name: "no match", text: "Hello", stop: []string{"xyz"}, want: "Hello"},
		{name: "regex characters are literal", text: "1+1=2. done", stop: []string{"."}, want: "1+1=2"},
		{name: "empty token ignored", text: "keep", stop: []string{""}, want: "keep"},
		{name: "nil stop", text: "keep", stop: nil, want: "keep"},
		{name: "match at start", text: "stop here", stop: []string{"stop"}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EnforceStopTokens(tc.text, tc.stop); got != tc.want {
				t.Fatalf("EnforceStopTokens(%q, %q) = %q, want %q", tc.text, tc.stop, got, tc.want)
			}
		})
	}
}

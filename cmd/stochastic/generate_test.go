package main

import "testing"

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"temperature=0.7", "max_tokens=64", "stream=false", "tag=demo", "empty="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["temperature"] != 0.7 || got["max_tokens"] != 64 || got["stream"] != false {
		t.Fatalf("scalar values lost their type: %#v", got)
	}
	if got["tag"] != "demo" || got["empty"] != "" {
		t.Fatalf("unexpected string values: %#v", got)
	}

	for _, bad := range [][]string{{"novalue"}, {"=1"}, {"a=1", "a=2"}} {
		if _, err := parseAssignments(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}

	if got, err := parseAssignments(nil); err != nil || got != nil {
		t.Fatalf("no pairs should yield nil map, got %#v (%v)", got, err)
	}
}

func TestGenerateOptionsConfig(t *testing.T) {
	opts := &generateOptions{
		modelID:     "https://api.stochastic.ai/v1/modelApi/submit/gpt-j",
		modelKwargs: []string{"temperature=0.2"},
		params:      []string{"top_p=0.9"},
		maxPolls:    5,
	}
	cfg, err := opts.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ModelKwargs["temperature"] != 0.2 || cfg.Extra["top_p"] != 0.9 || cfg.MaxPollAttempts != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	opts.params = []string{"broken"}
	if _, err := opts.config(); err == nil {
		t.Fatalf("expected malformed --param to fail")
	}
}

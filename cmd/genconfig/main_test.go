package main

import (
	"os"
	"strings"
	"testing"

	"tools.zach/dev/pgnotify/internal/config"
)

// ///////////////////////////////////////////////
// render
// ///////////////////////////////////////////////

func TestRenderRoundTrips(t *testing.T) {
	out, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	cfg, err := config.Parse([]byte(out))
	if err != nil {
		t.Fatalf("rendered config does not parse: %v\n%s", err, out)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("rendered config invalid: %v", err)
	}
	want := config.ExampleConfig()
	if cfg.Database.DSN != want.Database.DSN || cfg.Listen.TimeoutSeconds != want.Listen.TimeoutSeconds {
		t.Errorf("round trip changed values: %+v", cfg)
	}
}

func TestRenderAnnotates(t *testing.T) {
	out, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"# pgnotify Configuration",
		"# ///// Listen /////",
		"# Config schema version. Do not edit.\nversion = 2",
		`# channels = "jobs"`,
		"# ///// Forward /////",
		"# [[forward]]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(out, "\n  ") {
		t.Error("output keeps encoder indentation")
	}
	if !strings.HasSuffix(out, "\n") || strings.HasSuffix(out, "\n\n") {
		t.Error("output should end with exactly one newline")
	}
}

func TestRenderInjectsOmittedKeys(t *testing.T) {
	type section struct {
		Set string `toml:"set"`
	}
	cfg := struct {
		S section `toml:"s"`
	}{S: section{Set: "x"}}
	docs := map[string]config.FieldDoc{
		"s.set":   {Comment: "present"},
		"s.unset": {Comment: "documented only", Alternatives: []string{`unset = 1`}},
	}

	out, err := render(cfg, docs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "# documented only\n# unset = 1") {
		t.Errorf("omitted key not injected:\n%s", out)
	}
}

func TestCommittedDefaultIsCurrent(t *testing.T) {
	data, err := os.ReadFile("../../config.default.toml")
	if err != nil {
		t.Fatalf("read committed default: %v", err)
	}
	want, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(data) != want {
		t.Error("config.default.toml is stale; run go generate ./internal/config")
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func TestSectionHeader(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"[listen]", "listen", true},
		{"[[forward]]", "forward", true},
		{"[a.b]", "a.b", true},
		{`channels = ["a"]`, "", false},
		{"version = 2", "", false},
	}
	for _, tt := range tests {
		got, ok := sectionHeader(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("sectionHeader(%q) = %q, %v; want %q, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSectionName(t *testing.T) {
	tests := []struct {
		section string
		want    string
	}{
		{"listen", "Listen"},
		{"display.assets", "Assets"},
		{"Log", "Log"},
		{"a", "A"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sectionName(tt.section); got != tt.want {
			t.Errorf("sectionName(%q) = %q, want %q", tt.section, got, tt.want)
		}
	}
}

// Package migrate tests verify version detection, ordered application,
// error propagation and the document helpers.
package migrate

import (
	"errors"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

func decode(t *testing.T, data []byte) Doc {
	t.Helper()
	doc := Doc{}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return doc
}

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

func TestPeekVersion(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{name: "explicit", data: "version = 3\n", want: 3},
		{name: "missing", data: "[log]\nlevel = 'info'\n", want: 1},
		{name: "zero", data: "version = 0\n", want: 1},
		{name: "negative", data: "version = -2\n", want: 1},
		{name: "invalid toml", data: "version = = 2", want: 1},
		{name: "empty", data: "", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PeekVersion([]byte(tt.data)); got != tt.want {
				t.Errorf("PeekVersion = %d, want %d", got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Run
// ///////////////////////////////////////////////

func TestRunAppliesInOrder(t *testing.T) {
	r := &Registry{CurrentVersion: 3}
	var order []int
	r.Register(Migration{Version: 3, Description: "third", Upgrade: func(doc Doc) error {
		order = append(order, 3)
		doc["c"] = doc["b"].(string) + "+3"
		return nil
	}})
	r.Register(Migration{Version: 2, Description: "second", Upgrade: func(doc Doc) error {
		order = append(order, 2)
		doc["b"] = "2"
		return nil
	}})

	out, err := r.Run([]byte("a = 'x'\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 3 {
		t.Errorf("order = %v, want [2 3]", order)
	}
	doc := decode(t, out)
	if doc["version"] != int64(3) || doc["a"] != "x" || doc["c"] != "2+3" {
		t.Errorf("migrated doc = %v", doc)
	}
}

func TestRunSkipsApplied(t *testing.T) {
	r := &Registry{CurrentVersion: 3}
	r.Register(Migration{Version: 2, Upgrade: func(Doc) error {
		t.Error("v2 migration ran on a v2 document")
		return nil
	}})
	r.Register(Migration{Version: 3, Upgrade: func(doc Doc) error {
		doc["touched"] = true
		return nil
	}})

	out, err := r.Run([]byte("version = 2\n"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc := decode(t, out); doc["touched"] != true {
		t.Errorf("v3 migration not applied: %v", doc)
	}
}

func TestRunCurrentIsUnchanged(t *testing.T) {
	r := &Registry{CurrentVersion: 2}
	in := []byte("version = 2\n# comment kept\n")
	out, err := r.Run(in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("current document rewritten: %q", out)
	}
	if r.NeedsMigration(2) || !r.NeedsMigration(1) {
		t.Error("NeedsMigration disagrees with Run")
	}
}

func TestRunRejectsNewer(t *testing.T) {
	r := &Registry{CurrentVersion: 2}
	if _, err := r.Run([]byte("version = 5\n")); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("err = %v, want newer-version error", err)
	}
}

func TestRunStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	r := &Registry{CurrentVersion: 3}
	r.Register(Migration{Version: 2, Upgrade: func(Doc) error { return boom }})
	r.Register(Migration{Version: 3, Upgrade: func(Doc) error {
		t.Error("ran past a failed migration")
		return nil
	}})

	_, err := r.Run([]byte(""))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "migration to v2 failed") {
		t.Errorf("err = %v", err)
	}
}

// ///////////////////////////////////////////////
// Register
// ///////////////////////////////////////////////

func TestRegisterPanics(t *testing.T) {
	tests := []struct {
		name string
		m    Migration
	}{
		{name: "duplicate", m: Migration{Version: 2}},
		{name: "too new", m: Migration{Version: 9}},
		{name: "too old", m: Migration{Version: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Registry{CurrentVersion: 2}
			r.Register(Migration{Version: 2})
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			r.Register(tt.m)
		})
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func TestTable(t *testing.T) {
	doc := decode(t, []byte("name = 'x'\n[listen]\nbatch = true\n"))

	listen, err := Table(doc, "listen")
	if err != nil || listen["batch"] != true {
		t.Fatalf("Table(listen) = %v, %v", listen, err)
	}
	created, err := Table(doc, "log")
	if err != nil {
		t.Fatalf("Table(log): %v", err)
	}
	created["level"] = "debug"
	if doc["log"].(map[string]any)["level"] != "debug" {
		t.Error("created table not attached to doc")
	}
	if _, err := Table(doc, "name"); err == nil {
		t.Error("expected error for a non-table key")
	}
}

func TestRename(t *testing.T) {
	doc := Doc{"timeout": int64(3), "keep": "a", "taken": 1, "new_taken": 2}

	Rename(doc, "timeout", "timeout_seconds")
	Rename(doc, "absent", "whatever")
	Rename(doc, "taken", "new_taken")

	if doc["timeout_seconds"] != int64(3) {
		t.Errorf("rename failed: %v", doc)
	}
	if _, ok := doc["timeout"]; ok {
		t.Error("old key left behind")
	}
	if _, ok := doc["whatever"]; ok {
		t.Error("absent key created")
	}
	if doc["new_taken"] != 2 {
		t.Error("rename overwrote an existing key")
	}
}

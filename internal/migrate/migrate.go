// Package migrate upgrades versioned TOML documents one schema version at a
// time.
//
// A migration edits the decoded document tree in place; the registry takes
// care of decoding, ordering, bumping the "version" key and encoding again,
// so individual steps never deal with TOML text.
package migrate

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"

	"github.com/BurntSushi/toml"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Doc is a decoded TOML document.
type Doc = map[string]any

// Migration upgrades a document to Version from the version before it.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade edits doc in place.
	Upgrade func(doc Doc) error
}

// Registry holds the migrations for one kind of document.
type Registry struct {
	// CurrentVersion is the schema version the program reads.
	CurrentVersion int
	// Migrations are applied in Version order.
	Migrations []Migration
}

// Register adds m. It panics on a duplicate or out-of-range version, which is
// a programming error caught at init.
func (r *Registry) Register(m Migration) {
	if m.Version < 2 || m.Version > r.CurrentVersion {
		panic(fmt.Sprintf("migrate: migration version %d outside 2..%d", m.Version, r.CurrentVersion))
	}
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate migration version %d (%q)", m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
	slices.SortFunc(r.Migrations, func(a, b Migration) int { return a.Version - b.Version })
}

// ///////////////////////////////////////////////
// Versions
// ///////////////////////////////////////////////

// PeekVersion returns the "version" key of a TOML document. Missing, zero
// or unparsable versions count as 1, the unversioned schema.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if _, err := toml.Decode(string(data), &v); err != nil || v.Version <= 0 {
		return 1
	}
	return v.Version
}

// NeedsMigration reports whether a document at version would be changed by Run.
func (r *Registry) NeedsMigration(version int) bool {
	return version < r.CurrentVersion
}

// ///////////////////////////////////////////////
// Run
// ///////////////////////////////////////////////

// Run upgrades data from its current version to r.CurrentVersion and returns
// the re-encoded document with its version key updated. Data already at the
// current version is returned unchanged. Data from a newer version is an
// error, since downgrading would drop settings silently.
func (r *Registry) Run(data []byte) ([]byte, error) {
	from := PeekVersion(data)
	switch {
	case from == r.CurrentVersion:
		return data, nil
	case from > r.CurrentVersion:
		return nil, fmt.Errorf("document version %d is newer than supported version %d", from, r.CurrentVersion)
	}

	doc := Doc{}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("decode v%d document: %w", from, err)
	}
	for _, m := range r.Migrations {
		if m.Version <= from {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := m.Upgrade(doc); err != nil {
			return nil, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		doc["version"] = int64(m.Version)
	}
	doc["version"] = int64(r.CurrentVersion)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode v%d document: %w", r.CurrentVersion, err)
	}
	return buf.Bytes(), nil
}

// ///////////////////////////////////////////////
// Document helpers
// ///////////////////////////////////////////////

// Table returns doc[key] as a table, creating it when absent. A key holding a
// non-table value is an error.
func Table(doc Doc, key string) (Doc, error) {
	v, ok := doc[key]
	if !ok {
		t := Doc{}
		doc[key] = t
		return t, nil
	}
	t, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%q is a %T, not a table", key, v)
	}
	return t, nil
}

// Rename moves t[from] to t[to] unless t[to] is already set.
func Rename(t Doc, from, to string) {
	v, ok := t[from]
	if !ok {
		return
	}
	delete(t, from)
	if _, taken := t[to]; !taken {
		t[to] = v
	}
}

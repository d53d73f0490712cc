// Package main implements the genconfig tool that writes config.default.toml
// from config.ExampleConfig() and the comments in config.ConfigDocs.
//
// It is invoked by go generate via the directive in internal/config/config.go.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"tools.zach/dev/pgnotify/internal/config"
)

func main() {
	// go generate runs from internal/config/, so ../../ is the repo root
	// where configdata.go embeds the file.
	outPath := flag.String("o", "../../config.default.toml", "output path")
	flag.Parse()

	result, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "render: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, []byte(result), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *outPath)
}

// ///////////////////////////////////////////////
// Rendering
// ///////////////////////////////////////////////

// render encodes cfg and annotates it with docs. Sections the encoder left
// out (empty array tables) are appended fully commented so every option
// shows up in the file.
func render(cfg any, docs map[string]config.FieldDoc) (string, error) {
	var raw bytes.Buffer
	enc := toml.NewEncoder(&raw)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	out := []string{
		"# ///////////////////////////////////////////////",
		"# pgnotify Configuration",
		"# ///////////////////////////////////////////////",
		"",
	}
	section := ""
	emitted := map[string]bool{}

	for _, line := range strings.Split(raw.String(), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if name, ok := sectionHeader(trimmed); ok {
			out = injectOmitted(out, section, docs, emitted)
			section = name
			emitted[section] = true
			out = append(out, "", fmt.Sprintf("# ///// %s /////", sectionName(section)), "")
			out = appendComment(out, docs[section].Comment)
			out = append(out, trimmed)
			continue
		}

		key, _, found := strings.Cut(trimmed, "=")
		if !found || strings.HasPrefix(trimmed, "#") {
			out = append(out, trimmed)
			continue
		}
		path := joinPath(section, strings.TrimSpace(key))
		emitted[path] = true

		doc := docs[path]
		out = appendComment(out, doc.Comment)
		out = append(out, trimmed)
		for _, alt := range doc.Alternatives {
			out = append(out, "# "+alt)
		}
	}
	out = injectOmitted(out, section, docs, emitted)
	out = injectSections(out, docs, emitted)

	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n", nil
}

// sectionHeader recognises [a.b] and [[a]] lines.
func sectionHeader(line string) (string, bool) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return "", false
	}
	return strings.Trim(line, "[] "), true
}

func appendComment(out []string, comment string) []string {
	if comment == "" {
		return out
	}
	for _, cl := range strings.Split(comment, "\n") {
		out = append(out, strings.TrimRight("# "+cl, " "))
	}
	return out
}

func joinPath(section, key string) string {
	if section == "" {
		return key
	}
	return section + "." + key
}

// injectOmitted appends commented entries for documented keys of section
// that the encoder did not write, sorted for stable output.
func injectOmitted(out []string, section string, docs map[string]config.FieldDoc, emitted map[string]bool) []string {
	if section == "" {
		return out
	}
	prefix := section + "."
	var omitted []string
	for path := range docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, ".") || emitted[path] {
			continue
		}
		omitted = append(omitted, path)
	}
	slices.Sort(omitted)

	for _, path := range omitted {
		doc := docs[path]
		out = append(out, "")
		out = appendComment(out, doc.Comment)
		for _, alt := range doc.Alternatives {
			out = append(out, "# "+alt)
		}
		emitted[path] = true
	}
	return out
}

// injectSections appends documented top-level sections that were never
// written, such as an empty [[forward]] list. Their alternatives start with
// the commented section header.
func injectSections(out []string, docs map[string]config.FieldDoc, emitted map[string]bool) []string {
	var missing []string
	for path, doc := range docs {
		if strings.Contains(path, ".") || emitted[path] {
			continue
		}
		if len(doc.Alternatives) == 0 || !strings.HasPrefix(doc.Alternatives[0], "[") {
			continue
		}
		missing = append(missing, path)
	}
	slices.Sort(missing)

	for _, path := range missing {
		doc := docs[path]
		out = append(out, "", fmt.Sprintf("# ///// %s /////", sectionName(path)), "")
		out = appendComment(out, doc.Comment)
		for _, alt := range doc.Alternatives {
			out = append(out, "# "+alt)
		}
		emitted[path] = true
	}
	return out
}

// sectionName returns the display name of a section header: its last dotted
// segment with the first letter upper-cased ("listen" becomes "Listen").
func sectionName(section string) string {
	parts := strings.Split(section, ".")
	last := parts[len(parts)-1]
	if last == "" {
		return ""
	}
	return strings.ToUpper(last[:1]) + last[1:]
}

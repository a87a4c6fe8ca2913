// Package manifest reads the dependency list out of a buildpack.toml and
// writes a copy whose dependency URIs point at their mirrored locations.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bpsync/internal/ledger"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

// DefaultRewriteName is the file the rewriter writes next to the source.
const DefaultRewriteName = "buildpack-modified.toml"

// Entry is one dependency to mirror.
type Entry struct {
	ID      string
	Source  string
	Name    string
	Version string
	SHA256  string
	Stacks  []string
}

type dependency struct {
	ID      string   `toml:"id"`
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	URI     string   `toml:"uri"`
	SHA256  string   `toml:"sha256"`
	Stacks  []string `toml:"stacks"`
}

type buildpackTOML struct {
	Metadata struct {
		Dependencies []dependency `toml:"dependencies"`
	} `toml:"metadata"`
}

// Reader yields the entries of a manifest.
type Reader interface {
	Read(path string) ([]Entry, error)
}

// Rewriter writes a copy of src to dst with sources replaced per mapping.
type Rewriter interface {
	Rewrite(src, dst string, mapping map[string]string) error
}

// TOMLReader reads buildpack.toml files.
type TOMLReader struct{}

func (TOMLReader) Read(p string) ([]Entry, error) {
	var doc buildpackTOML
	if _, err := toml.DecodeFile(p, &doc); err != nil {
		return nil, &api.ManifestError{Path: p, Err: err}
	}
	seen := map[string]bool{}
	var entries []Entry
	for _, d := range doc.Metadata.Dependencies {
		if d.URI == "" {
			continue
		}
		if seen[d.URI] {
			log.Debug().Str("uri", d.URI).Msg("Skipping duplicate dependency")
			continue
		}
		seen[d.URI] = true
		entries = append(entries, Entry{
			ID:      TaskID(d.ID, d.Version, d.URI),
			Source:  d.URI,
			Name:    d.Name,
			Version: d.Version,
			SHA256:  strings.ToLower(d.SHA256),
			Stacks:  d.Stacks,
		})
	}
	return entries, nil
}

// TaskID derives a stable id: <dep id>@<version>-<first 8 hex of sha256(uri)>.
// The URI's base name stands in when the dependency has no id.
func TaskID(depID, version, uri string) string {
	suffix := SourceDigest(uri)

	prefix := depID
	if prefix == "" {
		prefix = path.Base(strings.SplitN(uri, "?", 2)[0])
	} else if version != "" {
		prefix += "@" + version
	}
	return prefix + "-" + suffix
}

// SourceDigest is the short hex digest of uri that ends its task id.
func SourceDigest(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])[:8]
}

// LedgerEntries converts entries into ledger order.
func LedgerEntries(entries []Entry) []ledger.Entry {
	out := make([]ledger.Entry, len(entries))
	for i, e := range entries {
		out[i] = ledger.Entry{ID: e.ID, Source: e.Source}
	}
	return out
}

// RewritePath returns where the rewritten manifest goes for src.
func RewritePath(src string) string {
	return filepath.Join(filepath.Dir(src), DefaultRewriteName)
}

// TOMLRewriter rewrites buildpack.toml dependency URIs.
type TOMLRewriter struct{}

func (TOMLRewriter) Rewrite(src, dst string, mapping map[string]string) error {
	if len(mapping) == 0 {
		return &api.RewriteError{Path: dst, Err: errors.New("empty mapping")}
	}
	var doc map[string]any
	if _, err := toml.DecodeFile(src, &doc); err != nil {
		return &api.RewriteError{Path: dst, Err: fmt.Errorf("read %s: %w", src, err)}
	}

	replaced := 0
	if md, ok := doc["metadata"].(map[string]any); ok {
		if deps, ok := md["dependencies"].([]map[string]any); ok {
			for _, dep := range deps {
				uri, _ := dep["uri"].(string)
				if to, ok := mapping[uri]; ok && uri != "" {
					dep["uri"] = to
					replaced++
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return &api.RewriteError{Path: dst, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := ledger.WriteFileAtomic(dst, buf.Bytes(), 0o644); err != nil {
		return &api.RewriteError{Path: dst, Err: err}
	}
	log.Info().Str("path", dst).Int("replaced", replaced).Msg("Rewritten manifest written")
	return nil
}

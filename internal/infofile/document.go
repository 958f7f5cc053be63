// Package infofile implements the INI-like, checksum-sealed registry
// format spec.md §4.6 describes for archive.info/backup.info: sections
// of JSON-valued keys, sorted deterministically by section then key,
// sealed with a trailing "[backrest]\nchecksum=<sha1 of the preceding
// bytes>" line, persisted as an identical primary+copy pair so a
// corrupt primary can fall back to the copy on load.
//
// Parsing tolerates the full generality of INI syntax (quoting,
// whitespace, comments) via gopkg.in/ini.v1 — the library the
// `orgrim-pg_back` manifest in the retrieved pack pulls in for this
// exact purpose — but Marshal writes deterministic bytes directly,
// since the checksum seal requires an exact, stable byte sequence that
// a generic INI writer's section/key ordering doesn't guarantee.
package infofile

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // checksum seal is sha1 by wire-format convention (spec.md §4.6), not for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"
)

const (
	checksumSection = "backrest"
	checksumKey     = "checksum"
)

// Document is a sorted section/key store of JSON-encoded values, the
// shared model behind ArchiveInfo and BackupInfo.
type Document struct {
	sections map[string]map[string]string
}

// NewDocument returns an empty Document ready for Set calls.
func NewDocument() *Document {
	return &Document{sections: make(map[string]map[string]string)}
}

// Set JSON-encodes value and stores it under section/key.
func (d *Document) Set(section, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("infofile: encode %s.%s: %w", section, key, err)
	}
	if d.sections[section] == nil {
		d.sections[section] = make(map[string]string)
	}
	d.sections[section][key] = string(b)
	return nil
}

// Get decodes the value at section/key into target, reporting false if
// the key is absent.
func (d *Document) Get(section, key string, target any) (bool, error) {
	sec, ok := d.sections[section]
	if !ok {
		return false, nil
	}
	raw, ok := sec[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return true, fmt.Errorf("infofile: decode %s.%s: %w", section, key, err)
	}
	return true, nil
}

// Delete removes one key from a section.
func (d *Document) Delete(section, key string) {
	if sec, ok := d.sections[section]; ok {
		delete(sec, key)
	}
}

// DeleteSection removes an entire section.
func (d *Document) DeleteSection(section string) {
	delete(d.sections, section)
}

// HasSection reports whether section has at least one key.
func (d *Document) HasSection(section string) bool {
	return len(d.sections[section]) > 0
}

// Sections returns the document's section names in sorted order,
// excluding the checksum seal section.
func (d *Document) Sections() []string {
	out := make([]string, 0, len(d.sections))
	for name := range d.sections {
		if name == checksumSection {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SectionKeys returns section's key names in sorted order.
func (d *Document) SectionKeys(section string) []string {
	sec := d.sections[section]
	out := make([]string, 0, len(sec))
	for key := range sec {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Marshal serializes the document to deterministic bytes: sections
// sorted, keys within a section sorted, sealed with a trailing
// "[backrest]\nchecksum=..." line whose value is the SHA-1 of
// everything before it.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	for _, sec := range d.Sections() {
		fmt.Fprintf(&buf, "[%s]\n", sec)
		for _, key := range d.SectionKeys(sec) {
			fmt.Fprintf(&buf, "%s=%s\n", key, d.sections[sec][key])
		}
	}
	sum := sha1.Sum(buf.Bytes()) //nolint:gosec
	seal, err := json.Marshal(hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, fmt.Errorf("infofile: encode checksum: %w", err)
	}
	fmt.Fprintf(&buf, "[%s]\n%s=%s\n", checksumSection, checksumKey, seal)
	return buf.Bytes(), nil
}

// Parse decodes data, verifying the trailing checksum seal against
// everything preceding it.
func Parse(data []byte) (*Document, error) {
	idx := findSectionStart(data, checksumSection)
	if idx < 0 {
		return nil, fmt.Errorf("infofile: missing [%s] seal section", checksumSection)
	}
	sum := sha1.Sum(data[:idx]) //nolint:gosec
	want := hex.EncodeToString(sum[:])

	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true, PreserveSurroundedQuote: true}, data)
	if err != nil {
		return nil, fmt.Errorf("infofile: parse: %w", err)
	}
	sealSec, err := f.GetSection(checksumSection)
	if err != nil {
		return nil, fmt.Errorf("infofile: missing [%s] seal section: %w", checksumSection, err)
	}
	var got string
	if err := json.Unmarshal([]byte(sealSec.Key(checksumKey).String()), &got); err != nil {
		return nil, fmt.Errorf("infofile: decode checksum: %w", err)
	}
	if got != want {
		return nil, fmt.Errorf("infofile: checksum mismatch: file declares %s, computed %s", got, want)
	}

	doc := NewDocument()
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection || name == checksumSection {
			continue
		}
		for _, key := range sec.Keys() {
			if doc.sections[name] == nil {
				doc.sections[name] = make(map[string]string)
			}
			doc.sections[name][key.Name()] = key.String()
		}
	}
	return doc, nil
}

// findSectionStart returns the byte offset of a "[name]" header at the
// start of a line, or -1 if none exists.
func findSectionStart(data []byte, name string) int {
	marker := []byte("[" + name + "]")
	if bytes.HasPrefix(data, marker) {
		return 0
	}
	idx := bytes.Index(data, append([]byte{'\n'}, marker...))
	if idx < 0 {
		return -1
	}
	return idx + 1
}

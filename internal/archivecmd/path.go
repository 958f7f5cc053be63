package archivecmd

import (
	"fmt"
	"strings"
)

// segmentDir returns the repository directory a segment belongs to:
// archive/<stanza>/<pg-version>-<dbId>/<first 16 hex chars of segment>,
// per spec.md §3's archive segment layout.
func segmentDir(stanza, pgVersion string, dbID int, segment string) (string, error) {
	if len(segment) < 16 {
		return "", fmt.Errorf("archivecmd: malformed segment name %q", segment)
	}
	return fmt.Sprintf("archive/%s/%s-%d/%s", stanza, pgVersion, dbID, segment[:16]), nil
}

// historyDir mirrors segmentDir but for the pg-version-dbId level
// itself, used to list a timeline's .history files.
func historyDir(stanza, pgVersion string, dbID int) string {
	return fmt.Sprintf("archive/%s/%s-%d", stanza, pgVersion, dbID)
}

// SegmentDir and HistoryDir expose this package's repository layout
// rules to internal/expirecmd, which needs to walk the same directories
// to prune WAL no surviving backup can reference.
func SegmentDir(stanza, pgVersion string, dbID int, segment string) (string, error) {
	return segmentDir(stanza, pgVersion, dbID, segment)
}

func HistoryDir(stanza, pgVersion string, dbID int) string {
	return historyDir(stanza, pgVersion, dbID)
}

// segmentFileName builds the stored object name for a segment: its
// content hash, plus compression and encryption suffixes, per spec.md
// §3: "<segment>-<hex sha1>.<ext>".
func segmentFileName(segment, hash, compressType string, encrypted bool) string {
	name := segment + "-" + hash + compressSuffix(compressType)
	if encrypted {
		name += ".aes"
	}
	return name
}

// parseSegmentFileName reverses segmentFileName, reporting the embedded
// hash and whether the name indicates compression/encryption.
func parseSegmentFileName(segment, fileName string) (hash string, compressed, encrypted bool, compressType string, ok bool) {
	rest := strings.TrimPrefix(fileName, segment+"-")
	if rest == fileName {
		return "", false, false, "", false
	}
	if strings.HasSuffix(rest, ".aes") {
		encrypted = true
		rest = strings.TrimSuffix(rest, ".aes")
	}
	switch {
	case strings.HasSuffix(rest, ".gz"):
		compressed, compressType = true, "gz"
		rest = strings.TrimSuffix(rest, ".gz")
	case strings.HasSuffix(rest, ".lz4"):
		compressed, compressType = true, "lz4"
		rest = strings.TrimSuffix(rest, ".lz4")
	}
	return rest, compressed, encrypted, compressType, rest != ""
}

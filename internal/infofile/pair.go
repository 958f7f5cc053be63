package infofile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// LoadPair implements spec.md §4.6's primary+copy load semantics: try
// primaryPath; on read or checksum/parse failure, fall back to
// copyPath; if both fail, return an error describing both attempts.
func LoadPair(ctx context.Context, store *storage.Storage, primaryPath, copyPath string) (*Document, error) {
	var primaryErr error
	if b, err := store.GetAll(ctx, primaryPath); err != nil {
		primaryErr = err
	} else if doc, err := Parse(b); err != nil {
		primaryErr = err
	} else {
		return doc, nil
	}
	slog.Warn("infofile: primary unreadable or invalid, trying copy", "path", primaryPath, "err", primaryErr)

	b, err := store.GetAll(ctx, copyPath)
	if err != nil {
		return nil, fmt.Errorf("infofile: both primary %q (%v) and copy %q (%w) unreadable", primaryPath, primaryErr, copyPath, err)
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("infofile: both primary %q (%v) and copy %q (%w) invalid", primaryPath, primaryErr, copyPath, err)
	}
	slog.Warn("infofile: loaded from copy after primary failure", "primary", primaryPath, "copy", copyPath)
	return doc, nil
}

// SavePair writes doc atomically to both primaryPath and copyPath,
// matching spec.md §4.6's "write atomically to both file and file.copy".
func SavePair(ctx context.Context, store *storage.Storage, primaryPath, copyPath string, doc *Document) error {
	b, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("infofile: marshal: %w", err)
	}
	opts := storage.WriteOptions{Atomic: true, CreatePath: true, Mode: 0640}
	if _, err := store.PutAll(ctx, primaryPath, bytes.NewReader(b), opts); err != nil {
		return fmt.Errorf("infofile: save primary %s: %w", primaryPath, err)
	}
	if _, err := store.PutAll(ctx, copyPath, bytes.NewReader(b), opts); err != nil {
		return fmt.Errorf("infofile: save copy %s: %w", copyPath, err)
	}
	return nil
}

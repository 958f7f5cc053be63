package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/storage"
)

// LoadFileReconstruct rebuilds a backup.info's [backup:current] section
// from the actual backup directories under backup/<stanza>/ (spec.md
// §4.6), for when the registry itself is lost or suspected stale. It
// walks repoPath's immediate subdirectories, keeps only those with a
// readable, checksum-valid backup.manifest, and reports (via
// internal/log's slog wiring) when the reconstructed label set differs
// from what loaded was already tracking.
func LoadFileReconstruct(ctx context.Context, store *storage.Storage, repoPath string, loaded *infofile.BackupInfo) (*infofile.BackupInfo, bool, error) {
	entries, err := store.List(ctx, repoPath, "", storage.LevelBasic)
	if err != nil {
		return nil, false, fmt.Errorf("manifest: list %s: %w", repoPath, err)
	}

	existingLabels := make(map[string]bool)
	if loaded != nil {
		backups, err := loaded.Backups()
		if err != nil {
			return nil, false, err
		}
		for _, b := range backups {
			existingLabels[b.Label] = true
		}
	}

	rebuilt := infofile.NewBackupInfo()
	if loaded != nil {
		if dbID, version, systemID, err := loaded.CurrentDB(); err == nil && version != "" {
			_ = rebuilt.SetCurrentDB(dbID, version, systemID)
		}
		if hist, err := loaded.History(); err == nil {
			for dbID, entry := range hist {
				_ = rebuilt.AddHistory(dbID, entry.Version, entry.SystemID)
			}
		}
	}

	foundLabels := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		label := e.Name
		manifestPath := repoPath + "/" + label + "/backup.manifest"
		manifestCopyPath := manifestPath + ".copy"
		m, err := Load(ctx, store, manifestPath, manifestCopyPath)
		if err != nil {
			slog.Warn("manifest: dropping backup with unreadable manifest", "label", label, "err", err)
			continue
		}
		declared, err := m.BackupLabel()
		if err != nil || declared != label {
			slog.Warn("manifest: dropping backup with mismatched label", "dir", label, "declared", declared)
			continue
		}
		foundLabels[label] = true

		entry, ok := existingEntry(loaded, label)
		if !ok {
			attrs, has, err := m.BackupAttrs()
			if err != nil || !has {
				slog.Warn("manifest: backup has no registry entry and no self-describing attributes, dropping", "label", label)
				continue
			}
			entry = infofile.BackupEntry{
				Label:        label,
				Type:         infofile.BackupType(attrs.Type),
				PriorLabel:   attrs.PriorLabel,
				Reference:    attrs.Reference,
				Timestamp:    infofile.TimestampRange{Start: attrs.Start, Stop: attrs.Stop},
				DBID:         attrs.DBID,
				PgDataSize:   attrs.PgDataSize,
				RepoSize:     attrs.RepoSize,
				ArchiveStart: attrs.ArchiveStart,
				ArchiveStop:  attrs.ArchiveStop,
			}
		}
		_ = rebuilt.AddBackup(entry)
	}

	changed := !sameLabelSet(existingLabels, foundLabels)
	if changed {
		var missing, extra []string
		for l := range existingLabels {
			if !foundLabels[l] {
				missing = append(missing, l)
			}
		}
		for l := range foundLabels {
			if !existingLabels[l] {
				extra = append(extra, l)
			}
		}
		sort.Strings(missing)
		sort.Strings(extra)
		slog.Warn("manifest: reconstructed backup:current differs from loaded registry",
			"dropped", missing, "added", extra)
	}

	return rebuilt, changed, nil
}

func existingEntry(loaded *infofile.BackupInfo, label string) (infofile.BackupEntry, bool) {
	if loaded == nil {
		return infofile.BackupEntry{}, false
	}
	backups, err := loaded.Backups()
	if err != nil {
		return infofile.BackupEntry{}, false
	}
	for _, b := range backups {
		if b.Label == label {
			return b, true
		}
	}
	return infofile.BackupEntry{}, false
}

func sameLabelSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

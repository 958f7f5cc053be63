// Package archivecmd implements archive-push and archive-get (spec.md
// §4.8): the commands PostgreSQL's archive_command/restore_command
// shell out to for every WAL segment, plus the async daemon that
// amortizes their per-segment connection setup into batched transfers.
package archivecmd

import (
	"fmt"

	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/filter"
)

// compressSuffix returns the repository filename suffix for a
// compression type, per spec.md §3's "`.gz`, `.lz4`" segment naming.
func compressSuffix(compressType string) string {
	switch compressType {
	case "gz":
		return ".gz"
	case "lz4":
		return ".lz4"
	default:
		return ""
	}
}

// buildWriteChain returns the filter group archive-push drives a
// segment's plaintext bytes through on the way into the repository:
// hash (for the filename's embedded digest and dedup check), then
// optional compression, then optional encryption.
func buildWriteChain(repo config.RepoConfig) (*filter.Group, *filter.HashFilter, error) {
	hash := filter.NewSHA1()
	filters := []filter.Filter{hash}

	switch repo.CompressType {
	case "gz":
		filters = append(filters, filter.NewGzipCompress(6))
	case "lz4":
		filters = append(filters, filter.NewLz4Compress())
	case "", "none":
	default:
		return nil, nil, fmt.Errorf("archivecmd: unknown compress-type %q", repo.CompressType)
	}

	if repo.CipherType == "aes-256-cbc" {
		enc, err := filter.NewAESEncrypt(repo.CipherPass, []byte(repo.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("archivecmd: build encrypt filter: %w", err)
		}
		filters = append(filters, enc)
	} else if repo.CipherType != "" && repo.CipherType != "none" {
		return nil, nil, fmt.Errorf("archivecmd: unknown repo-cipher-type %q", repo.CipherType)
	}

	return filter.NewGroup(filters...), hash, nil
}

// buildReadChain returns the filter group archive-get drives a
// segment's repository bytes through on the way back to plaintext:
// optional decryption, then optional decompression. Order is the
// reverse of buildWriteChain, matching how the segment's suffix chain
// (`-<hash>[.gz|.lz4][.aes]`) was built up on write.
func buildReadChain(repo config.RepoConfig, encrypted bool) (*filter.Group, error) {
	var filters []filter.Filter

	if encrypted {
		if repo.CipherPass == "" {
			return nil, fmt.Errorf("archivecmd: segment is encrypted but no repo-cipher-pass configured")
		}
		dec, err := filter.NewAESDecrypt(repo.CipherPass, []byte(repo.Path))
		if err != nil {
			return nil, fmt.Errorf("archivecmd: build decrypt filter: %w", err)
		}
		filters = append(filters, dec)
	}

	switch repo.CompressType {
	case "gz":
		filters = append(filters, filter.NewGzipDecompress())
	case "lz4":
		filters = append(filters, filter.NewLz4Decompress())
	}

	filters = append(filters, filter.NewSHA1())
	return filter.NewGroup(filters...), nil
}

// runChain drives plaintext fully through group and returns the final
// bytes plus its gathered Results.
func runChain(group *filter.Group, plaintext []byte) ([]byte, map[string]any, error) {
	out, err := group.Step(plaintext)
	if err != nil {
		return nil, nil, err
	}
	tail, err := group.Flush()
	if err != nil {
		return nil, nil, err
	}
	out = append(out, tail...)
	return out, group.Results(), nil
}

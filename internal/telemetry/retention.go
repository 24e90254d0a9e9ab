package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PurgeResult describes the outcome of a retention purge. ArchivePath and
// ArchiveSHA256 are empty when nothing qualified for removal.
type PurgeResult struct {
	Path          string `json:"path"`
	PurgedCount   int    `json:"purged_count"`
	KeptCount     int    `json:"kept_count"`
	ArchivePath   string `json:"archive_path,omitempty"`
	ArchiveSHA256 string `json:"archive_sha256,omitempty"`
}

// PurgeOlderThan removes records older than now-olderThan from the live log.
//
// Nothing is ever deleted without a receipt: purged records are first
// written, in original order, to a timestamped archive file whose SHA-256
// is returned. The live log is then rewritten from the kept records,
// stripped of their old hash fields and rechained from genesis, so the
// rewritten log independently re-verifies. Breaking cryptographic
// continuity with pre-purge history is deliberate; the archive plus receipt
// preserves an auditable copy of everything removed.
//
// Records whose timestamp fails to parse are kept, never purged — the
// safety bias runs toward retention.
func (l *Logger) PurgeOlderThan(olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		return PurgeResult{}, errors.New("purge window must be positive")
	}

	release, err := l.lock.acquire()
	if err != nil {
		return PurgeResult{}, err
	}
	defer release()

	result := PurgeResult{Path: l.eventsPath}

	events, err := l.readEventsLocked()
	if err != nil {
		return PurgeResult{}, err
	}
	if len(events) == 0 {
		if _, statErr := os.Stat(l.eventsPath); os.IsNotExist(statErr) {
			return result, nil
		}
	}

	cutoff := l.utcNow().Add(-olderThan)
	var kept, purged []map[string]any
	for _, event := range events {
		ts, ok := parseTS(event["ts"])
		if !ok {
			kept = append(kept, event)
			continue
		}
		if ts.Before(cutoff) {
			purged = append(purged, event)
		} else {
			kept = append(kept, event)
		}
	}

	result.KeptCount = len(kept)
	if len(purged) == 0 {
		return result, nil
	}
	result.PurgedCount = len(purged)

	archivePath, archiveSum, err := l.writeArchive(purged)
	if err != nil {
		return PurgeResult{}, err
	}
	result.ArchivePath = archivePath
	result.ArchiveSHA256 = archiveSum

	if err := l.rewriteChainLocked(kept); err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}

// writeArchive stores purged records as plain JSONL (hash fields included
// as-is, no rechaining) and returns the path plus a SHA-256 receipt over
// the archive's full serialized bytes.
func (l *Logger) writeArchive(purged []map[string]any) (string, string, error) {
	if err := os.MkdirAll(l.archiveDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating archive directory: %w", err)
	}

	stamp := l.utcNow().Format("20060102T150405Z")
	archivePath := filepath.Join(l.archiveDir, fmt.Sprintf("events-purged-%s.jsonl", stamp))

	var b strings.Builder
	for _, event := range purged {
		line, err := canonicalJSON(event)
		if err != nil {
			return "", "", err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	content := b.String()

	if err := os.WriteFile(archivePath, []byte(content), 0o644); err != nil {
		return "", "", fmt.Errorf("writing archive %s: %w", archivePath, err)
	}

	sum := sha256.Sum256([]byte(content))
	return archivePath, hex.EncodeToString(sum[:]), nil
}

// rewriteChainLocked replaces the live log with the kept records, rechained
// from genesis. The new content is written to a temp file in the same
// directory, flushed, and atomically renamed over the live log: a crash
// mid-purge leaves either the old intact log or the new intact log, never a
// torn file. Must be called with the file lock held.
func (l *Logger) rewriteChainLocked(kept []map[string]any) error {
	dir := filepath.Dir(l.eventsPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.eventsPath)+".rewrite-*")
	if err != nil {
		return fmt.Errorf("creating rewrite temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	prevHash := GenesisPrevHash
	rechained := make([]map[string]any, 0, len(kept))
	for _, event := range kept {
		row := make(map[string]any, len(event))
		for k, v := range event {
			if k == "prev_hash" || k == "event_hash" {
				continue
			}
			row[k] = v
		}
		row["prev_hash"] = prevHash
		hash, err := eventHash(prevHash, row)
		if err != nil {
			return err
		}
		row["event_hash"] = hash
		prevHash = hash
		rechained = append(rechained, row)

		line, err := canonicalJSON(row)
		if err != nil {
			return err
		}
		if _, err := tmp.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing rewrite temp file: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		slog.Warn("rewrite flush failed", "path", tmpPath, "error", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing rewrite temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.eventsPath); err != nil {
		return fmt.Errorf("replacing events file: %w", err)
	}

	if l.index != nil {
		l.index.rebuild(rechained)
	}
	return nil
}

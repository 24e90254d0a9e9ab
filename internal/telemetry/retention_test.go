package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPurgeOlderThan_RejectsNonPositiveWindow(t *testing.T) {
	l := newTestLogger(t)
	if _, err := l.PurgeOlderThan(0); err == nil {
		t.Error("zero window should be rejected")
	}
	if _, err := l.PurgeOlderThan(-time.Hour); err == nil {
		t.Error("negative window should be rejected")
	}
}

func TestPurgeOlderThan_NoOpWhenNothingQualifies(t *testing.T) {
	l := newTestLogger(t)
	if err := l.LogEventErr("runner.started", "system", "", "cli", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := l.PurgeOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if res.PurgedCount != 0 || res.KeptCount != 1 {
		t.Errorf("expected purged=0 kept=1, got %+v", res)
	}
	if res.ArchivePath != "" || res.ArchiveSHA256 != "" {
		t.Errorf("no-op purge should produce no archive, got %+v", res)
	}
}

func TestPurgeOlderThan_ArchivesAndRechains(t *testing.T) {
	l := newTestLogger(t)

	base := time.Date(2026, time.August, 23, 12, 0, 0, 0, time.UTC)

	// Three old events, two recent ones.
	l.now = func() time.Time { return base.Add(-72 * time.Hour) }
	for i := 0; i < 3; i++ {
		if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
			map[string]any{"quest_id": "q-old"}, ""); err != nil {
			t.Fatalf("append old: %v", err)
		}
	}
	l.now = func() time.Time { return base.Add(-time.Hour) }
	for i := 0; i < 2; i++ {
		if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
			map[string]any{"quest_id": "q-new"}, ""); err != nil {
			t.Fatalf("append new: %v", err)
		}
	}

	l.now = func() time.Time { return base }
	res, err := l.PurgeOlderThan(48 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if res.PurgedCount != 3 || res.KeptCount != 2 {
		t.Fatalf("expected purged=3 kept=2, got %+v", res)
	}
	if res.ArchivePath == "" || res.ArchiveSHA256 == "" {
		t.Fatal("purge should produce an archive receipt")
	}

	// The receipt must match the archive bytes.
	archiveBytes, err := os.ReadFile(res.ArchivePath)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	sum := sha256.Sum256(archiveBytes)
	if hex.EncodeToString(sum[:]) != res.ArchiveSHA256 {
		t.Error("archive sha256 receipt does not match archive bytes")
	}
	if got := strings.Count(string(archiveBytes), "\n"); got != 3 {
		t.Errorf("archive should hold 3 records, got %d lines", got)
	}
	if !strings.Contains(string(archiveBytes), "q-old") {
		t.Error("archive should contain the purged records")
	}

	// The rewritten live log must independently re-verify from genesis.
	verified, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !verified.OK {
		t.Fatalf("rewritten log should verify, broke at %d (%s)", verified.BrokenIndex, verified.Reason)
	}
	if verified.CheckedEvents != 2 {
		t.Errorf("expected 2 kept events, got %d", verified.CheckedEvents)
	}

	events, err := l.IterEvents()
	if err != nil {
		t.Fatalf("IterEvents: %v", err)
	}
	for _, event := range events {
		if event["data"].(map[string]any)["quest_id"] != "q-new" {
			t.Errorf("old record survived the purge: %v", event["data"])
		}
	}
	if events[0]["prev_hash"] != GenesisPrevHash {
		t.Error("rewritten log should rechain from genesis")
	}
}

func TestPurgeOlderThan_KeepsUnparseableTimestamps(t *testing.T) {
	l := newTestLogger(t)

	base := time.Date(2026, time.August, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base.Add(-72 * time.Hour) }
	if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
		map[string]any{"quest_id": "q-old"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Corrupt the timestamp but keep the record parseable by rechaining.
	events, err := l.IterEvents()
	if err != nil {
		t.Fatal(err)
	}
	events[0]["ts"] = "not-a-timestamp"
	if err := l.rewriteChainLocked(events); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	l.now = func() time.Time { return base }
	res, err := l.PurgeOlderThan(time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if res.PurgedCount != 0 || res.KeptCount != 1 {
		t.Errorf("unparseable timestamps must be kept, got %+v", res)
	}
}

func TestPurgeOlderThan_AppendContinuesAfterRewrite(t *testing.T) {
	l := newTestLogger(t)

	base := time.Date(2026, time.August, 23, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base.Add(-72 * time.Hour) }
	if err := l.LogEventErr("runner.started", "system", "", "cli", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.now = func() time.Time { return base }
	if err := l.LogEventErr("runner.started", "system", "", "cli", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := l.PurgeOlderThan(24 * time.Hour); err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}

	// The rewritten tail must anchor further appends.
	if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
		map[string]any{"quest_id": "q-post-purge"}, ""); err != nil {
		t.Fatalf("append after purge: %v", err)
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK || res.CheckedEvents != 2 {
		t.Errorf("expected verified chain of 2 after purge+append, got %+v", res)
	}
}

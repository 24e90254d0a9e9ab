package telemetry

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "events.jsonl"), Options{
		Build: BuildInfo{
			Version:        "test",
			RuntimeVersion: "go-test",
			Platform:       "test/test",
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndVerify(t *testing.T) {
	l := newTestLogger(t)

	for i := 0; i < 5; i++ {
		if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
			map[string]any{"quest_id": "q-1"}, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK {
		t.Fatalf("chain should verify, broke at %d (%s)", res.BrokenIndex, res.Reason)
	}
	if res.CheckedEvents != 5 {
		t.Errorf("expected 5 checked events, got %d", res.CheckedEvents)
	}

	count, err := l.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 events, got %d", count)
	}
}

func TestVerify_AbsentAndEmptyLog(t *testing.T) {
	l := newTestLogger(t)

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify absent: %v", err)
	}
	if !res.OK || res.CheckedEvents != 0 {
		t.Errorf("absent log: expected ok with 0 events, got %+v", res)
	}

	if err := os.WriteFile(l.Path(), []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = l.Verify()
	if err != nil {
		t.Fatalf("Verify empty: %v", err)
	}
	if !res.OK || res.CheckedEvents != 0 {
		t.Errorf("empty log: expected ok with 0 events, got %+v", res)
	}
}

func TestVerify_DetectsTamperedField(t *testing.T) {
	l := newTestLogger(t)

	payloads := []string{"q-alpha", "q-tamper", "q-omega"}
	for _, q := range payloads {
		if err := l.LogEventErr("quest.completed", "human", "ada", "cli",
			map[string]any{"quest_id": q}, ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte("q-tamper"), []byte("q-tampex"), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("test setup: payload marker not found")
	}
	if err := os.WriteFile(l.Path(), tampered, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.OK {
		t.Fatal("tampered log should not verify")
	}
	if res.Reason != ReasonEventHashMismatch {
		t.Errorf("expected %s, got %s", ReasonEventHashMismatch, res.Reason)
	}
	if res.BrokenIndex != 1 {
		t.Errorf("expected break at index 1, got %d", res.BrokenIndex)
	}
	if res.CheckedEvents != 1 {
		t.Errorf("expected 1 event checked before break, got %d", res.CheckedEvents)
	}
}

func TestAppend_RefusesUnhashedTail(t *testing.T) {
	l := newTestLogger(t)

	legacy := `{"schema_version":"0.1","event_id":"legacy-1","event_type":"runner.started","ts":"2026-08-01T00:00:00Z"}` + "\n"
	if err := os.WriteFile(l.Path(), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}

	err = l.LogEventErr("quest.completed", "human", "ada", "cli", nil, "")
	var tailErr *TailError
	if !errors.As(err, &tailErr) {
		t.Fatalf("expected *TailError, got %v", err)
	}
	if tailErr.Reason != ReasonMissingHashFields {
		t.Errorf("expected %s, got %s", ReasonMissingHashFields, tailErr.Reason)
	}

	after, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("failed append must leave the file bytes unchanged")
	}
}

func TestAppend_RefusesCorruptTail(t *testing.T) {
	tests := []struct {
		name       string
		tail       string
		wantReason string
	}{
		{"invalid json", "{not json\n", ReasonInvalidJSONLine},
		{"not an object", `["a","b"]` + "\n", ReasonInvalidEventShape},
		{"non-utf8 tail", "\xff\xfe\xfd\n", ReasonInvalidUTF8Tail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLogger(t)
			if err := os.WriteFile(l.Path(), []byte(tt.tail), 0o644); err != nil {
				t.Fatal(err)
			}

			err := l.LogEventErr("runner.started", "system", "", "cli", nil, "")
			var tailErr *TailError
			if !errors.As(err, &tailErr) {
				t.Fatalf("expected *TailError, got %v", err)
			}
			if tailErr.Reason != tt.wantReason {
				t.Errorf("expected %s, got %s", tt.wantReason, tailErr.Reason)
			}
		})
	}
}

func TestAppend_TamperedTailHash(t *testing.T) {
	l := newTestLogger(t)
	if err := l.LogEventErr("runner.started", "system", "", "cli", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(`"source":"cli"`), []byte(`"source":"api"`), 1)
	if err := os.WriteFile(l.Path(), tampered, 0o644); err != nil {
		t.Fatal(err)
	}

	err = l.LogEventErr("runner.started", "system", "", "cli", nil, "")
	var tailErr *TailError
	if !errors.As(err, &tailErr) {
		t.Fatalf("expected *TailError, got %v", err)
	}
	if tailErr.Reason != ReasonEventHashMismatch {
		t.Errorf("expected %s, got %s", ReasonEventHashMismatch, tailErr.Reason)
	}
}

func TestConcurrentWriters(t *testing.T) {
	l := newTestLogger(t)

	// A second Logger on the same file stands in for a second process; it
	// contends on the OS lock, not the in-process mutex.
	l2, err := New(l.Path(), Options{Build: l.build})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l2.Close()

	const writers = 4
	const perWriter = 20

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		logger := l
		if w%2 == 1 {
			logger = l2
		}
		wg.Add(1)
		go func(logger *Logger, id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- logger.LogEventErr("quest.completed", "agent", "writer", "api",
					map[string]any{"quest_id": "q-concurrent", "n": i, "writer": id}, "")
			}
		}(logger, w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK {
		t.Fatalf("chain should verify after concurrent writes, broke at %d (%s)", res.BrokenIndex, res.Reason)
	}
	if res.CheckedEvents != writers*perWriter {
		t.Errorf("expected %d events, got %d", writers*perWriter, res.CheckedEvents)
	}
}

func TestLogEvent_InvalidTypeSubstituted(t *testing.T) {
	l := newTestLogger(t)

	if err := l.LogEventErr("totally.made.up", "human", "ada", "cli",
		map[string]any{"anything": "goes"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := l.IterEvents()
	if err != nil {
		t.Fatalf("IterEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event["event_type"] != "risk.flagged" {
		t.Errorf("expected risk.flagged substitution, got %v", event["event_type"])
	}
	data := event["data"].(map[string]any)
	if data["reason"] != "invalid_event_type" {
		t.Errorf("expected invalid_event_type reason, got %v", data["reason"])
	}
	if data["invalid_event_type_hash"] != sha256Hex("totally.made.up") {
		t.Errorf("rejected type should be stored only as its hash, got %v", data["invalid_event_type_hash"])
	}
	if _, leaked := data["anything"]; leaked {
		t.Error("original payload must not survive type substitution")
	}
}

func TestLogEvent_SanitizeFlagFollowUp(t *testing.T) {
	l := newTestLogger(t)

	if err := l.LogEventErr("feedback.submitted", "human", "ada", "cli",
		map[string]any{"comment": "my key is sk-abcdefghijklmnop1234"}, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := l.IterEvents()
	if err != nil {
		t.Fatalf("IterEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected the event plus one sanitize flag, got %d", len(events))
	}

	first := events[0]
	if first["data"].(map[string]any)["comment"] != redactedMarker {
		t.Errorf("secret should be redacted in the stored event: %v", first["data"])
	}

	flag := events[1]
	if flag["event_type"] != "risk.flagged" {
		t.Fatalf("expected risk.flagged follow-up, got %v", flag["event_type"])
	}
	data := flag["data"].(map[string]any)
	if data["reason"] != "telemetry_sanitized" {
		t.Errorf("expected telemetry_sanitized, got %v", data["reason"])
	}
	if data["trigger_event_type"] != "feedback.submitted" {
		t.Errorf("expected trigger type, got %v", data["trigger_event_type"])
	}
	if data["fields_redacted_count"] != float64(1) {
		t.Errorf("expected 1 redacted field, got %v", data["fields_redacted_count"])
	}
	for _, v := range data {
		if s, ok := v.(string); ok && s == "sk-abcdefghijklmnop1234" {
			t.Error("flag event must never carry the offending value")
		}
	}

	res, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK || res.CheckedEvents != 2 {
		t.Errorf("expected verified chain of 2, got %+v", res)
	}
}

func TestPurge_RemovesLog(t *testing.T) {
	l := newTestLogger(t)

	removed, err := l.Purge()
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed {
		t.Error("purging an absent log should report false")
	}

	if err := l.LogEventErr("runner.started", "system", "", "cli", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	removed, err = l.Purge()
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !removed {
		t.Error("purging an existing log should report true")
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Error("log file should be gone after purge")
	}
}

func TestTailReadSkipsTrailingNewlines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	if err := os.WriteFile(path, []byte("first\nsecond\n\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	line, err := readLastNonEmptyLine(path)
	if err != nil {
		t.Fatalf("readLastNonEmptyLine: %v", err)
	}
	if line != "second" {
		t.Errorf("expected %q, got %q", "second", line)
	}
}

package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxLineBytes bounds scanner buffers for logs with large sanitized payloads.
const maxLineBytes = 1024 * 1024

// Logger is the single entry point to the hash-chained event log. It owns
// the append path (the only writer), the read-side snapshots, verification,
// retention, and summary export. All of them serialize on one cross-process
// lock scoped to the events file.
type Logger struct {
	eventsPath string
	archiveDir string
	lock       *fileLock
	build      BuildInfo
	index      *sqliteIndex

	// now is a hook for tests; production always uses time.Now.
	now func() time.Time
}

// Options configures a Logger. Zero values get sensible defaults.
type Options struct {
	// ArchiveDir receives retention archives. Defaults to an "archive"
	// directory next to the events file.
	ArchiveDir string

	// LockTimeout bounds how long any operation waits for the cross-process
	// lock. Zero means wait forever.
	LockTimeout time.Duration

	// Build is stamped on every event. Usually DetectBuildInfo(version, sha).
	Build BuildInfo

	// IndexPath enables the best-effort sqlite read index when non-empty.
	// The JSONL log stays the source of truth; the index is a rebuildable
	// projection and its failures never affect appends.
	IndexPath string
}

// New creates a Logger for the given events file, creating parent
// directories as needed.
func New(eventsPath string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(eventsPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}

	archiveDir := opts.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(eventsPath), "archive")
	}

	l := &Logger{
		eventsPath: eventsPath,
		archiveDir: archiveDir,
		lock:       newFileLock(eventsPath, opts.LockTimeout),
		build:      opts.Build,
		now:        time.Now,
	}

	if opts.IndexPath != "" {
		idx, err := openIndex(opts.IndexPath)
		if err != nil {
			// Index is an optimization, not a dependency.
			slog.Warn("event index unavailable", "path", opts.IndexPath, "error", err)
		} else {
			l.index = idx
		}
	}

	return l, nil
}

// Close releases the sqlite index, if any. The log file itself is opened
// per-operation and needs no teardown.
func (l *Logger) Close() error {
	if l.index != nil {
		return l.index.close()
	}
	return nil
}

// Path returns the events file path.
func (l *Logger) Path() string { return l.eventsPath }

func (l *Logger) utcNow() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

func formatTS(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// parseTS parses a stored event timestamp. Returns zero time and false for
// anything unparseable; callers bias toward keeping such records.
func parseTS(value any) (time.Time, bool) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	// Tolerate offset-less timestamps from older writers; treat as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// buildEvent assembles the canonical envelope around already-sanitized data.
//
// A requested event type outside the closed vocabulary is substituted with
// risk.flagged carrying only a hash of the rejected name — persisting
// arbitrary type strings would let callers grow unbounded aggregation keys.
func (l *Logger) buildEvent(eventType, actor, actorID, source string, data map[string]any, traceID string) map[string]any {
	if !validEventTypes[eventType] {
		data = map[string]any{
			"reason":                  "invalid_event_type",
			"invalid_event_type_hash": sha256Hex(eventType),
		}
		eventType = "risk.flagged"
	}

	var trace any
	if traceID != "" {
		trace = SanitizeActorID(traceID)
	}

	return map[string]any{
		"schema_version": SchemaVersion,
		"event_id":       uuid.NewString(),
		"ts":             formatTS(l.utcNow()),
		"event_type":     eventType,
		"actor":          NormalizeActor(actor, actorID),
		"source":         normalizeSource(source),
		"trace_id":       trace,
		"build":          l.build.toMap(),
		"data":           data,
	}
}

// LogEvent sanitizes and appends one event. It never fails the caller:
// telemetry must not abort the primary operation that triggered it, so any
// internal error (tail corruption, lock timeout, disk pressure) is reported
// via slog and the event is dropped. Callers that need the error, such as
// the CLI's explicit log command, use LogEventErr.
func (l *Logger) LogEvent(eventType, actor, actorID, source string, data map[string]any, traceID string) {
	if err := l.LogEventErr(eventType, actor, actorID, source, data, traceID); err != nil {
		slog.Error("telemetry append failed", "event_type", eventType, "error", err)
	}
}

// LogEventErr is the fallible core behind LogEvent.
func (l *Logger) LogEventErr(eventType, actor, actorID, source string, data map[string]any, traceID string) error {
	return l.logEvent(eventType, actor, actorID, source, data, traceID, true)
}

func (l *Logger) logEvent(eventType, actor, actorID, source string, data map[string]any, traceID string, emitSanitizeFlag bool) error {
	sanitized, stats := SanitizeValue(map[string]any(data))
	payload, ok := sanitized.(map[string]any)
	if !ok {
		payload = map[string]any{"value": sanitized}
	}

	event := l.buildEvent(eventType, actor, actorID, source, payload, traceID)
	if err := l.append(event); err != nil {
		return err
	}

	// One non-recursive follow-up records that sanitization fired: counts
	// and the triggering type only, never the offending value.
	if emitSanitizeFlag && stats.Dirty() {
		return l.logEvent("risk.flagged", "system", actorID, source, map[string]any{
			"reason":                 "telemetry_sanitized",
			"trigger_event_type":     eventType,
			"fields_redacted_count":  stats.RedactedFields,
			"fields_truncated_count": stats.TruncatedFields,
		}, traceID, false)
	}
	return nil
}

// append holds the lock for the full critical section: read tail, compute
// the next link, append, flush. The flush is best effort — some filesystems
// reject fsync and a failed flush must not invalidate an already-consistent
// append.
func (l *Logger) append(event map[string]any) error {
	release, err := l.lock.acquire()
	if err != nil {
		return err
	}
	defer release()

	prevHash, err := tailEventHash(l.eventsPath)
	if err != nil {
		return err
	}
	event["prev_hash"] = prevHash
	hash, err := eventHash(prevHash, event)
	if err != nil {
		return err
	}
	event["event_hash"] = hash

	line, err := canonicalJSON(event)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := f.Sync(); err != nil {
		slog.Warn("event flush failed", "path", l.eventsPath, "error", err)
	}

	if l.index != nil {
		l.index.insert(event)
	}
	return nil
}

// readEventsLocked reads every parseable record in file order. Blank lines
// and unparseable lines are skipped silently — iteration is forgiving,
// verification is not.
func (l *Logger) readEventsLocked() ([]map[string]any, error) {
	f, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		events = append(events, payload)
	}
	return events, scanner.Err()
}

// IterEvents returns a snapshot of every parseable record, oldest first.
func (l *Logger) IterEvents() ([]map[string]any, error) {
	release, err := l.lock.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return l.readEventsLocked()
}

// CountEvents returns the number of non-empty lines in the log.
func (l *Logger) CountEvents() (int, error) {
	release, err := l.lock.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	f, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening events file: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

// Purge removes the entire live log. Reports whether a file was removed.
// Unlike PurgeOlderThan this archives nothing — it is the explicit
// "delete my telemetry" path, invoked deliberately by the owner.
func (l *Logger) Purge() (bool, error) {
	release, err := l.lock.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	if err := os.Remove(l.eventsPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("removing events file: %w", err)
	}
	return true, nil
}

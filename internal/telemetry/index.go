package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gobwas/glob"
)

// sqliteIndex provides fast filtered queries over the event log. The JSONL
// file is the source of truth; the index is a queryable projection that is
// rebuilt after a retention rewrite and can always be dropped and
// regenerated from the log.
type sqliteIndex struct {
	db *sql.DB
}

// QueryParams filters event queries. Empty/zero values mean "no filter".
type QueryParams struct {
	ActorID   string // Exact match on the normalized actor id.
	EventType string // Glob pattern, e.g. "quest.*" or "risk.flagged".
	Since     string // RFC 3339 lower bound on ts.
	Limit     int    // Maximum records to return (most recent first).
}

// openIndex opens or creates the sqlite index. WAL mode lets the CLI read
// while another process appends.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening event index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id   TEXT PRIMARY KEY,
			ts         TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			actor_kind TEXT NOT NULL DEFAULT '',
			actor_id   TEXT NOT NULL DEFAULT '',
			source     TEXT NOT NULL DEFAULT '',
			trace_id   TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL DEFAULT '',
			event_hash TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating event index schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert projects one record into the index. Best effort — failures are
// logged and never affect the append that produced the record.
func (idx *sqliteIndex) insert(event map[string]any) {
	kind, id := eventActor(event)
	dataJSON, _ := json.Marshal(event["data"])
	traceID, _ := event["trace_id"].(string)

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO events (event_id, ts, event_type, actor_kind, actor_id, source, trace_id, data, event_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toText(event["event_id"]), toText(event["ts"]), toText(event["event_type"]),
		kind, id, eventSource(event), traceID, string(dataJSON), toText(event["event_hash"]),
	)
	if err != nil {
		slog.Error("event index insert failed", "event_id", event["event_id"], "error", err)
	}
}

// rebuild resets the index to exactly the given records. Called after a
// retention rewrite, where event ids survive but hashes change.
func (idx *sqliteIndex) rebuild(events []map[string]any) {
	if _, err := idx.db.Exec(`DELETE FROM events`); err != nil {
		slog.Error("event index reset failed", "error", err)
		return
	}
	for _, event := range events {
		idx.insert(event)
	}
}

// query returns matching records, most recent first. The event-type glob is
// matched in Go — sqlite LIKE cannot express the same pattern class.
func (idx *sqliteIndex) query(params QueryParams) ([]map[string]any, error) {
	var typeGlob glob.Glob
	if params.EventType != "" {
		g, err := glob.Compile(params.EventType)
		if err != nil {
			return nil, fmt.Errorf("invalid event type pattern %q: %w", params.EventType, err)
		}
		typeGlob = g
	}

	q := `SELECT event_id, ts, event_type, actor_kind, actor_id, source, trace_id, data, event_hash FROM events WHERE 1=1`
	var args []any
	if params.ActorID != "" {
		q += " AND actor_id = ?"
		args = append(args, params.ActorID)
	}
	if params.Since != "" {
		q += " AND ts >= ?"
		args = append(args, params.Since)
	}
	q += " ORDER BY ts DESC, event_id DESC"

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event index: %w", err)
	}
	defer rows.Close()

	var events []map[string]any
	for rows.Next() {
		var eventID, ts, eventType, actorKind, actorID, source, traceID, dataJSON, hash string
		if err := rows.Scan(&eventID, &ts, &eventType, &actorKind, &actorID, &source, &traceID, &dataJSON, &hash); err != nil {
			return nil, fmt.Errorf("scanning event index row: %w", err)
		}
		if typeGlob != nil && !typeGlob.Match(eventType) {
			continue
		}

		event := map[string]any{
			"event_id":   eventID,
			"ts":         ts,
			"event_type": eventType,
			"actor":      map[string]any{"kind": actorKind, "id": actorID},
			"source":     source,
			"event_hash": hash,
		}
		if traceID != "" {
			event["trace_id"] = traceID
		}
		if dataJSON != "" && dataJSON != "null" {
			var parsed any
			if err := json.Unmarshal([]byte(dataJSON), &parsed); err == nil {
				event["data"] = parsed
			}
		}
		events = append(events, event)
		if params.Limit > 0 && len(events) >= params.Limit {
			break
		}
	}
	return events, rows.Err()
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// Query retrieves records matching the given filters, most recent first.
// Uses the sqlite index when available, otherwise filters the JSONL log in
// memory.
func (l *Logger) Query(params QueryParams) ([]map[string]any, error) {
	if l.index != nil {
		return l.index.query(params)
	}
	return l.queryFallback(params)
}

// queryFallback applies the filters over a full log read. Slower, but keeps
// the query surface available when the index is disabled or broken.
func (l *Logger) queryFallback(params QueryParams) ([]map[string]any, error) {
	var typeGlob glob.Glob
	if params.EventType != "" {
		g, err := glob.Compile(params.EventType)
		if err != nil {
			return nil, fmt.Errorf("invalid event type pattern %q: %w", params.EventType, err)
		}
		typeGlob = g
	}

	events, err := l.IterEvents()
	if err != nil {
		return nil, err
	}

	var filtered []map[string]any
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if params.ActorID != "" {
			if _, id := eventActor(event); id != params.ActorID {
				continue
			}
		}
		if typeGlob != nil && !typeGlob.Match(toText(event["event_type"])) {
			continue
		}
		if params.Since != "" && toText(event["ts"]) < params.Since {
			continue
		}
		filtered = append(filtered, event)
		if params.Limit > 0 && len(filtered) >= params.Limit {
			break
		}
	}
	return filtered, nil
}

// Package telemetry implements the tamper-evident, hash-chained event log.
//
// Every operationally significant event (plans generated, quests completed,
// proofs submitted, capabilities granted, risk signals) is recorded as one
// JSON object per line in an append-only file. Each record's event_hash is
// computed as SHA-256(prev_hash + ":" + canonical JSON of the record without
// its hash fields), forming a chain where any retroactive edit is detectable
// by re-verifying from the genesis value.
//
// The log is local-only: any number of cooperating processes on one machine
// may append concurrently, serialized by a cross-process advisory lock. There
// is no server, no network, and no prevention of tampering by a writer with
// file access — only detection.
package telemetry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaVersion is stamped on every event record and exported summary.
// Summary loading rejects documents with any other version.
const SchemaVersion = "0.1"

// GenesisPrevHash stands in for "no predecessor" on the first record of a
// chain. A log rewritten by retention rechains from this value.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalJSON serializes a value deterministically: object keys sorted,
// "," and ":" separators, no trailing newline, no HTML escaping. Records are
// held as map[string]any, so encoding/json's sorted map-key order gives the
// same bytes for the same logical record regardless of insertion order.
func canonicalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// sha256Hex returns the hex SHA-256 digest of a string. Also used to hash
// rejected event-type names so arbitrary caller input never becomes an
// aggregation key.
func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// eventHash computes the chain link for a record. The record's own hash
// fields are excluded from the canonical form, so the same function serves
// both writing (fields not yet set) and verification (fields present).
func eventHash(prevHash string, record map[string]any) (string, error) {
	base := make(map[string]any, len(record))
	for k, v := range record {
		if k == "prev_hash" || k == "event_hash" {
			continue
		}
		base[k] = v
	}
	canonical, err := canonicalJSON(base)
	if err != nil {
		return "", err
	}
	return sha256Hex(prevHash + ":" + canonical), nil
}

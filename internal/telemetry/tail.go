package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// Tail-corruption reason codes. These are the only errors fatal to an
// append: a broken or legacy (unhashed) tail must never be silently
// extended, and the caller decides whether to rotate the file.
const (
	ReasonInvalidUTF8Tail   = "invalid_utf8_tail"
	ReasonInvalidJSONLine   = "invalid_json_line"
	ReasonInvalidEventShape = "invalid_event_shape"
	ReasonMissingHashFields = "missing_hash_fields"
	ReasonPrevHashMismatch  = "prev_hash_mismatch"
	ReasonEventHashMismatch = "event_hash_mismatch"
)

// TailError reports that the current log tail cannot safely anchor a new
// hashed event. Reason is one of the Reason* constants.
type TailError struct {
	Reason  string
	Message string
}

func (e *TailError) Error() string {
	return fmt.Sprintf("telemetry tail %s: %s", e.Reason, e.Message)
}

// readLastNonEmptyLine returns the last non-empty line of the log without
// scanning the whole file: it seeks to the end, skips trailing line
// terminators, then walks backward only far enough to find the start of the
// last line. Cost is O(size of last line), not O(file size).
//
// Returns "" for an absent or empty file.
func readLastNonEmptyLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("seeking %s: %w", path, err)
	}
	if size == 0 {
		return "", nil
	}

	buf := make([]byte, 1)
	scan := size - 1

	// Skip trailing newlines and carriage returns.
	for scan >= 0 {
		if _, err := f.ReadAt(buf, scan); err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		if buf[0] != '\n' && buf[0] != '\r' {
			break
		}
		scan--
	}
	if scan < 0 {
		return "", nil
	}

	lineEnd := scan
	lineStart := int64(0)
	for scan > 0 {
		scan--
		if _, err := f.ReadAt(buf, scan); err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		if buf[0] == '\n' {
			lineStart = scan + 1
			break
		}
	}

	raw := make([]byte, lineEnd-lineStart+1)
	if _, err := f.ReadAt(raw, lineStart); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if !utf8.Valid(raw) {
		return "", &TailError{
			Reason:  ReasonInvalidUTF8Tail,
			Message: "tail is not UTF-8 decodable; rotate the log before writing",
		}
	}
	return strings.TrimSpace(string(raw)), nil
}

// tailEventHash returns the event_hash anchoring the next append: the
// validated hash of the last record, or the genesis value when the file is
// absent or empty. Must be called with the file lock held.
//
// The located line is parsed and validated strictly — it must be a JSON
// object carrying both hash fields whose own event_hash recomputes from its
// claimed prev_hash. Any failure is a *TailError and the append must not
// proceed.
func tailEventHash(path string) (string, error) {
	lastLine, err := readLastNonEmptyLine(path)
	if err != nil {
		return "", err
	}
	if lastLine == "" {
		return GenesisPrevHash, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(lastLine), &payload); err != nil {
		// Distinguish "not an object" from "not JSON at all" so the caller's
		// rotation message can be precise.
		var probe any
		if json.Unmarshal([]byte(lastLine), &probe) == nil {
			return "", &TailError{
				Reason:  ReasonInvalidEventShape,
				Message: "tail is not a JSON object; rotate the log before writing",
			}
		}
		return "", &TailError{
			Reason:  ReasonInvalidJSONLine,
			Message: "tail has invalid JSON; rotate the log before writing",
		}
	}

	prevRaw, hasPrev := payload["prev_hash"]
	hashRaw, hasHash := payload["event_hash"]
	if !hasPrev || !hasHash {
		return "", &TailError{
			Reason:  ReasonMissingHashFields,
			Message: "tail is missing hash fields; rotate the log before writing",
		}
	}

	prevHash := toText(prevRaw)
	storedHash := toText(hashRaw)
	expected, err := eventHash(prevHash, payload)
	if err != nil {
		return "", err
	}
	if storedHash != expected {
		return "", &TailError{
			Reason:  ReasonEventHashMismatch,
			Message: "tail hash mismatch; rotate the log before writing",
		}
	}
	return storedHash, nil
}

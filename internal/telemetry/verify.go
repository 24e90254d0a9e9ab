package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// VerifyResult is the structured outcome of a chain verification. It is a
// result, never an error: a broken chain is a finding, not a failure of the
// verify operation itself.
type VerifyResult struct {
	OK            bool   `json:"ok"`
	CheckedEvents int    `json:"checked_events"`
	BrokenIndex   int    `json:"broken_index"` // line index of the first break, -1 when intact
	Reason        string `json:"reason,omitempty"`
}

// Verify walks the log from genesis and checks every record: it must be a
// JSON object carrying both hash fields, its prev_hash must equal the
// previous record's event_hash (genesis for the first), and its own
// event_hash must recompute. The first break stops the walk.
//
// An absent or empty log verifies as intact with zero events checked.
func (l *Logger) Verify() (VerifyResult, error) {
	release, err := l.lock.acquire()
	if err != nil {
		return VerifyResult{}, err
	}
	defer release()

	f, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{OK: true, CheckedEvents: 0, BrokenIndex: -1}, nil
		}
		return VerifyResult{}, err
	}
	defer f.Close()

	broken := func(checked, index int, reason string) VerifyResult {
		return VerifyResult{OK: false, CheckedEvents: checked, BrokenIndex: index, Reason: reason}
	}

	prevHash := GenesisPrevHash
	checked := 0
	lineIdx := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		lineIdx++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			var probe any
			if json.Unmarshal([]byte(line), &probe) == nil {
				return broken(checked, lineIdx, ReasonInvalidEventShape), nil
			}
			return broken(checked, lineIdx, ReasonInvalidJSONLine), nil
		}

		prevRaw, hasPrev := payload["prev_hash"]
		hashRaw, hasHash := payload["event_hash"]
		if !hasPrev || !hasHash {
			return broken(checked, lineIdx, ReasonMissingHashFields), nil
		}
		if toText(prevRaw) != prevHash {
			return broken(checked, lineIdx, ReasonPrevHashMismatch), nil
		}

		expected, err := eventHash(prevHash, payload)
		if err != nil {
			return VerifyResult{}, err
		}
		stored := toText(hashRaw)
		if stored != expected {
			return broken(checked, lineIdx, ReasonEventHashMismatch), nil
		}

		prevHash = stored
		checked++
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{OK: true, CheckedEvents: checked, BrokenIndex: -1}, nil
}

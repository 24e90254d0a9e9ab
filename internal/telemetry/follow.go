package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow streams new events to the callback as they are appended, like
// `tail -f` for the event log. It starts at the current end of file and
// blocks until the context is cancelled.
//
// The watcher is bound to the log's directory rather than the file itself:
// the file may not exist yet, and a retention purge replaces it via rename.
// When the file shrinks (purge rewrite), the read position resets and the
// rewritten records are not replayed.
func (l *Logger) Follow(ctx context.Context, callback func(map[string]any)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.eventsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating events directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	// Start at the current end so only events appended after Follow began
	// are delivered.
	offset := int64(0)
	if info, err := os.Stat(l.eventsPath); err == nil {
		offset = info.Size()
	}

	base := filepath.Base(l.eventsPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			next, err := l.deliverNewLines(offset, callback)
			if err != nil {
				slog.Error("follow: reading new events failed", "error", err)
				continue
			}
			offset = next

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow: watcher error", "error", err)
		}
	}
}

// deliverNewLines reads complete lines past offset, parses each as an event
// record, and invokes the callback. Returns the new offset, which advances
// only past complete (newline-terminated) lines so a half-written tail is
// picked up on the next event.
func (l *Logger) deliverNewLines(offset int64, callback func(map[string]any)) (int64, error) {
	f, err := os.Open(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return offset, err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return offset, err
	}
	if size < offset {
		// The log was rewritten underneath us (retention purge). Skip the
		// rewritten content and resume from the new end.
		return size, nil
	}
	if size == offset {
		return offset, nil
	}

	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return offset, err
	}

	consumed := int64(0)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		buf = buf[idx+1:]
		consumed += int64(idx + 1)

		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		callback(payload)
	}
	return offset + consumed, nil
}

// Package datalog appends raw and unknown chat items to JSON-lines files under
// a data logging directory. A nil *Writer discards everything.
package datalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// File names under the data logging directory.
const (
	RawFile     = "youtube-raw-events.jsonl"
	UnknownFile = "youtube-unknown-events.jsonl"
)

// Writer owns the two append-only files.
type Writer struct {
	dir string

	mu      sync.Mutex
	files   []*os.File
	raw     *slog.Logger
	unknown *slog.Logger
	closed  bool
}

// Open creates dir if needed and opens both files for appending.
func Open(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("data logging path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("data logging path %s: %w", dir, err)
	}
	w := &Writer{dir: dir}
	raw, err := w.open(RawFile)
	if err != nil {
		return nil, err
	}
	unknown, err := w.open(UnknownFile)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	w.raw = slog.New(slog.NewJSONHandler(raw, nil))
	w.unknown = slog.New(slog.NewJSONHandler(unknown, nil))
	return w, nil
}

func (w *Writer) open(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("data logging path %s: %w", w.dir, err)
	}
	w.files = append(w.files, f)
	return f, nil
}

// Dir returns the directory the writer appends to.
func (w *Writer) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// Raw records a chat item as received.
func (w *Writer) Raw(ctx context.Context, videoID, itemType string, payload any) {
	w.write(ctx, true, videoID, itemType, payload)
}

// Unknown records a chat item whose tag has no handler.
func (w *Writer) Unknown(ctx context.Context, videoID, itemType string, payload any) {
	w.write(ctx, false, videoID, itemType, payload)
}

func (w *Writer) write(ctx context.Context, raw bool, videoID, itemType string, payload any) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	l := w.unknown
	if raw {
		l = w.raw
	}
	l.LogAttrs(ctx, slog.LevelInfo, "chat-item",
		slog.String("video_id", videoID),
		slog.String("item_type", itemType),
		slog.Any("payload", payload),
	)
}

// Close flushes and closes both files. It is safe to call more than once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

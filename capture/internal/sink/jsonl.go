package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/bluebox/capture/event"
)

// categoryDirs maps each record category to its subdirectory under the
// output root.
var categoryDirs = map[event.Category]string{
	event.CategoryNetwork:        "network",
	event.CategoryStorage:        "storage",
	event.CategoryWindowProperty: "window_properties",
	event.CategoryInteraction:    "interaction",
	event.CategoryDOMSnapshot:    "dom",
}

// JSONL appends records to per-category events.jsonl files under a root
// directory. Files are created lazily on first record.
type JSONL struct {
	root string

	mu    sync.Mutex
	files map[event.Category]*os.File
}

// NewJSONL creates the sink. The root directory is created immediately so
// a bad path fails at construction rather than on first record.
func NewJSONL(root string) (*JSONL, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output dir: %w", err)
	}
	return &JSONL{root: root, files: map[event.Category]*os.File{}}, nil
}

// Root returns the output root directory.
func (j *JSONL) Root() string { return j.root }

// Path returns the events file for a category, whether or not it exists
// yet.
func (j *JSONL) Path(category event.Category) string {
	dir, ok := categoryDirs[category]
	if !ok {
		dir = string(category)
	}
	return filepath.Join(j.root, dir, "events.jsonl")
}

func (j *JSONL) Send(_ context.Context, category event.Category, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: marshal %s record: %w", category, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := j.file(category)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("sink: append %s record: %w", category, err)
	}
	return nil
}

func (j *JSONL) file(category event.Category) (*os.File, error) {
	if f, ok := j.files[category]; ok {
		return f, nil
	}
	path := j.Path(category)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create %s dir: %w", category, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	j.files[category] = f
	return f, nil
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for cat, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(j.files, cat)
	}
	return firstErr
}

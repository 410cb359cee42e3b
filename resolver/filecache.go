package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileCache is a Store backed by one JSON object on disk ({"handle": "channelId"}).
// The file is read lazily and rewritten through a temp file on every save.
type FileCache struct {
	path string

	mu      sync.Mutex
	loaded  bool
	entries map[string]string
}

// NewFileCache returns a cache at path. The file need not exist yet.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Path returns the backing file.
func (c *FileCache) Path() string { return c.path }

func (c *FileCache) load() error {
	if c.loaded {
		return nil
	}
	c.entries = make(map[string]string)
	b, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read channel cache: %w", err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &c.entries); err != nil {
			return fmt.Errorf("parse channel cache %s: %w", c.path, err)
		}
	}
	c.loaded = true
	return nil
}

func (c *FileCache) Load(_ context.Context, handle string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(); err != nil {
		return "", false, err
	}
	id, ok := c.entries[handle]
	return id, ok, nil
}

func (c *FileCache) Save(_ context.Context, handle, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(); err != nil {
		// A corrupt file is replaced rather than blocking every future save.
		c.entries = make(map[string]string)
		c.loaded = true
	}
	c.entries[handle] = channelID

	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create channel cache dir: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write channel cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace channel cache: %w", err)
	}
	return nil
}

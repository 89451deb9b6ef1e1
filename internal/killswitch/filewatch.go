package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileChannel watches a JSON command file for air-gapped or local-dev
// delivery. The file holds an array of commands; every object appended to the
// array is delivered once. The parent directory is watched rather than the
// file itself so atomic rename-into-place writes are picked up.
type FileChannel struct {
	path      string
	delivered map[string]struct{}
	logger    *slog.Logger
}

// NewFileChannel builds a file channel for the given path.
func NewFileChannel(path string, logger *slog.Logger) *FileChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileChannel{
		path:      path,
		delivered: make(map[string]struct{}),
		logger:    logger.With("component", "killswitch.FileChannel"),
	}
}

func (c *FileChannel) Name() string { return "file" }

// Run reads the file once at startup, then delivers new entries as the file
// changes, until the context is cancelled.
func (c *FileChannel) Run(ctx context.Context, deliver func(*Command)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file channel: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("file channel: watch %s: %w", dir, err)
	}

	// Commands written before the agent started still count.
	c.readFile(deliver)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != c.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.readFile(deliver)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("watch error", "path", c.path, "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *FileChannel) readFile(deliver func(*Command)) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read command file", "path", c.path, "error", err)
		}
		return
	}
	var cmds []*Command
	if err := json.Unmarshal(raw, &cmds); err != nil {
		c.logger.Warn("undecodable command file", "path", c.path, "error", err)
		return
	}
	for _, cmd := range cmds {
		if cmd == nil || cmd.CommandID == "" {
			continue
		}
		if _, seen := c.delivered[cmd.CommandID]; seen {
			continue
		}
		c.delivered[cmd.CommandID] = struct{}{}
		deliver(cmd)
	}
}

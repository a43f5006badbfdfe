// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package def

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Cache memoizes loaded definitions by reference. Definition versions are
// immutable, so entries never expire; a filesystem watcher evicts entries
// whose backing file changes, which covers in-place edits during
// development without violating immutability for published versions.
type Cache struct {
	loader *Loader
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[Ref]*WorkflowDef

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCache creates a cache over loader and starts watching its directory.
func NewCache(loader *Loader, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		loader: loader,
		logger: logger,
		defs:   make(map[Ref]*WorkflowDef),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating definition watcher: %w", err)
	}
	if err := watcher.Add(loader.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", loader.Dir(), err)
	}
	c.watcher = watcher
	go c.watch()

	return c, nil
}

// Workflow returns the cached definition, loading it on first use.
func (c *Cache) Workflow(ref Ref) (*WorkflowDef, error) {
	c.mu.RLock()
	w, ok := c.defs[ref]
	c.mu.RUnlock()
	if ok {
		return w, nil
	}

	w, err := c.loader.Workflow(ref)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.defs[ref] = w
	c.mu.Unlock()
	return w, nil
}

// Invalidate evicts one entry.
func (c *Cache) Invalidate(ref Ref) {
	c.mu.Lock()
	delete(c.defs, ref)
	c.mu.Unlock()
}

// Len reports the number of cached definitions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// Close stops the watcher.
func (c *Cache) Close() error {
	close(c.done)
	return c.watcher.Close()
}

func (c *Cache) watch() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			ref, ok := ParseFileRef(event.Name)
			if !ok {
				continue
			}
			c.Invalidate(ref)
			c.logger.Debug("definition cache entry evicted", "ref", ref.String(), "op", event.Op.String())
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("definition watcher error", "error", err)
		}
	}
}

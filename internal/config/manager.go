package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cibot/pkg/logx"
)

// Manager owns the persisted site layout: it loads the file, validates it,
// and (optionally) watches it for changes, atomically swapping in each
// valid update. Invalid updates are logged and the previous layout stays
// live.
type Manager struct {
	path string

	mu    sync.RWMutex
	store *Store

	log logx.Logger

	// lastHash tracks the last committed file content, so editors that fire
	// several write events for one save don't cause redundant swaps.
	lastHash uint64
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Parse reads and strictly decodes the site file without committing it.
func (m *Manager) Parse() (*Store, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return parseStore(m.path, b)
}

func parseStore(path string, b []byte) (*Store, error) {
	jb := b
	if isYAMLPath(path) {
		var err error
		jb, err = yamlToJSON(b)
		if err != nil {
			return nil, err
		}
	}

	var store Store
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&store); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := store.Validate(); err != nil {
		return nil, err
	}
	return &store, nil
}

// Load parses, validates, and commits the site file.
func (m *Manager) Load() (*Store, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	store, err := parseStore(m.path, b)
	if err != nil {
		return nil, err
	}
	m.commit(store, hashBytes(b))
	return store, nil
}

func (m *Manager) commit(store *Store, hash uint64) {
	m.mu.Lock()
	m.store = store
	m.lastHash = hash
	m.mu.Unlock()
}

// Get returns the current layout. Callers must treat it as read-only;
// Resolve already clones everything it hands out.
func (m *Manager) Get() *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// Watch blocks until ctx is done, reloading the file on change events. A
// broken or invalid file never replaces the live layout.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	// Watch the directory, not the file: editors replace files via rename.
	if err := w.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reloads := make(chan struct{}, 1)
	debounce := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			select {
			case reloads <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloads:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				m.log.Warn("site config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}

func (m *Manager) reload() {
	b, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("site config reload failed", logx.Err(err), logx.String("path", m.path))
		return
	}
	hash := hashBytes(b)
	m.mu.RLock()
	unchanged := hash == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	store, err := parseStore(m.path, b)
	if err != nil {
		m.log.Warn("site config rejected; keeping previous", logx.Err(err), logx.String("path", m.path))
		return
	}
	m.commit(store, hash)
	m.log.Info("site config reloaded",
		logx.String("path", m.path),
		logx.Int("global_sites", len(store.Global)),
		logx.Int("folder_scopes", len(store.Folders)),
	)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

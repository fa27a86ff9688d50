package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileDriver persists one JSON file per entry under
// root/<env>/<escaped-key>/<id>.json, plus an append-only audit log per
// environment. Writes go through a temp file and rename so a crash never
// leaves a half-written entry. A corrupt file is skipped on read and logged;
// it does not take the store down.
type FileDriver struct {
	root   string
	mu     sync.Mutex // serializes audit-log appends
	logger *log.Logger
}

func NewFileDriver(root string) (*FileDriver, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create root %s: %w", root, err)
	}
	return &FileDriver{
		root:   root,
		logger: log.New(log.Writer(), "[STATE-FILE] ", log.LstdFlags),
	}, nil
}

func (f *FileDriver) keyDir(key, env string) string {
	return filepath.Join(f.root, env, url.PathEscape(key))
}

func (f *FileDriver) entryPath(e *Entry) string {
	return filepath.Join(f.keyDir(e.Key, e.Environment), e.ID+".json")
}

func (f *FileDriver) Insert(ctx context.Context, e *Entry) error {
	dir := f.keyDir(e.Key, e.Environment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir: %w", err)
	}
	return f.writeAtomic(f.entryPath(e), e)
}

func (f *FileDriver) MarkSuperseded(ctx context.Context, id, byID string) error {
	e, err := f.GetByID(ctx, id)
	if err != nil || e == nil {
		return err
	}
	now := nowFn()
	e.SupersededBy = byID
	e.SupersededAt = &now
	return f.writeAtomic(f.entryPath(e), e)
}

func (f *FileDriver) GetCurrent(ctx context.Context, key, env string) (*Entry, error) {
	entries, err := f.readKey(key, env)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Current() {
			return e, nil
		}
	}
	return nil, nil
}

func (f *FileDriver) GetByID(ctx context.Context, id string) (*Entry, error) {
	var found *Entry
	err := f.walkEntries(func(e *Entry) bool {
		if e.ID == id {
			found = e
			return false
		}
		return true
	})
	return found, err
}

func (f *FileDriver) History(ctx context.Context, key, env string) ([]*Entry, error) {
	entries, err := f.readKey(key, env)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Version > entries[j].Version })
	return entries, nil
}

func (f *FileDriver) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	var matched []*Entry
	err := f.walkEntries(func(e *Entry) bool {
		if filter.Key != "" && e.Key != filter.Key {
			return true
		}
		if filter.Environment != "" && e.Environment != filter.Environment {
			return true
		}
		if !filter.IncludeSuperseded && !e.Current() {
			return true
		}
		if !tagsMatch(e.Tags, filter.Tags) {
			return true
		}
		matched = append(matched, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Key != matched[j].Key {
			return matched[i].Key < matched[j].Key
		}
		return matched[i].Version > matched[j].Version
	})
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (f *FileDriver) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Join(f.root, rec.Environment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir audit: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statestore: marshal audit: %w", err)
	}
	fh, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: open audit log: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("statestore: append audit: %w", err)
	}
	return nil
}

func (f *FileDriver) AuditTrail(ctx context.Context, key, env string) ([]*AuditRecord, error) {
	data, err := os.ReadFile(filepath.Join(f.root, env, "audit.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: read audit log: %w", err)
	}

	var out []*AuditRecord
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			f.logger.Printf("corrupt audit line skipped: %v", err)
			continue
		}
		if rec.Key == key {
			out = append(out, &rec)
		}
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *FileDriver) readKey(key, env string) ([]*Entry, error) {
	dir := f.keyDir(key, env)
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: read dir: %w", err)
	}
	var out []*Entry
	for _, n := range names {
		if n.IsDir() || !strings.HasSuffix(n.Name(), ".json") {
			continue
		}
		e, err := f.readEntry(filepath.Join(dir, n.Name()))
		if err != nil {
			f.logger.Printf("corrupt entry skipped: %s: %v", n.Name(), err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FileDriver) walkEntries(visit func(*Entry) bool) error {
	envs, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, env := range envs {
		if !env.IsDir() {
			continue
		}
		envDir := filepath.Join(f.root, env.Name())
		keys, err := os.ReadDir(envDir)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if !k.IsDir() {
				continue
			}
			keyDir := filepath.Join(envDir, k.Name())
			files, err := os.ReadDir(keyDir)
			if err != nil {
				continue
			}
			for _, file := range files {
				if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
					continue
				}
				e, err := f.readEntry(filepath.Join(keyDir, file.Name()))
				if err != nil {
					f.logger.Printf("corrupt entry skipped: %s: %v", file.Name(), err)
					continue
				}
				if !visit(e) {
					return nil
				}
			}
		}
	}
	return nil
}

func (f *FileDriver) readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (f *FileDriver) writeAtomic(path string, e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal entry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}

package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/runtime/internal/core"
)

// nowFn is swapped in tests that exercise TTL behavior.
var nowFn = time.Now

// Store is the versioned key/value API. It owns the supersede chain and the
// audit trail; the Driver only persists records.
type Store struct {
	driver Driver
	logger *log.Logger

	// keyLocks serializes writers per (key, environment). Readers go
	// straight to the driver or the cache.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	cache *readCache
}

// Options configures the store.
type Options struct {
	// CacheTTL bounds how stale a cached read may be. Zero disables the
	// read cache entirely.
	CacheTTL time.Duration
}

func New(driver Driver, opts Options) *Store {
	s := &Store{
		driver:   driver,
		logger:   log.New(log.Writer(), "[STATE] ", log.LstdFlags),
		keyLocks: make(map[string]*sync.Mutex),
	}
	if opts.CacheTTL > 0 {
		s.cache = newReadCache(opts.CacheTTL)
	}
	return s
}

func (s *Store) lockKey(key, env string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	k := keyOf(key, env)
	mu, ok := s.keyLocks[k]
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks[k] = mu
	}
	return mu
}

// Get returns the current entry for (key, env). The boolean is false when no
// live entry exists or its TTL has elapsed. A checksum mismatch is reported
// as an integrity error; a corrupt record reads as absent.
func (s *Store) Get(ctx context.Context, key, env string) (*Entry, bool, error) {
	if s.cache != nil {
		if e, hit := s.cache.get(key, env); hit {
			if e == nil || e.Expired(nowFn()) {
				return nil, false, nil
			}
			return e, true, nil
		}
	}

	e, err := s.driver.GetCurrent(ctx, key, env)
	if err != nil {
		return nil, false, core.Wrap(core.KindStorage, err, "get %s/%s", env, key)
	}
	if s.cache != nil {
		s.cache.put(key, env, e)
	}
	if e == nil || e.Expired(nowFn()) {
		return nil, false, nil
	}
	if ok, err := s.VerifyIntegrity(e); err != nil || !ok {
		s.logger.Printf("integrity failure on read: key=%s env=%s id=%s", key, env, e.ID)
		return nil, false, core.Errorf(core.KindIntegrity, "checksum mismatch for %s/%s version %d", env, key, e.Version)
	}
	return e, true, nil
}

// Put writes a new version of key and supersedes the prior current entry in
// one logical transition. Two audit records are emitted: SUPERSEDE for the
// old entry (when present) and CREATE for the new one.
func (s *Store) Put(ctx context.Context, key string, value interface{}, opts PutOptions) (*Entry, error) {
	return s.put(ctx, key, value, opts, AuditCreate, nil)
}

func (s *Store) put(ctx context.Context, key string, value interface{}, opts PutOptions, action AuditAction, meta map[string]interface{}) (*Entry, error) {
	if key == "" {
		return nil, core.Errorf(core.KindValidation, "state key must not be empty")
	}
	env := opts.Environment
	if env == "" {
		env = "default"
	}

	canonical, err := core.Canonical(value)
	if err != nil {
		return nil, core.Wrap(core.KindValidation, err, "value for %s is not serializable", key)
	}
	checksum, err := core.Checksum(value)
	if err != nil {
		return nil, core.Wrap(core.KindValidation, err, "checksum for %s", key)
	}

	mu := s.lockKey(key, env)
	mu.Lock()
	defer mu.Unlock()

	prior, err := s.driver.GetCurrent(ctx, key, env)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "lookup prior version of %s", key)
	}

	version := 1
	if prior != nil {
		version = prior.Version + 1
	}

	entry := &Entry{
		ID:          uuid.NewString(),
		Key:         key,
		Value:       json.RawMessage(canonical),
		Version:     version,
		Environment: env,
		Actor:       opts.Actor,
		Checksum:    checksum,
		CreatedAt:   nowFn(),
		Tags:        opts.Tags,
	}
	if opts.TTL > 0 {
		entry.TTLSeconds = int64(opts.TTL / time.Second)
	}

	if err := s.driver.Insert(ctx, entry); err != nil {
		return nil, core.Wrap(core.KindStorage, err, "insert %s version %d", key, version)
	}
	if prior != nil {
		if err := s.driver.MarkSuperseded(ctx, prior.ID, entry.ID); err != nil {
			return nil, core.Wrap(core.KindStorage, err, "supersede %s version %d", key, prior.Version)
		}
		s.audit(ctx, prior, AuditSupersede, opts.Actor, map[string]interface{}{"superseded_by": entry.ID})
	}
	s.audit(ctx, entry, action, opts.Actor, meta)

	if s.cache != nil {
		s.cache.invalidate(key, env)
	}
	return entry, nil
}

// Delete supersedes the current entry with no successor.
func (s *Store) Delete(ctx context.Context, key, env, actor string) (bool, error) {
	if env == "" {
		env = "default"
	}
	mu := s.lockKey(key, env)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.driver.GetCurrent(ctx, key, env)
	if err != nil {
		return false, core.Wrap(core.KindStorage, err, "lookup %s for delete", key)
	}
	if cur == nil {
		return false, nil
	}
	if err := s.driver.MarkSuperseded(ctx, cur.ID, ""); err != nil {
		return false, core.Wrap(core.KindStorage, err, "delete %s", key)
	}
	s.audit(ctx, cur, AuditDelete, actor, nil)
	if s.cache != nil {
		s.cache.invalidate(key, env)
	}
	return true, nil
}

// History returns all versions for (key, env), newest first.
func (s *Store) History(ctx context.Context, key, env string) ([]*Entry, error) {
	if env == "" {
		env = "default"
	}
	entries, err := s.driver.History(ctx, key, env)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "history of %s", key)
	}
	return entries, nil
}

// Rollback re-puts the value of an earlier version as a fresh entry tagged
// with the version it came from.
func (s *Store) Rollback(ctx context.Context, key string, version int, opts PutOptions) (*Entry, error) {
	env := opts.Environment
	if env == "" {
		env = "default"
	}
	history, err := s.History(ctx, key, env)
	if err != nil {
		return nil, err
	}
	var target *Entry
	for _, e := range history {
		if e.Version == version {
			target = e
			break
		}
	}
	if target == nil {
		return nil, core.Errorf(core.KindValidation, "no version %d for %s/%s", version, env, key)
	}

	var value interface{}
	if err := json.Unmarshal(target.Value, &value); err != nil {
		return nil, core.Wrap(core.KindIntegrity, err, "rollback source %s version %d is corrupt", key, version)
	}

	if opts.Tags == nil {
		opts.Tags = make(map[string]string)
	}
	opts.Tags["rollback_from_version"] = fmt.Sprintf("%d", version)

	return s.put(ctx, key, value, opts, AuditRollback, map[string]interface{}{"rollback_from_version": version})
}

// Query filters and paginates entries.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	entries, err := s.driver.Query(ctx, f)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "query")
	}
	return entries, nil
}

// AuditTrail returns the audit records for (key, env), newest first.
func (s *Store) AuditTrail(ctx context.Context, key, env string) ([]*AuditRecord, error) {
	if env == "" {
		env = "default"
	}
	recs, err := s.driver.AuditTrail(ctx, key, env)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "audit trail of %s", key)
	}
	return recs, nil
}

// VerifyIntegrity recomputes the checksum of an entry's value.
func (s *Store) VerifyIntegrity(e *Entry) (bool, error) {
	var value interface{}
	if err := json.Unmarshal(e.Value, &value); err != nil {
		return false, core.Wrap(core.KindIntegrity, err, "entry %s value is corrupt", e.ID)
	}
	sum, err := core.Checksum(value)
	if err != nil {
		return false, err
	}
	return sum == e.Checksum, nil
}

func (s *Store) audit(ctx context.Context, e *Entry, action AuditAction, actor string, meta map[string]interface{}) {
	rec := &AuditRecord{
		ID:          uuid.NewString(),
		EntryID:     e.ID,
		Key:         e.Key,
		Environment: e.Environment,
		Action:      action,
		Actor:       actor,
		Timestamp:   nowFn(),
		Metadata:    meta,
	}
	if err := s.driver.AppendAudit(ctx, rec); err != nil {
		// The mutation already landed; losing an audit record is logged
		// loudly but does not roll the write back.
		s.logger.Printf("audit append failed: key=%s action=%s: %v", e.Key, action, err)
	}
}

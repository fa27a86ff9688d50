package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/runtime/internal/core"
)

// clockSkewTolerance keeps a record alive slightly past its expiry so two
// nodes with drifting clocks do not disagree about liveness.
const clockSkewTolerance = 5 * time.Second

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,256}$`)

// Config tunes the ledger. Zero values get sensible defaults.
type Config struct {
	Prefix         string        // hashed into every key; namespaces deployments
	Namespace      string        // default record namespace
	DefaultTTL     time.Duration // record lifetime
	MinTTL, MaxTTL time.Duration // clamp bounds for caller-supplied TTLs
	LockTTL        time.Duration // how long a lock is honored before takeover
	Fingerprinting bool          // enable request fingerprint replay defense
}

// Ledger is the exactly-once coordinator.
type Ledger struct {
	storage Storage
	cfg     Config
	logger  *log.Logger
	nowFn   func() time.Time
}

// New builds a ledger over the given storage driver.
func New(storage Storage, cfg Config) *Ledger {
	if cfg.Prefix == "" {
		cfg.Prefix = "idem"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.MinTTL == 0 {
		cfg.MinTTL = time.Minute
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 7 * 24 * time.Hour
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Ledger{
		storage: storage,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[IDEM] ", log.LstdFlags),
		nowFn:   time.Now,
	}
}

// StartOptions configures Start.
type StartOptions struct {
	RequestData map[string]interface{}
	TTL         time.Duration
	Actor       string
	Metadata    map[string]interface{}
}

// Check looks a key up and decides whether the caller should proceed.
func (l *Ledger) Check(ctx context.Context, key string, requestData map[string]interface{}) (*CheckResult, error) {
	if !keyPattern.MatchString(key) {
		return nil, core.Errorf(core.KindValidation, "invalid idempotency key %q", key)
	}
	keyHash := core.HashKey(l.cfg.Prefix, key)

	rec, err := l.storage.Get(ctx, l.cfg.Namespace, keyHash)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "lookup %s", key)
	}
	if rec == nil {
		return &CheckResult{ShouldProceed: true, Reason: "no record"}, nil
	}

	now := l.nowFn()
	if now.After(rec.ExpiresAt.Add(clockSkewTolerance)) {
		if err := l.storage.Delete(ctx, l.cfg.Namespace, keyHash); err != nil {
			l.logger.Printf("delete of expired record failed: %s: %v", key, err)
		}
		return &CheckResult{ShouldProceed: true, ExistingStatus: StatusExpired, Reason: "record expired"}, nil
	}

	if l.cfg.Fingerprinting && requestData != nil && rec.Fingerprint != "" {
		fp, err := Fingerprint(requestData)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, err, "fingerprint request data")
		}
		if fp != rec.Fingerprint {
			return nil, core.Errorf(core.KindConflict,
				"fingerprint mismatch for key %s: same key, different request payload", key).
				WithDetail("stored_fingerprint", rec.Fingerprint).
				WithDetail("request_fingerprint", fp)
		}
	}

	switch rec.Status {
	case StatusCompleted:
		return &CheckResult{
			ShouldProceed:  false,
			ExistingStatus: rec.Status,
			CachedResult:   rec.Result,
			Record:         rec,
			Reason:         "operation already completed",
		}, nil
	case StatusPending, StatusLocked:
		return &CheckResult{
			ShouldProceed:  false,
			ExistingStatus: rec.Status,
			Record:         rec,
			Reason:         "operation in flight",
		}, nil
	case StatusFailed:
		return &CheckResult{
			ShouldProceed:  true,
			ExistingStatus: rec.Status,
			Record:         rec,
			Reason:         "previous attempt failed; retry permitted",
		}, nil
	default: // expired marker that outlived its delete
		return &CheckResult{ShouldProceed: true, ExistingStatus: rec.Status, Reason: "record expired"}, nil
	}
}

// Start claims the key. It creates the record with a lock in one atomic
// operation, or — when a prior attempt failed or its lock went stale — takes
// the lock over with bounded retries and exponential backoff (100ms start,
// 1s cap).
func (l *Ledger) Start(ctx context.Context, key, operation string, opts StartOptions) (*Lock, error) {
	if !keyPattern.MatchString(key) {
		return nil, core.Errorf(core.KindValidation, "invalid idempotency key %q", key)
	}
	keyHash := core.HashKey(l.cfg.Prefix, key)

	ttl := opts.TTL
	if ttl == 0 {
		ttl = l.cfg.DefaultTTL
	}
	if ttl < l.cfg.MinTTL {
		ttl = l.cfg.MinTTL
	}
	if ttl > l.cfg.MaxTTL {
		ttl = l.cfg.MaxTTL
	}

	var fingerprint string
	if l.cfg.Fingerprinting && opts.RequestData != nil {
		fp, err := Fingerprint(opts.RequestData)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, err, "fingerprint request data")
		}
		fingerprint = fp
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = time.Second
	const maxAttempts = 6

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		now := l.nowFn()
		lockID := uuid.NewString()
		lockExpiry := now.Add(l.cfg.LockTTL)
		fresh := &Record{
			ID:            uuid.NewString(),
			KeyHash:       keyHash,
			Namespace:     l.cfg.Namespace,
			Operation:     operation,
			Status:        StatusLocked,
			Metadata:      opts.Metadata,
			LockID:        lockID,
			LockExpiresAt: &lockExpiry,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(ttl),
			AttemptCount:  1,
			Version:       1,
			Fingerprint:   fingerprint,
			Actor:         opts.Actor,
		}

		created, existing, err := l.storage.CreateIfAbsent(ctx, fresh)
		if err != nil {
			return nil, core.Wrap(core.KindStorage, err, "create record for %s", key)
		}
		if created {
			return &Lock{Key: key, KeyHash: keyHash, Namespace: l.cfg.Namespace, LockID: lockID, Version: 1, StartedAt: now}, nil
		}

		// Collision: decide based on what is already there.
		switch {
		case existing.Status == StatusCompleted:
			return nil, core.Errorf(core.KindConflict, "operation %s already completed", key)

		case now.After(existing.ExpiresAt.Add(clockSkewTolerance)):
			if err := l.storage.Delete(ctx, l.cfg.Namespace, keyHash); err != nil {
				return nil, core.Wrap(core.KindStorage, err, "purge expired record for %s", key)
			}
			continue // retry the create

		case existing.Status == StatusFailed,
			existing.LockExpiresAt == nil,
			existing.LockExpiresAt.Before(now):
			// Failed attempt or stale lock: take it over optimistically.
			if fingerprint != "" && existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
				return nil, core.Errorf(core.KindConflict, "fingerprint mismatch for key %s", key)
			}
			takeover := *existing
			takeover.Status = StatusLocked
			takeover.LockID = lockID
			takeover.LockExpiresAt = &lockExpiry
			takeover.UpdatedAt = now
			takeover.AttemptCount = existing.AttemptCount + 1
			takeover.Version = existing.Version + 1
			takeover.Error = ""

			ok, err := l.storage.UpdateIfVersion(ctx, &takeover, existing.Version)
			if err != nil {
				return nil, core.Wrap(core.KindStorage, err, "take over lock for %s", key)
			}
			if ok {
				return &Lock{Key: key, KeyHash: keyHash, Namespace: l.cfg.Namespace, LockID: lockID, Version: takeover.Version, StartedAt: now}, nil
			}
			// Someone else won the race; back off and retry.

		default:
			return nil, core.Errorf(core.KindConflict, "operation %s is locked by another worker", key)
		}

		select {
		case <-ctx.Done():
			return nil, core.Wrap(core.KindCancelled, ctx.Err(), "start %s", key)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, core.Errorf(core.KindLock, "could not acquire lock for %s after retries", key)
}

// Complete records a successful result and releases the lock. The caller's
// lock must still own the record; any version drift surfaces as a lock
// error and is never retried silently.
func (l *Ledger) Complete(ctx context.Context, lock *Lock, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return core.Wrap(core.KindValidation, err, "serialize result for %s", lock.Key)
	}
	return l.finish(ctx, lock, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = raw
		rec.Error = ""
	})
}

// Fail records a failure and releases the lock so a later attempt may retry.
func (l *Ledger) Fail(ctx context.Context, lock *Lock, opErr error) error {
	msg := "unknown error"
	if opErr != nil {
		msg = opErr.Error()
	}
	return l.finish(ctx, lock, func(rec *Record) {
		rec.Status = StatusFailed
		rec.Error = msg
	})
}

func (l *Ledger) finish(ctx context.Context, lock *Lock, mutate func(*Record)) error {
	rec, err := l.storage.Get(ctx, lock.Namespace, lock.KeyHash)
	if err != nil {
		return core.Wrap(core.KindStorage, err, "lookup %s", lock.Key)
	}
	if rec == nil {
		return core.Errorf(core.KindLock, "record for %s vanished", lock.Key)
	}
	if rec.LockID != lock.LockID || rec.Version != lock.Version {
		return core.Errorf(core.KindLock, "lock for %s is no longer owned (stolen or expired)", lock.Key)
	}

	now := l.nowFn()
	updated := *rec
	mutate(&updated)
	updated.LockID = ""
	updated.LockExpiresAt = nil
	updated.UpdatedAt = now
	updated.ProcessingDurationMs = now.Sub(lock.StartedAt).Milliseconds()
	updated.Version = rec.Version + 1

	ok, err := l.storage.UpdateIfVersion(ctx, &updated, rec.Version)
	if err != nil {
		return core.Wrap(core.KindStorage, err, "finish %s", lock.Key)
	}
	if !ok {
		return core.Errorf(core.KindLock, "version conflict finishing %s", lock.Key)
	}
	return nil
}

// ExtendLock pushes the lock expiry out for long-running operations.
// The lock's version advances; the caller must use the returned lock.
func (l *Ledger) ExtendLock(ctx context.Context, lock *Lock, extension time.Duration) (*Lock, error) {
	rec, err := l.storage.Get(ctx, lock.Namespace, lock.KeyHash)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "lookup %s", lock.Key)
	}
	if rec == nil || rec.LockID != lock.LockID || rec.Version != lock.Version {
		return nil, core.Errorf(core.KindLock, "lock for %s is no longer owned", lock.Key)
	}

	now := l.nowFn()
	expiry := now.Add(extension)
	updated := *rec
	updated.LockExpiresAt = &expiry
	updated.UpdatedAt = now
	updated.Version = rec.Version + 1

	ok, err := l.storage.UpdateIfVersion(ctx, &updated, rec.Version)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "extend lock for %s", lock.Key)
	}
	if !ok {
		return nil, core.Errorf(core.KindLock, "version conflict extending lock for %s", lock.Key)
	}

	extended := *lock
	extended.Version = updated.Version
	return &extended, nil
}

// IsLockValid reports whether the lock still owns its record and has not
// expired.
func (l *Ledger) IsLockValid(ctx context.Context, lock *Lock) bool {
	rec, err := l.storage.Get(ctx, lock.Namespace, lock.KeyHash)
	if err != nil || rec == nil {
		return false
	}
	if rec.LockID != lock.LockID || rec.Version != lock.Version {
		return false
	}
	return rec.LockExpiresAt != nil && rec.LockExpiresAt.After(l.nowFn())
}

// Cleanup removes records that expired before the cutoff.
func (l *Ledger) Cleanup(ctx context.Context, before time.Time) (int, error) {
	n, err := l.storage.CleanupExpired(ctx, before)
	if err != nil {
		return 0, core.Wrap(core.KindStorage, err, "cleanup")
	}
	if n > 0 {
		l.logger.Printf("cleaned up %d expired records", n)
	}
	return n, nil
}

// Execute wraps fn with the full exactly-once protocol: completed operations
// replay their cached result, in-flight ones conflict, and exactly one
// concurrent caller runs fn.
func (l *Ledger) Execute(ctx context.Context, key, operation string, requestData map[string]interface{}, fn func(context.Context) (interface{}, error)) (*ExecResult, error) {
	check, err := l.Check(ctx, key, requestData)
	if err != nil {
		return nil, err
	}
	if !check.ShouldProceed {
		if check.ExistingStatus == StatusCompleted {
			return &ExecResult{Result: check.CachedResult, Cached: true}, nil
		}
		return nil, core.Errorf(core.KindConflict, "operation %s is %s", key, check.ExistingStatus)
	}

	lock, err := l.Start(ctx, key, operation, StartOptions{RequestData: requestData})
	if err != nil {
		// A concurrent Execute may have completed between Check and Start;
		// surface its cached result rather than a raw conflict.
		if core.IsKind(err, core.KindConflict) {
			if re, rerr := l.Check(ctx, key, requestData); rerr == nil && re.ExistingStatus == StatusCompleted {
				return &ExecResult{Result: re.CachedResult, Cached: true}, nil
			}
		}
		return nil, err
	}

	result, fnErr := fn(ctx)
	if fnErr != nil {
		if err := l.Fail(ctx, lock, fnErr); err != nil {
			l.logger.Printf("recording failure for %s failed: %v", key, err)
		}
		return nil, fnErr
	}

	if err := l.Complete(ctx, lock, result); err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(result)
	return &ExecResult{Result: raw, Cached: false}, nil
}

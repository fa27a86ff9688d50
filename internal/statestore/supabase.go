package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseDriver persists entries through the Supabase REST surface.
// Tables:
//
//	state_entries(id pk, key, environment, value jsonb, version, actor,
//	              checksum, created_at, superseded_by, superseded_at,
//	              ttl_seconds, tags jsonb)
//	state_audit(id pk, entry_id, key, environment, action, actor,
//	            timestamp, metadata jsonb)
type SupabaseDriver struct {
	client *supabase.Client
}

// supabaseEntry mirrors Entry with string timestamps, which is how the REST
// layer hands them back.
type supabaseEntry struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`
	Environment  string            `json:"environment"`
	Value        interface{}       `json:"value"`
	Version      int               `json:"version"`
	Actor        string            `json:"actor"`
	Checksum     string            `json:"checksum"`
	CreatedAt    string            `json:"created_at"`
	SupersededBy *string           `json:"superseded_by"`
	SupersededAt *string           `json:"superseded_at"`
	TTLSeconds   int64             `json:"ttl_seconds"`
	Tags         map[string]string `json:"tags"`
}

// NewSupabaseDriver reads SUPABASE_URL and SUPABASE_SERVICE_KEY from the
// environment, matching the deployment convention of the rest of the stack.
func NewSupabaseDriver() (*SupabaseDriver, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("statestore: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("statestore: supabase client: %w", err)
	}
	return &SupabaseDriver{client: client}, nil
}

func (d *SupabaseDriver) Insert(ctx context.Context, e *Entry) error {
	var result []supabaseEntry
	_, err := d.client.From("state_entries").
		Insert(toSupabaseEntry(e), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("statestore: supabase insert: %w", err)
	}
	return nil
}

func (d *SupabaseDriver) MarkSuperseded(ctx context.Context, id, byID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	patch := map[string]interface{}{"superseded_at": now}
	if byID != "" {
		patch["superseded_by"] = byID
	}
	var result []supabaseEntry
	_, err := d.client.From("state_entries").
		Update(patch, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("statestore: supabase supersede: %w", err)
	}
	return nil
}

func (d *SupabaseDriver) GetCurrent(ctx context.Context, key, env string) (*Entry, error) {
	var rows []supabaseEntry
	_, err := d.client.From("state_entries").
		Select("*", "", false).
		Eq("key", key).
		Eq("environment", env).
		Is("superseded_at", "null").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("statestore: supabase get current: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return fromSupabaseEntry(&rows[0])
}

func (d *SupabaseDriver) GetByID(ctx context.Context, id string) (*Entry, error) {
	var rows []supabaseEntry
	_, err := d.client.From("state_entries").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("statestore: supabase get by id: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return fromSupabaseEntry(&rows[0])
}

func (d *SupabaseDriver) History(ctx context.Context, key, env string) ([]*Entry, error) {
	var rows []supabaseEntry
	_, err := d.client.From("state_entries").
		Select("*", "", false).
		Eq("key", key).
		Eq("environment", env).
		Order("version", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("statestore: supabase history: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	// rows arrive ascending; flip to newest-first
	for i := len(rows) - 1; i >= 0; i-- {
		e, err := fromSupabaseEntry(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *SupabaseDriver) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	q := d.client.From("state_entries").Select("*", "", false)
	if f.Key != "" {
		q = q.Eq("key", f.Key)
	}
	if f.Environment != "" {
		q = q.Eq("environment", f.Environment)
	}
	if !f.IncludeSuperseded {
		q = q.Is("superseded_at", "null")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit, "")
	}
	var rows []supabaseEntry
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("statestore: supabase query: %w", err)
	}
	var out []*Entry
	for i := range rows {
		e, err := fromSupabaseEntry(&rows[i])
		if err != nil {
			return nil, err
		}
		// tag filtering happens client-side; PostgREST jsonb containment
		// is not worth the coupling for the sizes involved
		if !tagsMatch(e.Tags, f.Tags) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *SupabaseDriver) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	row := map[string]interface{}{
		"id":          rec.ID,
		"entry_id":    rec.EntryID,
		"key":         rec.Key,
		"environment": rec.Environment,
		"action":      string(rec.Action),
		"actor":       rec.Actor,
		"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":    rec.Metadata,
	}
	var result []map[string]interface{}
	_, err := d.client.From("state_audit").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("statestore: supabase audit insert: %w", err)
	}
	return nil
}

func (d *SupabaseDriver) AuditTrail(ctx context.Context, key, env string) ([]*AuditRecord, error) {
	var rows []struct {
		ID          string                 `json:"id"`
		EntryID     string                 `json:"entry_id"`
		Key         string                 `json:"key"`
		Environment string                 `json:"environment"`
		Action      string                 `json:"action"`
		Actor       string                 `json:"actor"`
		Timestamp   string                 `json:"timestamp"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	_, err := d.client.From("state_audit").
		Select("*", "", false).
		Eq("key", key).
		Eq("environment", env).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("statestore: supabase audit trail: %w", err)
	}
	out := make([]*AuditRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
		out = append(out, &AuditRecord{
			ID:          r.ID,
			EntryID:     r.EntryID,
			Key:         r.Key,
			Environment: r.Environment,
			Action:      AuditAction(r.Action),
			Actor:       r.Actor,
			Timestamp:   ts,
			Metadata:    r.Metadata,
		})
	}
	return out, nil
}

func toRawJSON(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func toSupabaseEntry(e *Entry) map[string]interface{} {
	row := map[string]interface{}{
		"id":          e.ID,
		"key":         e.Key,
		"environment": e.Environment,
		"value":       e.Value,
		"version":     e.Version,
		"actor":       e.Actor,
		"checksum":    e.Checksum,
		"created_at":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"ttl_seconds": e.TTLSeconds,
		"tags":        e.Tags,
	}
	if e.SupersededBy != "" {
		row["superseded_by"] = e.SupersededBy
	}
	if e.SupersededAt != nil {
		row["superseded_at"] = e.SupersededAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func fromSupabaseEntry(row *supabaseEntry) (*Entry, error) {
	value, err := toRawJSON(row.Value)
	if err != nil {
		return nil, fmt.Errorf("statestore: decode supabase value: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	e := &Entry{
		ID:          row.ID,
		Key:         row.Key,
		Environment: row.Environment,
		Value:       value,
		Version:     row.Version,
		Actor:       row.Actor,
		Checksum:    row.Checksum,
		CreatedAt:   createdAt,
		TTLSeconds:  row.TTLSeconds,
		Tags:        row.Tags,
	}
	if row.SupersededBy != nil {
		e.SupersededBy = *row.SupersededBy
	}
	if row.SupersededAt != nil {
		if at, err := time.Parse(time.RFC3339Nano, *row.SupersededAt); err == nil {
			e.SupersededAt = &at
		}
	}
	return e, nil
}

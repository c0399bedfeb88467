package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseTrailStore mirrors trail entries into the audit_entries
// table. The chain of record stays in memory; rows here exist so
// compliance queries survive restarts.
type SupabaseTrailStore struct {
	client *supabase.Client
}

func NewSupabaseTrailStore(url, key string) (*SupabaseTrailStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseTrailStore{client: client}, nil
}

type entryRow struct {
	ID           string          `json:"id"`
	Category     string          `json:"category"`
	Subject      string          `json:"subject"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
	Record       json.RawMessage `json:"record"`
	CreatedAt    string          `json:"created_at"`
}

func (s *SupabaseTrailStore) SaveEntry(ctx context.Context, e *Entry) error {
	record, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	row := &entryRow{
		ID:           e.ID,
		Category:     string(e.Category),
		Subject:      e.Subject,
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
		Record:       record,
		CreatedAt:    e.Timestamp.UTC().Format(time.RFC3339),
	}
	var result []entryRow
	_, err = s.client.From("audit_entries").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("save audit entry %s: %w", e.ID, err)
	}
	return nil
}

var _ Store = (*SupabaseTrailStore)(nil)

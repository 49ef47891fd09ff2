package analyses

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores analyses in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Record
	now  func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID: make(map[string]Record),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create stores the record.
func (r *MemoryRepo) Create(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	r.byID[rec.ID] = cloneRecord(rec)
	return nil
}

// GetByID returns a copy of the record.
func (r *MemoryRepo) GetByID(ctx context.Context, analysisID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[analysisID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Update applies patch atomically with its status guard.
func (r *MemoryRepo) Update(ctx context.Context, analysisID string, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[analysisID]
	if !ok {
		return ErrNotFound
	}
	if !patch.Allows(rec) {
		return ErrStatusConflict
	}
	patch.Apply(&rec)
	rec.UpdatedAt = r.now()
	r.byID[analysisID] = rec
	return nil
}

// List returns records newest first, with limit/offset.
func (r *MemoryRepo) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		if rec.Status == StatusDeleted {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	r.mu.RUnlock()

	if offset >= len(out) {
		return []Record{}, nil
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

func cloneRecord(rec Record) Record {
	if rec.IdentifiedRegulations != nil {
		rec.IdentifiedRegulations = append([]string(nil), rec.IdentifiedRegulations...)
	}
	if rec.StructuredReport != nil {
		rec.StructuredReport = append([]byte(nil), rec.StructuredReport...)
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		rec.CompletedAt = &t
	}
	return rec
}

var _ Repo = (*MemoryRepo)(nil)

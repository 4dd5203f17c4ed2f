package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository with the same guarded-update
// semantics as PostgresRepo. Useful for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]CallRecord

	// Err, when set, is returned by every method.
	Err error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: map[string]CallRecord{}}
}

func (r *MemoryRepo) Create(ctx context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *MemoryRepo) MarkActive(ctx context.Context, callID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	rec, ok := r.records[callID]
	if !ok || rec.Status != CallStatusInitiating {
		return false, nil
	}
	rec.Status = CallStatusActive
	rec.AnsweredAt = &at
	rec.UpdatedAt = at
	r.records[callID] = rec
	return true, nil
}

func (r *MemoryRepo) Finish(ctx context.Context, callID string, f Finish) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	if len(f.From) == 0 {
		return false, ErrInvalidArgument
	}
	rec, ok := r.records[callID]
	if !ok || !statusIn(rec.Status, f.From) {
		return false, nil
	}
	at := f.At
	rec.Status = f.Status
	rec.EndReason = f.Reason
	rec.DurationSeconds = f.DurationSeconds
	rec.EndedAt = &at
	rec.UpdatedAt = at
	r.records[callID] = rec
	return true, nil
}

func (r *MemoryRepo) FindByID(ctx context.Context, callID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return CallRecord{}, r.Err
	}
	rec, ok := r.records[callID]
	if !ok {
		return CallRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) ListByOrder(ctx context.Context, orderID string, limit int) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []CallRecord
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records exist.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func statusIn(s CallStatus, set []CallStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

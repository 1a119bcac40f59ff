package storage

import (
	"context"
	"fmt"
)

// Merger maps source records of type S onto stored records of type T.
type Merger[S, T any, K comparable] interface {
	// SourceKey returns the target key a source record belongs to.
	SourceKey(src S) (K, error)
	// New builds a record for a key not yet stored.
	New(key K, src S) (T, error)
	// Update applies src to trg and reports whether anything changed.
	Update(src S, trg *T) (bool, error)
}

// MergeResult counts what MergeAll did.
type MergeResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

func (r MergeResult) Changed() bool { return r.Inserted+r.Updated+r.Deleted > 0 }

func (r MergeResult) String() string {
	return fmt.Sprintf("inserted=%d updated=%d deleted=%d unchanged=%d", r.Inserted, r.Updated, r.Deleted, r.Unchanged)
}

// MergeAll reconciles src with the records in repo.
//
// Keys present only in src are inserted, keys present in both are updated when
// the merger reports a change, and with removeMissing the stored records whose
// key is absent from src are deleted. Later source records win on duplicate keys.
func MergeAll[S, T any, K comparable](ctx context.Context, repo Repository[T], src []S, targetKey func(T) K, m Merger[S, T, K], removeMissing bool) (MergeResult, error) {
	var res MergeResult

	bySrc := make(map[K]S, len(src))
	order := make([]K, 0, len(src))
	for i, s := range src {
		k, err := m.SourceKey(s)
		if err != nil {
			return res, fmt.Errorf("source record %d: %w", i, err)
		}
		if _, dup := bySrc[k]; !dup {
			order = append(order, k)
		}
		bySrc[k] = s
	}

	existing, err := repo.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list targets: %w", err)
	}
	byTrg := make(map[K]int, len(existing))
	for i, t := range existing {
		byTrg[targetKey(t)] = i
	}

	var inserts, updates, deletes []T
	for _, k := range order {
		s := bySrc[k]
		if idx, ok := byTrg[k]; ok {
			trg := existing[idx]
			changed, err := m.Update(s, &trg)
			if err != nil {
				return res, fmt.Errorf("update %v: %w", k, err)
			}
			if changed {
				updates = append(updates, trg)
			} else {
				res.Unchanged++
			}
			continue
		}
		t, err := m.New(k, s)
		if err != nil {
			return res, fmt.Errorf("new %v: %w", k, err)
		}
		inserts = append(inserts, t)
	}
	if removeMissing {
		for _, t := range existing {
			if _, ok := bySrc[targetKey(t)]; !ok {
				deletes = append(deletes, t)
			}
		}
	}

	if len(inserts) > 0 {
		if err := repo.Insert(ctx, inserts); err != nil {
			return res, fmt.Errorf("insert: %w", err)
		}
		res.Inserted = len(inserts)
	}
	if len(updates) > 0 {
		if err := repo.Update(ctx, updates); err != nil {
			return res, fmt.Errorf("update: %w", err)
		}
		res.Updated = len(updates)
	}
	if len(deletes) > 0 {
		if err := repo.Delete(ctx, deletes); err != nil {
			return res, fmt.Errorf("delete: %w", err)
		}
		res.Deleted = len(deletes)
	}
	return res, nil
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memStore struct {
	mu       sync.RWMutex
	closed   bool
	stations map[string]Station
	values   map[SeriesKey]map[int64]TSValue

	// afterWrite runs under mu after every successful batch.
	afterWrite func() error
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		stations: map[string]Station{},
		values:   map[SeriesKey]map[int64]TSValue{},
	}
}

func (s *memStore) Stations() Repository[Station] { return memStations{s: s} }

func (s *memStore) Series(key SeriesKey, from, to time.Time) Repository[TSValue] {
	return memSeries{s: s, key: key, from: from, to: to}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) write(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn()
	if s.afterWrite != nil {
		return s.afterWrite()
	}
	return nil
}

type memStations struct{ s *memStore }

func (r memStations) List(ctx context.Context) ([]Station, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.closed {
		return nil, ErrClosed
	}
	out := make([]Station, 0, len(r.s.stations))
	for _, st := range r.s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memStations) Insert(ctx context.Context, items []Station) error {
	return r.s.write(func() {
		for _, st := range items {
			r.s.stations[st.ID] = st
		}
	})
}

func (r memStations) Update(ctx context.Context, items []Station) error {
	return r.Insert(ctx, items)
}

func (r memStations) Delete(ctx context.Context, items []Station) error {
	return r.s.write(func() {
		for _, st := range items {
			delete(r.s.stations, st.ID)
		}
	})
}

type memSeries struct {
	s        *memStore
	key      SeriesKey
	from, to time.Time
}

func (r memSeries) in(t time.Time) bool {
	return (r.from.IsZero() || !t.Before(r.from)) && (r.to.IsZero() || !t.After(r.to))
}

func (r memSeries) List(ctx context.Context) ([]TSValue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if r.s.closed {
		return nil, ErrClosed
	}
	var out []TSValue
	for _, v := range r.s.values[r.key] {
		if r.in(v.Time) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (r memSeries) Insert(ctx context.Context, items []TSValue) error {
	return r.s.write(func() {
		m := r.s.values[r.key]
		if m == nil {
			m = map[int64]TSValue{}
			r.s.values[r.key] = m
		}
		for _, v := range items {
			v.SensorID, v.Duration = r.key.SensorID, r.key.Duration
			m[v.Time.Unix()] = v
		}
	})
}

func (r memSeries) Update(ctx context.Context, items []TSValue) error {
	return r.Insert(ctx, items)
}

func (r memSeries) Delete(ctx context.Context, items []TSValue) error {
	return r.s.write(func() {
		m := r.s.values[r.key]
		for _, v := range items {
			delete(m, v.Time.Unix())
		}
	})
}

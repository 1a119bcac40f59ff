package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "cdecimport/pkg/logx"
)

// fileStore keeps records in memory and rewrites one JSON snapshot after every
// change (write to <path>.tmp, then rename).
type fileStore struct {
	*memStore
	path string
	log  logx.Logger
}

type fileSnapshot struct {
	Stations []Station `json:"stations"`
	Values   []TSValue `json:"values"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{memStore: newMemStore(), path: path, log: log}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.memStore.afterWrite = s.snapshotLocked
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.Stations {
		s.stations[st.ID] = st
	}
	for _, v := range snap.Values {
		m := s.values[v.Key()]
		if m == nil {
			m = map[int64]TSValue{}
			s.values[v.Key()] = m
		}
		m[v.Time.Unix()] = v
	}
	s.log.Debug("file store loaded", logx.Int("stations", len(snap.Stations)), logx.Int("values", len(snap.Values)))
	return nil
}

func (s *fileStore) snapshotLocked() error {
	snap := fileSnapshot{
		Stations: make([]Station, 0, len(s.stations)),
	}
	for _, st := range s.stations {
		snap.Stations = append(snap.Stations, st)
	}
	sort.Slice(snap.Stations, func(i, j int) bool { return snap.Stations[i].ID < snap.Stations[j].ID })
	for _, m := range s.values {
		for _, v := range m {
			snap.Values = append(snap.Values, v)
		}
	}
	sort.Slice(snap.Values, func(i, j int) bool {
		a, b := snap.Values[i], snap.Values[j]
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		if a.Duration != b.Duration {
			return a.Duration < b.Duration
		}
		return a.Time.Before(b.Time)
	})

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

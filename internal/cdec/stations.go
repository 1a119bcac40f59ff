package cdec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"cdecimport/internal/importer"
	"cdecimport/internal/storage"
)

// StationRecord is one entry of the StationServlet record set.
type StationRecord struct {
	StationID   string   `json:"stationId"`
	StationName string   `json:"stationName"`
	Elevation   *float64 `json:"elevation"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	NearbyCity  string   `json:"nearbyCity"`
	HydroNum    *float64 `json:"hydroNum"`
	BasinNum    *float64 `json:"basinNum"`
	CountyNum   *float64 `json:"countyNum"`
	Operator    *float64 `json:"operator"`
	MapNumber   *float64 `json:"mapNumber"`
	CollectNum  *float64 `json:"collectNum"`
}

// ParseStations decodes the station record set. Records without a stationId
// are skipped.
func ParseStations(body []byte) ([]StationRecord, error) {
	var raw []StationRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode stations: %w", err)
	}
	out := raw[:0]
	for _, r := range raw {
		r.StationID = strings.TrimSpace(r.StationID)
		if r.StationID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// StationParser implements importer.Parser for the station servlet.
type StationParser struct{}

func (StationParser) Parse(ctx context.Context, args *importer.Args) error {
	body, _ := importer.Value[[]byte](args, importer.ParamPayload)
	body = bytes.TrimSpace(body)
	if isEmptyPayload(body) {
		return importer.ErrNotFound
	}
	recs, err := ParseStations(body)
	if err != nil {
		return importer.NoRetry(err)
	}
	if len(recs) == 0 {
		return importer.ErrNotFound
	}
	args.Set(importer.ParamRecords, recs)
	return nil
}

// stationMapper maps StationRecord onto storage.Station.
type stationMapper struct{}

func stationKey(s storage.Station) string { return s.ID }

func (stationMapper) SourceKey(r StationRecord) (string, error) {
	if r.StationID == "" {
		return "", errors.New("stationId is undefined")
	}
	return r.StationID, nil
}

func (stationMapper) New(key string, r StationRecord) (storage.Station, error) {
	st := storage.Station{
		ID:         key,
		Name:       strings.TrimSpace(r.StationName),
		Elevation:  elevation(r.Elevation),
		Latitude:   number(r.Latitude),
		Longitude:  number(r.Longitude),
		NearbyCity: strings.TrimSpace(r.NearbyCity),
		HydroNum:   code(r.HydroNum),
		BasinNum:   code(r.BasinNum),
		CountyNum:  code(r.CountyNum),
		Operator:   code(r.Operator),
		MapNumber:  code(r.MapNumber),
		CollectNum: code(r.CollectNum),
	}
	return st, nil
}

// Update refreshes the surveyed location only. Names and codes keep whatever
// was edited locally.
func (stationMapper) Update(r StationRecord, st *storage.Station) (bool, error) {
	changed := false
	if r.Elevation != nil {
		if e := elevation(r.Elevation); e != st.Elevation {
			st.Elevation = e
			changed = true
		}
	}
	if v := number(r.Latitude); v != nil && !sameFloat(v, st.Latitude) {
		st.Latitude = v
		changed = true
	}
	if v := number(r.Longitude); v != nil && !sameFloat(v, st.Longitude) {
		st.Longitude = v
		changed = true
	}
	return changed, nil
}

func elevation(v *float64) int {
	if v == nil || math.IsNaN(*v) || *v < storage.MissingElevation {
		return storage.MissingElevation
	}
	return int(math.Round(*v))
}

func number(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	n := *v
	return &n
}

// code keeps non-negative integer codes; CDEC sends -1 for unknown.
func code(v *float64) *int {
	if v == nil || math.IsNaN(*v) || *v < 0 {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StationMerger merges parsed station records into the store. Stations absent
// from the record set are deleted.
type StationMerger struct {
	Store storage.Store
}

func (m StationMerger) Merge(ctx context.Context, args *importer.Args) error {
	recs, ok := importer.Value[[]StationRecord](args, importer.ParamRecords)
	if !ok {
		return importer.NoRetry(errors.New("no parsed station records"))
	}
	res, err := storage.MergeAll(ctx, m.Store.Stations(), recs, stationKey, stationMapper{}, true)
	if err != nil {
		return err
	}
	args.Set(importer.ParamSummary, res.String())
	return nil
}

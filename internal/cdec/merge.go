package cdec

import (
	"context"
	"errors"
	"time"

	"cdecimport/internal/importer"
	"cdecimport/internal/storage"
)

// SeriesMerger merges parsed values into the sensor's series for the
// requested window. Steps the source no longer reports are kept.
type SeriesMerger struct {
	Store  storage.Store
	Sensor SensorInfo
	Start  time.Time
	End    time.Time
}

func (m SeriesMerger) Merge(ctx context.Context, args *importer.Args) error {
	values, ok := importer.Value[[]storage.TSValue](args, importer.ParamRecords)
	if !ok {
		return importer.NoRetry(errors.New("no parsed series values"))
	}
	key := storage.SeriesKey{SensorID: m.Sensor.SensorID, Duration: string(m.Sensor.Duration)}
	repo := m.Store.Series(key, m.Start, m.End)
	res, err := storage.MergeAll(ctx, repo, values, stepKey, seriesMapper{}, false)
	if err != nil {
		return err
	}
	args.Set(importer.ParamSummary, res.String())
	return nil
}

func stepKey(v storage.TSValue) int64 { return v.Time.UnixNano() }

type seriesMapper struct{}

func (seriesMapper) SourceKey(v storage.TSValue) (int64, error) {
	if v.Time.IsZero() {
		return 0, errors.New("time step is undefined")
	}
	return stepKey(v), nil
}

func (seriesMapper) New(_ int64, v storage.TSValue) (storage.TSValue, error) { return v, nil }

// Update copies the reading when its value, flag or obs time differ.
func (seriesMapper) Update(src storage.TSValue, trg *storage.TSValue) (bool, error) {
	if sameFloat(src.Value, trg.Value) && src.Flag == trg.Flag && src.ObsTime.Equal(trg.ObsTime) {
		return false, nil
	}
	trg.Value = number(src.Value)
	trg.Flag = src.Flag
	trg.ObsTime = src.ObsTime
	return true, nil
}

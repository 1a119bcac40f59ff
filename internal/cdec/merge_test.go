package cdec

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cdecimport/internal/importer"
	"cdecimport/internal/storage"
)

func runMerge(t *testing.T, stage importer.Merger, records any) string {
	t.Helper()
	var (
		mu   sync.Mutex
		msgs []string
	)
	job := importer.NewJob("merge", importer.Pipeline{
		Parse: importer.StageFunc(func(ctx context.Context, args *importer.Args) error {
			args.Set(importer.ParamRecords, records)
			return nil
		}),
		Merge: stage,
	})
	job.OnLog.Add(func(e importer.LogEvent) {
		mu.Lock()
		msgs = append(msgs, e.Message)
		mu.Unlock()
	})
	job.Run(context.Background())
	if job.Status() != importer.StatusCompleted {
		t.Fatalf("status = %v err = %v", job.Status(), job.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	return strings.Join(msgs, "\n")
}

func fp(v float64) *float64 { return &v }

func TestSeriesMergerUpdatesChangedSteps(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	defer store.Close()

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, Location) }
	m := SeriesMerger{Store: store, Sensor: dailySensor, Start: day(1), End: day(31)}
	vals := []storage.TSValue{
		{SensorID: 1201, Duration: "D", Time: day(2), ObsTime: day(2), Value: fp(1)},
		{SensorID: 1201, Duration: "D", Time: day(3), ObsTime: day(3), Value: fp(2)},
	}
	if log := runMerge(t, m, vals); !strings.Contains(log, "inserted=2 updated=0 deleted=0 unchanged=0") {
		t.Fatalf("first merge log = %q", log)
	}

	next := []storage.TSValue{
		vals[0],
		{SensorID: 1201, Duration: "D", Time: day(3), ObsTime: day(3), Value: nil, Flag: "m"},
	}
	if log := runMerge(t, m, next); !strings.Contains(log, "inserted=0 updated=1 deleted=0 unchanged=1") {
		t.Fatalf("second merge log = %q", log)
	}

	got, err := store.Series(storage.SeriesKey{SensorID: 1201, Duration: "D"}, day(1), day(31)).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Value != nil || got[1].Flag != "m" {
		t.Fatalf("stored = %+v", got)
	}
}

func TestStationMergerKeepsLocalEdits(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()

	recs, err := ParseStations([]byte(stationsJSON))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	runMerge(t, StationMerger{Store: store}, recs)

	moved := []StationRecord{
		{StationID: "ORO", StationName: "Renamed", Elevation: fp(901), Latitude: fp(39.54)},
		{StationID: "SHA", StationName: "Shasta Dam", Elevation: fp(1075), Latitude: fp(40.72), Longitude: fp(-122.42)},
		{StationID: "NEW"},
	}
	log := runMerge(t, StationMerger{Store: store}, moved)
	if !strings.Contains(log, "inserted=1 updated=1 deleted=0 unchanged=1") {
		t.Fatalf("merge log = %q", log)
	}

	got, err := store.Stations().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]storage.Station{}
	for _, st := range got {
		byID[st.ID] = st
	}
	oro := byID["ORO"]
	if oro.Name != "Oroville Dam" || oro.Elevation != 901 || oro.Longitude == nil || *oro.Longitude != -121.49 {
		t.Fatalf("ORO = %+v", oro)
	}
	if n := byID["NEW"]; n.Elevation != storage.MissingElevation || n.Latitude != nil {
		t.Fatalf("NEW = %+v", n)
	}
}

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// MissingElevation marks a station without a surveyed elevation.
const MissingElevation = -9999

// Station is one CDEC station record.
type Station struct {
	ID         string   `json:"station_id"`
	Name       string   `json:"name,omitempty"`
	Elevation  int      `json:"elevation"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	NearbyCity string   `json:"nearby_city,omitempty"`
	HydroNum   *int     `json:"hydro_num,omitempty"`
	BasinNum   *int     `json:"basin_num,omitempty"`
	CountyNum  *int     `json:"county_num,omitempty"`
	Operator   *int     `json:"operator,omitempty"`
	MapNumber  *int     `json:"map_number,omitempty"`
	CollectNum *int     `json:"collect_num,omitempty"`
}

// SeriesKey identifies one sensor time series.
type SeriesKey struct {
	SensorID int    `json:"sensor_id"`
	Duration string `json:"duration"`
}

// TSValue is one time step of a series. A nil Value is a missing reading.
type TSValue struct {
	SensorID int       `json:"sensor_id"`
	Duration string    `json:"duration"`
	Time     time.Time `json:"time"`
	ObsTime  time.Time `json:"obs_time,omitempty"`
	Value    *float64  `json:"value,omitempty"`
	Flag     string    `json:"flag,omitempty"`
}

func (v TSValue) Key() SeriesKey { return SeriesKey{SensorID: v.SensorID, Duration: v.Duration} }

// Repository is the batch CRUD surface MergeAll works against.
type Repository[T any] interface {
	List(ctx context.Context) ([]T, error)
	Insert(ctx context.Context, items []T) error
	Update(ctx context.Context, items []T) error
	Delete(ctx context.Context, items []T) error
}

// Store is the persistence API used by the importers.
type Store interface {
	Stations() Repository[Station]
	// Series scopes a repository to the steps of key within [from, to].
	Series(key SeriesKey, from, to time.Time) Repository[TSValue]
	Close() error
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "cdecimport/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Stations() Repository[Station] { return sqlStations{db: s.db} }

func (s *sqliteStore) Series(key SeriesKey, from, to time.Time) Repository[TSValue] {
	return sqlSeries{db: s.db, key: key, from: from, to: to}
}

// inTx executes query once per item inside one transaction.
func inTx[T any](ctx context.Context, db *sql.DB, query string, items []T, args func(T) []any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, args(it)...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

type sqlStations struct{ db *sql.DB }

const stationUpsert = `INSERT INTO stations(station_id, name, elevation, latitude, longitude, nearby_city,
  hydro_num, basin_num, county_num, operator, map_number, collect_num, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(station_id) DO UPDATE SET
  name=excluded.name, elevation=excluded.elevation, latitude=excluded.latitude,
  longitude=excluded.longitude, nearby_city=excluded.nearby_city, hydro_num=excluded.hydro_num,
  basin_num=excluded.basin_num, county_num=excluded.county_num, operator=excluded.operator,
  map_number=excluded.map_number, collect_num=excluded.collect_num, updated_at=excluded.updated_at`

func (r sqlStations) List(ctx context.Context) ([]Station, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT station_id, name, elevation, latitude, longitude, nearby_city,
	  hydro_num, basin_num, county_num, operator, map_number, collect_num FROM stations ORDER BY station_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var (
			st                                   Station
			name, city                           sql.NullString
			lat, lon                             sql.NullFloat64
			hydro, basin, county, op, mapn, coll sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &name, &st.Elevation, &lat, &lon, &city, &hydro, &basin, &county, &op, &mapn, &coll); err != nil {
			return nil, err
		}
		st.Name, st.NearbyCity = name.String, city.String
		st.Latitude, st.Longitude = floatPtr(lat), floatPtr(lon)
		st.HydroNum, st.BasinNum, st.CountyNum = intPtr(hydro), intPtr(basin), intPtr(county)
		st.Operator, st.MapNumber, st.CollectNum = intPtr(op), intPtr(mapn), intPtr(coll)
		out = append(out, st)
	}
	return out, rows.Err()
}

func stationArgs(st Station) []any {
	return []any{
		st.ID, nullStr(st.Name), st.Elevation, ptrArg(st.Latitude), ptrArg(st.Longitude), nullStr(st.NearbyCity),
		ptrArg(st.HydroNum), ptrArg(st.BasinNum), ptrArg(st.CountyNum), ptrArg(st.Operator),
		ptrArg(st.MapNumber), ptrArg(st.CollectNum), now(),
	}
}

func (r sqlStations) Insert(ctx context.Context, items []Station) error {
	return inTx(ctx, r.db, stationUpsert, items, stationArgs)
}

func (r sqlStations) Update(ctx context.Context, items []Station) error {
	return inTx(ctx, r.db, stationUpsert, items, stationArgs)
}

func (r sqlStations) Delete(ctx context.Context, items []Station) error {
	return inTx(ctx, r.db, `DELETE FROM stations WHERE station_id = ?`, items, func(st Station) []any { return []any{st.ID} })
}

type sqlSeries struct {
	db       *sql.DB
	key      SeriesKey
	from, to time.Time
}

const valueUpsert = `INSERT INTO ts_values(sensor_id, duration, step_time, obs_time, value, flag, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(sensor_id, duration, step_time) DO UPDATE SET
  obs_time=excluded.obs_time, value=excluded.value, flag=excluded.flag, updated_at=excluded.updated_at`

func (r sqlSeries) List(ctx context.Context) ([]TSValue, error) {
	from, to := int64(-1<<62), int64(1<<62)
	if !r.from.IsZero() {
		from = r.from.Unix()
	}
	if !r.to.IsZero() {
		to = r.to.Unix()
	}
	rows, err := r.db.QueryContext(ctx, `SELECT step_time, obs_time, value, flag FROM ts_values
	  WHERE sensor_id = ? AND duration = ? AND step_time BETWEEN ? AND ? ORDER BY step_time`,
		r.key.SensorID, r.key.Duration, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TSValue
	for rows.Next() {
		var (
			step int64
			obs  sql.NullInt64
			val  sql.NullFloat64
			flag sql.NullString
		)
		if err := rows.Scan(&step, &obs, &val, &flag); err != nil {
			return nil, err
		}
		v := TSValue{
			SensorID: r.key.SensorID,
			Duration: r.key.Duration,
			Time:     time.Unix(step, 0).UTC(),
			Value:    floatPtr(val),
			Flag:     flag.String,
		}
		if obs.Valid {
			v.ObsTime = time.Unix(obs.Int64, 0).UTC()
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r sqlSeries) args(v TSValue) []any {
	var obs any
	if !v.ObsTime.IsZero() {
		obs = v.ObsTime.Unix()
	}
	return []any{r.key.SensorID, r.key.Duration, v.Time.Unix(), obs, ptrArg(v.Value), nullStr(v.Flag), now()}
}

func (r sqlSeries) Insert(ctx context.Context, items []TSValue) error {
	return inTx(ctx, r.db, valueUpsert, items, r.args)
}

func (r sqlSeries) Update(ctx context.Context, items []TSValue) error {
	return inTx(ctx, r.db, valueUpsert, items, r.args)
}

func (r sqlSeries) Delete(ctx context.Context, items []TSValue) error {
	return inTx(ctx, r.db, `DELETE FROM ts_values WHERE sensor_id = ? AND duration = ? AND step_time = ?`, items,
		func(v TSValue) []any { return []any{r.key.SensorID, r.key.Duration, v.Time.Unix()} })
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

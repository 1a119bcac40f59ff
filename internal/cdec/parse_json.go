package cdec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"cdecimport/internal/storage"
)

type seriesRecord struct {
	SensorID   *int     `json:"sensorId"`
	ActualDate string   `json:"actualDate"`
	ObsDate    string   `json:"obsDate"`
	Value      *float64 `json:"value"`
	DataFlag   string   `json:"dataFlag"`
}

// ParseJSONSeries decodes a servlet response for sensor.
//
// Every record must carry the sensor's id and a parsable actualDate. A missing
// or unparsable obsDate falls back to actualDate for durations that report
// one. Empty objects are skipped.
func ParseJSONSeries(body []byte, sensor SensorInfo) ([]storage.TSValue, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}

	d := sensor.Duration
	out := make([]storage.TSValue, 0, len(raw))
	for i, msg := range raw {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(msg, &probe); err != nil {
			return nil, recordErr(i, err)
		}
		if len(probe) == 0 {
			continue
		}
		var rec seriesRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			return nil, recordErr(i, err)
		}

		switch {
		case rec.SensorID == nil || *rec.SensorID <= 0:
			return nil, recordErr(i, errors.New("sensorId is undefined"))
		case *rec.SensorID != sensor.SensorID:
			return nil, recordErr(i, fmt.Errorf("sensorId %d does not match sensor %d", *rec.SensorID, sensor.SensorID))
		}

		actual, err := d.ParseDataTime(rec.ActualDate)
		if err != nil {
			return nil, recordErr(i, fmt.Errorf("actualDate: %w", err))
		}
		v := storage.TSValue{
			SensorID: sensor.SensorID,
			Duration: string(d),
			Time:     actual,
			Flag:     rec.DataFlag,
		}
		if d.HasObsDate() {
			obs, err := d.ParseDataTime(rec.ObsDate)
			if err != nil {
				obs = actual
			}
			v.ObsTime = obs
		}
		if rec.Value != nil && !math.IsNaN(*rec.Value) {
			val := *rec.Value
			v.Value = &val
		}
		out = append(out, v)
	}
	return out, nil
}

package cdec

import (
	"bytes"
	"context"
	"fmt"

	"cdecimport/internal/importer"
	"cdecimport/internal/storage"
)

// SeriesParser turns a fetched payload into []storage.TSValue under
// importer.ParamRecords. JSON arrays go through ParseJSONSeries, anything else
// is read as SHEF .A lines.
type SeriesParser struct {
	Sensor SensorInfo
}

func (p SeriesParser) Parse(ctx context.Context, args *importer.Args) error {
	body, _ := importer.Value[[]byte](args, importer.ParamPayload)
	body = bytes.TrimSpace(body)
	if isEmptyPayload(body) {
		return importer.ErrNotFound
	}

	var (
		values []storage.TSValue
		err    error
	)
	if body[0] == '[' || body[0] == '{' {
		values, err = ParseJSONSeries(body, p.Sensor)
	} else {
		values, err = ParseSHEF(body, p.Sensor)
	}
	if err != nil {
		return importer.NoRetry(err)
	}
	if len(values) == 0 {
		return importer.ErrNotFound
	}
	args.Set(importer.ParamRecords, values)
	return nil
}

func isEmptyPayload(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return len(b) >= 2 && b[0] == '[' && b[len(b)-1] == ']' && len(bytes.TrimSpace(b[1:len(b)-1])) == 0
}

func recordErr(i int, err error) error {
	return fmt.Errorf("record[%d]: %w", i+1, err)
}

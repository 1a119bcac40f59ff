package cdec

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cdecimport/internal/storage"
)

const (
	shefFormatID = ".A"
	shefFields   = 7
	// Values at or below this are CDEC's missing-data sentinels.
	shefMissing = -9990.0
	flagMissing = "m"
)

var (
	shefFlagStrip = regexp.MustCompile(`[0-9.\s+-]`)
	shefNumStrip  = regexp.MustCompile(`[^-.\d]`)
)

// ParseSHEF reads SHEF .A records, one per line:
//
//	ORO  20240102 P DH0800 /HG 1.25
//
// split on single spaces into seven fields (padding yields empty fields): the date in field 3 (yyyyMMdd),
// the time in the last four characters of field 5 (HHmm) and the value in
// field 7. Lines starting with ".A" are headers. Malformed lines are skipped.
// A time of 2400 is midnight of the following day.
func ParseSHEF(body []byte, sensor SensorInfo) ([]storage.TSValue, error) {
	var out []storage.TSValue
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, shefFormatID) {
			continue
		}
		v, ok := parseSHEFLine(line, sensor)
		if ok {
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read shef: %w", err)
	}
	return out, nil
}

func parseSHEFLine(line string, sensor SensorInfo) (storage.TSValue, bool) {
	fields := strings.Split(line, " ")
	if len(fields) != shefFields {
		return storage.TSValue{}, false
	}
	date := strings.TrimSpace(fields[2])
	clock := strings.TrimSpace(fields[4])
	if len(date) != 8 || len(clock) < 4 {
		return storage.TSValue{}, false
	}
	clock = clock[len(clock)-4:]
	var roll time.Duration
	if strings.HasPrefix(clock, "24") {
		clock, roll = "00"+clock[2:], 24*time.Hour
	}
	at, err := time.ParseInLocation("20060102 1504", date+" "+clock, Location)
	if err != nil {
		return storage.TSValue{}, false
	}
	at = at.Add(roll)

	v := storage.TSValue{
		SensorID: sensor.SensorID,
		Duration: string(sensor.Duration),
		Time:     at,
		ObsTime:  at,
	}
	raw := strings.TrimSpace(fields[6])
	if raw == "" {
		v.Flag = flagMissing
		return v, true
	}
	v.Flag = shefFlagStrip.ReplaceAllString(raw, "")
	if n, err := strconv.ParseFloat(shefNumStrip.ReplaceAllString(raw, ""), 64); err == nil {
		if n <= shefMissing {
			v.Flag = flagMissing
		} else {
			v.Value = &n
		}
	}
	return v, true
}

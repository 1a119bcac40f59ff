package cdec

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a CDEC sensor duration code.
type Duration string

const (
	Hourly  Duration = "H"
	Daily   Duration = "D"
	Monthly Duration = "M"
	Event   Duration = "E"
)

// DefaultBaseURL hosts the CDEC data servlets.
const DefaultBaseURL = "https://cdec.water.ca.gov/preciptemp/req/"

// Location is the fixed Pacific Standard Time zone CDEC reports in.
var Location = time.FixedZone("PST", -8*60*60)

type durationInfo struct {
	label      string
	servlet    string
	urlLayout  string
	dataLayout string
	hasObs     bool
}

var durations = map[Duration]durationInfo{
	Hourly:  {label: "Hourly", servlet: "HourlyDataServlet", urlLayout: "2006-01-02T15:04:05", dataLayout: "2006-01-02 15:04:05"},
	Daily:   {label: "Daily", servlet: "DailyDataServlet", urlLayout: "2006-01-02", dataLayout: "2006-01-02 15:04", hasObs: true},
	Monthly: {label: "Monthly", servlet: "MonthlyDataServlet", urlLayout: "2006-01", dataLayout: "2006-01-02 15:04:05", hasObs: true},
	Event:   {label: "Event", servlet: "EventDataServlet", urlLayout: "2006-01-02T15:04:05", dataLayout: "2006-01-02 15:04:05"},
}

// ParseDuration accepts a code ("D") or a label ("daily").
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	for d, info := range durations {
		if strings.EqualFold(s, string(d)) || strings.EqualFold(s, info.label) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown duration %q", s)
}

func (d Duration) Valid() bool {
	_, ok := durations[d]
	return ok
}

func (d Duration) String() string {
	if info, ok := durations[d]; ok {
		return info.label
	}
	return "Unknown"
}

// Servlet is the servlet path relative to the base URL.
func (d Duration) Servlet() string { return durations[d].servlet }

// FormatRequestTime renders t the way the servlet expects its Start/End params.
func (d Duration) FormatRequestTime(t time.Time) string {
	return t.In(Location).Format(durations[d].urlLayout)
}

// ParseDataTime parses an actualDate or obsDate from a JSON record.
func (d Duration) ParseDataTime(s string) (time.Time, error) {
	return time.ParseInLocation(durations[d].dataLayout, strings.TrimSpace(s), Location)
}

// HasObsDate reports whether records of this duration carry an obsDate.
func (d Duration) HasObsDate() bool { return durations[d].hasObs }

package cdec

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cdecimport/internal/importer"
)

// StationServlet lists every CDEC station as a JSON record set.
const StationServlet = "StationServlet"

func joinURL(base, path string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func appendParam(u, key, val string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + url.QueryEscape(key) + "=" + url.QueryEscape(val)
}

// SeriesRequest builds the servlet URL for one sensor and window.
type SeriesRequest struct {
	BaseURL string
	Sensor  SensorInfo
	Start   time.Time
	End     time.Time
}

// URL renders the request, e.g.
//
//	.../DailyDataServlet?Start=2024-01-01&End=2024-01-31&SensorNums=2&Stations=ABC
func (r SeriesRequest) URL() string {
	d := r.Sensor.Duration
	u := joinURL(r.BaseURL, d.Servlet())
	u = appendParam(u, "Start", d.FormatRequestTime(r.Start))
	u = appendParam(u, "End", d.FormatRequestTime(r.End))
	u = appendParam(u, "SensorNums", strconv.Itoa(r.Sensor.SensorNo))
	u = appendParam(u, "Stations", r.Sensor.StationID)
	return u
}

// BuildRequest implements importer.RequestBuilder.
func (r SeriesRequest) BuildRequest(ctx context.Context, args *importer.Args) error {
	if err := r.Sensor.Validate(); err != nil {
		return importer.NoRetry(err)
	}
	args.Set(importer.ParamURL, r.URL())
	return nil
}

// StationRequest builds the station list URL.
type StationRequest struct {
	BaseURL string
}

func (r StationRequest) BuildRequest(ctx context.Context, args *importer.Args) error {
	args.Set(importer.ParamURL, joinURL(r.BaseURL, StationServlet))
	return nil
}

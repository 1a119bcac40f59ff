package config

// Config is the file configuration of cdecimport.
//
// All durations are Go duration strings ("500ms", "10s", "1m") with an extra
// "d" suffix for whole days ("30d").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Importer ImporterConfig `json:"importer"`
	Fetch    FetchConfig    `json:"fetch"`
	Storage  StorageConfig  `json:"storage"`
	Status   StatusConfig   `json:"status"`

	// Sensors is the default sensor list for time series schedules.
	Sensors   []SensorConfig   `json:"sensors,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ImporterConfig controls job admission.
//
// Defaults: auto_start false, max_concurrency 1 (max 10), max_retries 10.
type ImporterConfig struct {
	AutoStart      bool `json:"auto_start"`
	MaxConcurrency int  `json:"max_concurrency,omitempty"`
	MaxRetries     int  `json:"max_retries,omitempty"`
}

// FetchConfig controls the HTTP fetch stage.
//
// Example:
//
//	"fetch": { "base_url": "https://cdec.water.ca.gov/preciptemp/req/", "timeout": "60s", "rate_per_sec": 2 }
type FetchConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
}

// StorageConfig selects the store.
//
//	"storage": { "driver": "sqlite", "path": "./data/cdec.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// StatusConfig controls the operational HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/). A non-loopback addr needs a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type SensorConfig struct {
	SensorID  int    `json:"sensor_id"`
	SensorNo  int    `json:"sensor_no"`
	Acronym   string `json:"acronym,omitempty"`
	Duration  string `json:"duration"`
	StationID string `json:"station_id"`
	BasinNum  int    `json:"basin_num,omitempty"`
}

const (
	KindTimeSeries = "time_series"
	KindStations   = "stations"
)

// ScheduleConfig triggers an import batch.
//
// Spec accepts a cron expression ("0 6 * * *"), an interval ("55m", or
// "02:30" for two and a half hours) or a time of day ("daily:06:30"). The
// prefixes cron:, interval: and every: force a form. Time series schedules
// import [now-lookback, now] for Sensors, or for the top-level sensors when
// empty.
type ScheduleConfig struct {
	Name     string         `json:"name"`
	Spec     string         `json:"spec"`
	Kind     string         `json:"kind"`
	Lookback string         `json:"lookback,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Sensors  []SensorConfig `json:"sensors,omitempty"`
}

package cdec

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNoSensor = errors.New("sensor info is undefined")

// SensorInfo identifies one station sensor to import.
type SensorInfo struct {
	// SensorID is the CDEC-wide id echoed back as sensorId in every record.
	SensorID int `json:"sensor_id" yaml:"sensor_id" toml:"sensor_id"`
	// SensorNo is the sensor number sent as SensorNums.
	SensorNo  int      `json:"sensor_no" yaml:"sensor_no" toml:"sensor_no"`
	Acronym   string   `json:"acronym" yaml:"acronym" toml:"acronym"`
	Duration  Duration `json:"duration" yaml:"duration" toml:"duration"`
	StationID string   `json:"station_id" yaml:"station_id" toml:"station_id"`
	BasinNum  int      `json:"basin_num,omitempty" yaml:"basin_num,omitempty" toml:"basin_num,omitempty"`
}

// Validate checks the fields a request needs.
func (s SensorInfo) Validate() error {
	switch {
	case s.SensorID <= 0:
		return fmt.Errorf("sensor %q: sensor_id must be positive", s.Acronym)
	case s.SensorNo <= 0:
		return fmt.Errorf("sensor %d: sensor_no must be positive", s.SensorID)
	case strings.TrimSpace(s.StationID) == "":
		return fmt.Errorf("sensor %d: station_id is empty", s.SensorID)
	case !s.Duration.Valid():
		return fmt.Errorf("sensor %d: unknown duration %q", s.SensorID, string(s.Duration))
	}
	return nil
}

// ProcessName is the job name used in logs and status events.
func ProcessName(s *SensorInfo) (string, error) {
	if s == nil {
		return "", ErrNoSensor
	}
	acr := s.Acronym
	if acr == "" {
		acr = fmt.Sprint(s.SensorNo)
	}
	return fmt.Sprintf("Import Station[%s].Sensor[%s]", s.StationID, acr), nil
}

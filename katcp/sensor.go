package katcp

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// SensorStatus is the reported health of a process-local sensor.
type SensorStatus string

// Sensor statuses.
const (
	StatusNominal SensorStatus = "nominal"
	StatusWarn    SensorStatus = "warn"
	StatusError   SensorStatus = "error"
	StatusUnknown SensorStatus = "unknown"
)

// Sensor is one process-local monitoring value exposed over sensor-list
// and sensor-value. These describe the server process itself, not subarray
// state; subarray telemetry lives in the shared store.
type Sensor struct {
	Name        string
	Description string
	Units       string

	mu     sync.RWMutex
	status SensorStatus
	value  string
}

// NewSensor creates a sensor with an initial value and nominal status.
func NewSensor(name, description, units, initial string) *Sensor {
	return &Sensor{
		Name:        name,
		Description: description,
		Units:       units,
		status:      StatusNominal,
		value:       initial,
	}
}

// Set updates the sensor's value and status.
func (s *Sensor) Set(status SensorStatus, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.value = value
}

// Read returns the current status and value.
func (s *Sensor) Read() (SensorStatus, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.value
}

// sensorSet holds the server's process-local sensors.
type sensorSet struct {
	mu      sync.RWMutex
	sensors map[string]*Sensor
}

func newSensorSet() *sensorSet {
	return &sensorSet{sensors: make(map[string]*Sensor)}
}

func (ss *sensorSet) add(s *Sensor) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sensors[s.Name] = s
}

func (ss *sensorSet) get(name string) (*Sensor, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.sensors[name]
	return s, ok
}

func (ss *sensorSet) sorted() []*Sensor {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]*Sensor, 0, len(ss.sensors))
	for _, s := range ss.sensors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// timestamp renders the protocol's seconds-since-epoch form.
func timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

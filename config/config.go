// Package config loads and validates the backend's YAML configuration:
// store connection, control-protocol listener, metrics endpoint, the
// processing-node fleet and the sensor lists the subscription manager
// fetches and follows.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/coordinator"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/sensors"
)

// Config is the complete backend configuration. Zero values fall back to
// Default() field by field during Load.
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sensors     sensors.Lists     `yaml:"sensors"`
}

// NATSConfig is the shared store connection.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// ServerConfig is the control-protocol listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig is the Prometheus scrape endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// CoordinatorConfig describes the gateway domain and the processing-node
// fleet the coordinator drives.
type CoordinatorConfig struct {
	Domain             string   `yaml:"domain"`
	HashpipeInstances  []string `yaml:"hashpipe_instances"`
	StreamsPerInstance int      `yaml:"streams_per_instance"`
	TriggerMode        string   `yaml:"trigger_mode"`
	DwellPause         Duration `yaml:"dwell_pause"`
	TargetRetries      int      `yaml:"target_retries"`
	TargetRetryWait    Duration `yaml:"target_retry_wait"`
}

// Duration parses Go duration strings ("250ms", "15s") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, errors.ErrInvalidConfig)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when a field is absent from the
// file. The sensor lists mirror the MeerKAT deployment's defaults.
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL:    "nats://localhost:4222",
			Bucket: "bluse",
		},
		Server: ServerConfig{
			Addr: ":7147",
		},
		Metrics: MetricsConfig{
			Addr: ":8081",
			Path: "/metrics",
		},
		Coordinator: CoordinatorConfig{
			Domain:             "bluse",
			StreamsPerInstance: 4,
			TriggerMode:        coordinator.TriggerArmed,
			DwellPause:         Duration(100 * time.Millisecond),
			TargetRetries:      5,
			TargetRetryWait:    Duration(15 * time.Second),
		},
		Sensors: sensors.Lists{
			SubarrayOnConfigure: []string{"pool_resources", "band"},
			SubarraySub:         []string{"observation_activity"},
			CBFOnConfigure: []string{
				"sync_time",
				"adc_sample_rate",
				"antenna_channelised_voltage_n_chans_per_substream",
				"antenna_channelised_voltage_n_samples_between_spectra",
				"tied_array_channelised_voltage_0x_spectra_per_heap",
			},
			CBFSub: []string{"input_data_suspect"},
			StreamOnConfigure: []string{
				"antenna_channelised_voltage_centre_frequency",
				"antenna_channelised_voltage_bandwidth",
			},
			StreamSub: []string{},
			PerAntennaSub: []string{
				"target",
				"data_suspect",
				"activity",
				"pos_request_base_ra",
				"pos_request_base_dec",
				"pos_request_base_azim",
				"pos_request_base_elev",
				"ap_point_error_refraction_enabled",
				"dig_noise_diode",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown fields are
// rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read "+path)
	}
	cfg := Default()
	if err := unmarshalStrict(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func unmarshalStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if stderrors.Is(err, io.EOF) {
		return nil // empty file keeps the defaults
	}
	return err
}

// Validate checks the invariants a running backend depends on.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.NATS.Bucket == "" {
		return invalid("nats.bucket is required")
	}
	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if c.Coordinator.Domain == "" {
		return invalid("coordinator.domain is required")
	}
	if c.Coordinator.StreamsPerInstance <= 0 {
		return invalid("coordinator.streams_per_instance must be positive")
	}
	if len(c.Coordinator.HashpipeInstances) == 0 {
		return invalid("coordinator.hashpipe_instances must name at least one node")
	}
	seen := make(map[string]bool, len(c.Coordinator.HashpipeInstances))
	for _, host := range c.Coordinator.HashpipeInstances {
		if host == "" {
			return invalid("coordinator.hashpipe_instances contains an empty name")
		}
		if seen[host] {
			return invalid("coordinator.hashpipe_instances repeats " + host)
		}
		seen[host] = true
	}
	if mode := c.Coordinator.TriggerMode; mode != "" && !coordinator.ValidTriggerMode(mode) {
		return invalid(fmt.Sprintf("coordinator.trigger_mode %q not recognised", mode))
	}
	return nil
}

func invalid(reason string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", reason)
}

// CoordinatorConfig converts the file form into the coordinator's runtime
// configuration.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Domain:             c.Coordinator.Domain,
		Instances:          c.Coordinator.HashpipeInstances,
		StreamsPerInstance: c.Coordinator.StreamsPerInstance,
		TriggerMode:        c.Coordinator.TriggerMode,
	}
}

package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kessler-farms/gensetd/pid"
)

// ConfigError reports a missing or invalid required field. It is fatal to
// the owning component's startup; the scheduler logs it and proceeds without
// the component unless the component is mandatory.
type ConfigError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s config: %s: %s", e.Component, e.Field, e.Reason)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ControllerConfig selects and parameterizes the generator controller's
// register transport. Mode is "tcp" or "rtu"; each mode has its own required
// fields.
type ControllerConfig struct {
	Mode            string  `yaml:"mode"`
	MeasurementFile string  `yaml:"mlistfile"`
	PollInterval    float64 `yaml:"poll_interval"` // seconds between descriptor sweeps

	// TCP mode
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RTU mode
	Device   string `yaml:"dev"`
	Baudrate int    `yaml:"baudrate"`
	SlaveID  byte   `yaml:"id"`
}

// Validate checks that all fields required for the selected mode are present.
func (c *ControllerConfig) Validate() error {
	if c.MeasurementFile == "" {
		return &ConfigError{"controller", "mlistfile", "measurement list file is required"}
	}
	switch c.Mode {
	case "tcp":
		if c.Host == "" {
			return &ConfigError{"controller", "host", "required for tcp mode"}
		}
		if c.Port == 0 {
			return &ConfigError{"controller", "port", "required for tcp mode"}
		}
	case "rtu":
		if c.Device == "" {
			return &ConfigError{"controller", "dev", "required for rtu mode"}
		}
		if c.Baudrate == 0 {
			return &ConfigError{"controller", "baudrate", "required for rtu mode"}
		}
		if c.SlaveID == 0 {
			return &ConfigError{"controller", "id", "required for rtu mode"}
		}
	case "":
		return &ConfigError{"controller", "mode", "required; must be 'tcp' or 'rtu'"}
	default:
		return &ConfigError{"controller", "mode", fmt.Sprintf("unknown mode %q; must be 'tcp' or 'rtu'", c.Mode)}
	}
	return nil
}

// BMSConfig parameterizes the battery management system's serial line.
type BMSConfig struct {
	Device   string `yaml:"dev"`
	Baudrate int    `yaml:"baudrate"`
}

// Validate checks the required serial fields.
func (c *BMSConfig) Validate() error {
	if c.Device == "" {
		return &ConfigError{"bms", "dev", "serial device is required"}
	}
	if c.Baudrate == 0 {
		return &ConfigError{"bms", "baudrate", "required"}
	}
	return nil
}

// AnalogMeasurement describes one onboard sensor channel.
type AnalogMeasurement struct {
	Name    string  `yaml:"name"`
	Units   string  `yaml:"units"`
	Channel string  `yaml:"channel"`
	Gain    float64 `yaml:"gain"`
	Offset  float64 `yaml:"offset"`
}

// AnalogConfig parameterizes the block-averaging analog acquisition.
type AnalogConfig struct {
	Frequency    float64             `yaml:"frequency"` // master period, seconds
	Averages     int                 `yaml:"averages"`  // samples per published value
	Measurements []AnalogMeasurement `yaml:"measurements"`
}

// Validate rejects an empty channel list or a zero averaging count.
func (c *AnalogConfig) Validate() error {
	if c.Frequency <= 0 {
		return &ConfigError{"analog", "frequency", "must be positive"}
	}
	if c.Averages < 1 {
		return &ConfigError{"analog", "averages", "cannot average 0 values"}
	}
	if len(c.Measurements) == 0 {
		return &ConfigError{"analog", "measurements", "at least one channel is required"}
	}
	for i, m := range c.Measurements {
		if m.Name == "" || m.Channel == "" {
			return &ConfigError{"analog", "measurements",
				fmt.Sprintf("entry %d: name and channel are required", i)}
		}
	}
	return nil
}

// MQTTConfig parameterizes the optional telemetry publisher. Credentials
// come from the environment, not this file.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"` // topic prefix for state and event messages
}

// Validate checks the broker address is present and defaults the rest.
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return &ConfigError{"mqtt", "broker", "broker address is required"}
	}
	if c.ClientID == "" {
		c.ClientID = "gensetd"
	}
	if c.Prefix == "" {
		c.Prefix = "gensetd"
	}
	return nil
}

// Config is the whole daemon configuration.
type Config struct {
	// Which components to run. Analog and PID are mandatory for the control
	// loop; the rest degrade gracefully when absent.
	Enabled []string `yaml:"enabled"`

	Controller ControllerConfig `yaml:"controller"`
	BMS        BMSConfig        `yaml:"bms"`
	Analog     AnalogConfig     `yaml:"analog"`
	PID        pid.Config       `yaml:"pid"`
	MQTT       MQTTConfig       `yaml:"mqtt"`

	TuningFile     string `yaml:"tuning_file"`
	LogDir         string `yaml:"log_dir"`
	WatchdogDevice string `yaml:"watchdog_device"`

	// Onboard analog hardware, addressed through the kernel IIO interface.
	ADCPath             string  `yaml:"adc_path"`
	DACPath             string  `yaml:"dac_path"`
	DACFullScale        float64 `yaml:"dac_full_scale"` // raw count at full output
	ActuatorChannel     string  `yaml:"actuator_channel"`
	FuelGaugeChannel    string  `yaml:"fuel_gauge_channel"`
	BatteryGaugeChannel string  `yaml:"battery_gauge_channel"`
}

// ComponentEnabled reports whether name appears in the enabled list.
func (c *Config) ComponentEnabled(name string) bool {
	for _, n := range c.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baked-in configuration used when no file is
// given. Field values mirror the shipped installation.
func DefaultConfig() Config {
	return Config{
		Enabled: []string{"controller", "bms", "analog", "pid", "filewriter"},
		Controller: ControllerConfig{
			Mode:            "rtu",
			MeasurementFile: "measurements.csv",
			PollInterval:    0.01,
			Baudrate:        19200,
			Device:          "/dev/ttyS1",
			SlaveID:         10,
		},
		BMS: BMSConfig{
			Device:   "/dev/ttyS4",
			Baudrate: 9600,
		},
		Analog: AnalogConfig{
			Frequency: 1.0,
			Averages:  64,
			Measurements: []AnalogMeasurement{
				{Name: "an_300v_cur", Units: "A", Channel: "AIN0", Gain: 40.0, Offset: -0.2},
				{Name: "an_300v_volt", Units: "V", Channel: "AIN1", Gain: 191.4, Offset: 0.4},
			},
		},
		PID: pid.Config{
			Kp:         0.2,
			Ki:         0.4,
			Kd:         0.0,
			Setpoint:   25.0, // amps on the generator trunk
			SampleTime: 1.0,
			Slew:       25.0,
		},
		TuningFile:     "tuning.yaml",
		LogDir:         "logs",
		WatchdogDevice: "/dev/watchdog",

		ADCPath:             "/sys/bus/iio/devices/iio:device0",
		DACPath:             "/sys/bus/iio/devices/iio:device1",
		DACFullScale:        4095,
		ActuatorChannel:     "AOUT0",
		FuelGaugeChannel:    "AOUT1",
		BatteryGaugeChannel: "AOUT2",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Tuning is the small record reloaded at runtime to retune the PID without
// restarting the daemon. Absence or unreadability of the file is not an
// error; the previous tunings stay in effect.
type Tuning struct {
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Setpoint float64 `yaml:"setpoint"`
}

// LoadTuning reads the tuning file.
func LoadTuning(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	return t, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsADC reads raw analog samples through the kernel's IIO sysfs
// interface. Channel names follow the board silkscreen ("AIN0"); the
// trailing number selects the in_voltage<N>_raw attribute.
type SysfsADC struct {
	dir string
}

// NewSysfsADC points the reader at an IIO device directory.
func NewSysfsADC(dir string) *SysfsADC {
	return &SysfsADC{dir: dir}
}

// Read returns one raw sample from the named channel, scaled to volts by
// the device's in_voltage_scale attribute when present.
func (a *SysfsADC) Read(channel string) (float64, error) {
	n, err := channelNumber(channel)
	if err != nil {
		return 0, err
	}
	raw, err := readSysfsFloat(filepath.Join(a.dir, fmt.Sprintf("in_voltage%d_raw", n)))
	if err != nil {
		return 0, err
	}
	scale, err := readSysfsFloat(filepath.Join(a.dir, "in_voltage_scale"))
	if err != nil {
		// Devices without a scale attribute report volts directly
		return raw, nil
	}
	return raw * scale / 1000.0, nil
}

// SysfsDAC drives analog outputs through the IIO sysfs interface. It backs
// both the governor actuator and the front-panel gauges.
type SysfsDAC struct {
	dir     string
	channel int
	// output span in percent maps onto the DAC's full-scale raw range
	fullScale float64
}

// NewSysfsDAC points a writer at one output channel of an IIO device.
func NewSysfsDAC(dir, channel string, fullScale float64) (*SysfsDAC, error) {
	n, err := channelNumber(channel)
	if err != nil {
		return nil, err
	}
	return &SysfsDAC{dir: dir, channel: n, fullScale: fullScale}, nil
}

// SetOutputPercent writes a 0..100 percent value scaled to the raw range.
func (d *SysfsDAC) SetOutputPercent(value float64) error {
	return d.write(value / 100.0 * d.fullScale)
}

// Set writes a 0..10 gauge level scaled to the raw range.
func (d *SysfsDAC) Set(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 10 {
		level = 10
	}
	return d.write(level / 10.0 * d.fullScale)
}

func (d *SysfsDAC) write(raw float64) error {
	path := filepath.Join(d.dir, fmt.Sprintf("out_voltage%d_raw", d.channel))
	return os.WriteFile(path, []byte(strconv.Itoa(int(raw))), 0o644)
}

// channelNumber extracts the numeric suffix from a channel name like "AIN0".
func channelNumber(channel string) (int, error) {
	i := len(channel)
	for i > 0 && channel[i-1] >= '0' && channel[i-1] <= '9' {
		i--
	}
	if i == len(channel) {
		return 0, fmt.Errorf("channel %q has no numeric suffix", channel)
	}
	return strconv.Atoi(channel[i:])
}

func readSysfsFloat(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
}

package main

// LevelGauge drives one front-panel analog gauge. The concrete
// implementation wraps a DAC channel; tests and headless installs use a
// no-op.
type LevelGauge interface {
	Set(level float64) error
}

// nopGauge discards gauge writes for installs without the front panel.
type nopGauge struct{}

func (nopGauge) Set(level float64) error { return nil }

// fuelGaugeLevel converts the controller's fuel percentage to the gauge's
// 0..10 scale.
func fuelGaugeLevel(fuelPercent float64) float64 {
	return fuelPercent / 10.0
}

// batteryGaugeLevel converts the plant battery voltage register (tenths of a
// volt) to the gauge's 0..10 scale, pinned around the 25.9 V floor.
func batteryGaugeLevel(deciVolts float64) float64 {
	return (deciVolts - 259.0) * 0.2
}

// gaugeFallback shows a low but nonzero needle when the source register has
// never been read, so a dead gauge is distinguishable from an empty tank.
const gaugeFallback = 1.0

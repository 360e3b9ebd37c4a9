// Package pid implements the closed-loop setpoint controller that drives the
// engine speed actuator. It is a positional PID with integral anti-windup,
// derivative-on-measurement and slew-rate limiting, following the structure
// of the classic Beauregard "improving the beginner's PID" series.
//
// The controller holds no hardware coupling: Compute returns the next duty
// cycle percentage and the caller applies it to the actuator.
package pid

import (
	"fmt"
	"sync"
	"time"
)

// Direction selects whether a positive error drives the output up (Direct)
// or down (Reverse).
type Direction int

const (
	Direct Direction = iota
	Reverse
)

// Config holds the initial controller parameters.
type Config struct {
	Kp         float64 `yaml:"kp"`
	Ki         float64 `yaml:"ki"`
	Kd         float64 `yaml:"kd"`
	Setpoint   float64 `yaml:"setpoint"`
	SampleTime float64 `yaml:"period"` // seconds between PID computations
	Slew       float64 `yaml:"slew"`   // max output change, percent per second
}

// Controller is the PID state machine. All methods are safe to call
// concurrently: the compute loop owns the tick, the scheduler issues setter
// calls, and one mutex covers both.
type Controller struct {
	mu sync.Mutex

	// Gains as used internally: ki pre-multiplied by the sample time, kd
	// pre-divided by it, and all three negated when direction is Reverse.
	kp, ki, kd float64
	direction  Direction
	sampleTime float64
	slew       float64

	setpoint        float64
	processVariable float64
	lastInput       float64
	integral        float64
	output          float64
	idealOutput     float64
	outMin, outMax  float64
	inAuto          bool

	lastStep    time.Time // last full PID step
	lastCompute time.Time // last Compute call, for slew dt

	now func() time.Time
}

// New creates a controller in manual mode with output 0. The sample time
// must be positive; a zero or negative slew falls back to 100 %/s, which is
// effectively unlimited over the full output range.
func New(cfg Config) (*Controller, error) {
	if cfg.SampleTime <= 0 {
		return nil, fmt.Errorf("pid: sample time must be positive, got %g", cfg.SampleTime)
	}
	slew := cfg.Slew
	if slew <= 0 {
		slew = 100.0
	}
	c := &Controller{
		direction:  Direct,
		sampleTime: cfg.SampleTime,
		slew:       slew,
		setpoint:   cfg.Setpoint,
		outMin:     0.0,
		outMax:     100.0,
		now:        time.Now,
	}
	// Assume we start at the setpoint so the first derivative term is zero
	c.processVariable = cfg.Setpoint
	c.lastInput = cfg.Setpoint
	if err := c.setTunings(cfg.Kp, cfg.Ki, cfg.Kd); err != nil {
		return nil, err
	}
	return c, nil
}

// SetTunings installs new gains. Negative gains are rejected (direction is
// expressed through SetDirection, never through gain signs). Ki and Kd are
// scaled by the sample time at assignment so the compute step works in
// per-tick units.
func (c *Controller) SetTunings(kp, ki, kd float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setTunings(kp, ki, kd)
}

func (c *Controller) setTunings(kp, ki, kd float64) error {
	if kp < 0 || ki < 0 || kd < 0 {
		return fmt.Errorf("pid: negative gain rejected (kp=%g ki=%g kd=%g)", kp, ki, kd)
	}
	c.kp = kp
	c.ki = ki * c.sampleTime
	c.kd = kd / c.sampleTime
	if c.direction == Reverse {
		c.kp, c.ki, c.kd = -c.kp, -c.ki, -c.kd
	}
	return nil
}

// SetDirection flips the sign of all three gains when the direction actually
// changes. Calling it twice with the same value is a no-op.
func (c *Controller) SetDirection(d Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == c.direction {
		return
	}
	c.direction = d
	c.kp, c.ki, c.kd = -c.kp, -c.ki, -c.kd
}

// SetSampleTime rescales the stored integral and derivative gains so the
// effective tunings stay constant under the new period.
func (c *Controller) SetSampleTime(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seconds <= 0 {
		return
	}
	ratio := seconds / c.sampleTime
	c.ki *= ratio
	c.kd /= ratio
	c.sampleTime = seconds
}

// SetSetpoint updates the target value.
func (c *Controller) SetSetpoint(sp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = sp
}

// Setpoint returns the current target value.
func (c *Controller) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// SetProcessVariable feeds the latest measurement into the controller.
func (c *Controller) SetProcessVariable(pv float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processVariable = pv
}

// Output returns the last computed output percentage.
func (c *Controller) Output() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// SetOutput sets the output directly, for manual-mode actuation. Values
// outside 0..100 are ignored.
func (c *Controller) SetOutput(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v < 0 || v > 100 {
		return
	}
	c.output = v
}

// InAuto reports whether the controller is in auto mode.
func (c *Controller) InAuto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inAuto
}

// SetAuto switches between manual and auto. The manual-to-auto transition is
// bumpless: the integral term and last measurement are re-initialized from
// the current output and process variable so the next compute step continues
// from where the output already is.
func (c *Controller) SetAuto(auto bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if auto && !c.inAuto {
		c.initialize()
	}
	c.inAuto = auto
}

// ForceManual leaves auto mode and drops the output and integral term to
// zero. The scheduler calls this when the external enable flag clears.
func (c *Controller) ForceManual() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inAuto = false
	c.output = 0.0
	c.idealOutput = 0.0
	c.integral = 0.0
}

// ZeroIntegral clears accumulated integral. Used just before enabling auto
// so a long-disabled controller does not start from stale accumulation.
func (c *Controller) ZeroIntegral() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integral = 0.0
}

func (c *Controller) initialize() {
	c.lastInput = c.processVariable
	c.idealOutput = c.output
	c.integral = clamp(c.output, c.outMin, c.outMax)
	now := c.now()
	c.lastStep = now
	c.lastCompute = now
}

// setOutputLimits tightens the working output bounds, keeping them inside
// the absolute 0..100 range, and pulls the current output and integral term
// inside them. Coupling the integral clamp to these bounds is what ties
// anti-windup to the slew limit.
func (c *Controller) setOutputLimits(outMin, outMax float64) {
	if outMin < 0 {
		outMin = 0
	}
	if outMax > 100 {
		outMax = 100
	}
	if outMax < outMin {
		return
	}
	c.outMin = outMin
	c.outMax = outMax
	c.output = clamp(c.output, outMin, outMax)
	c.integral = clamp(c.integral, outMin, outMax)
}

// Compute advances the controller and returns the output percentage to apply
// to the actuator. A full PID step runs only when the sample time has
// elapsed; between steps the output keeps slewing toward the last ideal
// output. In manual mode the output is returned unchanged.
func (c *Controller) Compute() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compute(c.now())
}

func (c *Controller) compute(now time.Time) float64 {
	if !c.inAuto {
		return c.output
	}

	stepElapsed := now.Sub(c.lastStep).Seconds()
	dt := now.Sub(c.lastCompute).Seconds()
	c.lastCompute = now
	output := c.output

	var ideal float64
	if stepElapsed >= c.sampleTime {
		// Bound the step to what the slew limiter could reach since the
		// last full step, so the integral cannot wind past it.
		c.setOutputLimits(output-stepElapsed*c.slew, output+stepElapsed*c.slew)

		err := c.setpoint - c.processVariable

		c.integral += err * c.ki
		c.integral = clamp(c.integral, c.outMin, c.outMax)

		// Derivative on measurement: immune to setpoint step changes
		dPV := c.processVariable - c.lastInput

		ideal = c.kp*err + c.integral - c.kd*dPV
		ideal = clamp(ideal, c.outMin, c.outMax)

		c.lastStep = now
		c.lastInput = c.processVariable
	} else {
		ideal = c.idealOutput
	}
	c.idealOutput = ideal

	// Approach the ideal output at no more than slew %/s, never overshooting
	maxDelta := c.slew * dt
	switch {
	case ideal > output+maxDelta:
		output += maxDelta
	case ideal < output-maxDelta:
		output -= maxDelta
	default:
		output = ideal
	}
	c.output = output
	return output
}

// Snapshot bundles the values the telemetry and console paths report.
type Snapshot struct {
	Output     float64
	Setpoint   float64
	Kp, Ki, Kd float64 // effective gains, unscaled back to per-second units
	InAuto     bool
	Integral   float64
}

// State returns a consistent snapshot of the controller.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	factor := 1.0
	if c.direction == Reverse {
		factor = -1.0
	}
	return Snapshot{
		Output:   c.output,
		Setpoint: c.setpoint,
		Kp:       c.kp * factor,
		Ki:       c.ki * factor / c.sampleTime,
		Kd:       c.kd * factor * c.sampleTime,
		InAuto:   c.inAuto,
		Integral: c.integral,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

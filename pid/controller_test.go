package pid

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests step controller time deterministically
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeClock) {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c.now = func() time.Time { return clk.t }
	return c, clk
}

func TestNew_RejectsZeroSampleTime(t *testing.T) {
	_, err := New(Config{Kp: 1, SampleTime: 0})
	assert.Error(t, err)
}

func TestNew_RejectsNegativeGain(t *testing.T) {
	_, err := New(Config{Kp: -1, SampleTime: 1})
	assert.Error(t, err)
}

func TestSetTunings_RejectsNegativeWithoutChange(t *testing.T) {
	c, _ := newTestController(t, Config{Kp: 2, Ki: 0.5, SampleTime: 1})
	assert.Error(t, c.SetTunings(-1, 0, 0))

	s := c.State()
	assert.Equal(t, 2.0, s.Kp)
	assert.Equal(t, 0.5, s.Ki)
}

func TestSetSampleTime_KeepsEffectiveGains(t *testing.T) {
	c, _ := newTestController(t, Config{Kp: 1, Ki: 0.5, Kd: 0.2, SampleTime: 1})
	c.SetSampleTime(2)

	s := c.State()
	assert.InDelta(t, 0.5, s.Ki, 1e-12)
	assert.InDelta(t, 0.2, s.Kd, 1e-12)
}

func TestManualMode_OutputUnchangedByCompute(t *testing.T) {
	c, clk := newTestController(t, Config{Kp: 5, Ki: 1, Setpoint: 50, SampleTime: 1})
	c.SetOutput(33)
	clk.advance(2 * time.Second)
	assert.Equal(t, 33.0, c.Compute())
}

func TestSetOutput_IgnoresOutOfRange(t *testing.T) {
	c, _ := newTestController(t, Config{Kp: 1, SampleTime: 1})
	c.SetOutput(40)
	c.SetOutput(150)
	c.SetOutput(-1)
	assert.Equal(t, 40.0, c.Output())
}

func TestBumplessTransfer_OutputHoldsAtNextTick(t *testing.T) {
	c, clk := newTestController(t, Config{Kp: 2, Ki: 0.5, Kd: 0.1, Setpoint: 25, SampleTime: 1, Slew: 100})

	// Sitting at the setpoint with a nonzero manual output
	c.SetOutput(40)
	c.SetProcessVariable(25)
	c.SetAuto(true)

	clk.advance(1100 * time.Millisecond)
	out := c.Compute()
	assert.InDelta(t, 40.0, out, 1e-9, "enabling at the setpoint must not step the output")
}

func TestAntiWindup_IntegralStaysInsideOutputBounds(t *testing.T) {
	c, clk := newTestController(t, Config{Ki: 5, Setpoint: 100, SampleTime: 1, Slew: 100})
	c.SetProcessVariable(0) // persistent large positive error
	c.SetAuto(true)

	for i := 0; i < 20; i++ {
		clk.advance(time.Second)
		c.Compute()
		integral := c.State().Integral
		assert.LessOrEqual(t, integral, 100.0)
		assert.GreaterOrEqual(t, integral, 0.0)
	}
	// Saturated high after persistent error
	assert.InDelta(t, 100.0, c.Output(), 1e-9)
}

func TestSlewLimiting_BoundsOutputDelta(t *testing.T) {
	const slew = 10.0
	c, clk := newTestController(t, Config{Kp: 50, Setpoint: 100, SampleTime: 1, Slew: slew})
	c.SetProcessVariable(0) // ideal output saturates at 100 immediately
	c.SetAuto(true)

	prev := c.Output()
	for i := 0; i < 12; i++ {
		clk.advance(time.Second)
		out := c.Compute()
		assert.LessOrEqual(t, math.Abs(out-prev), slew*1.0+1e-9,
			"tick %d moved faster than the slew limit", i)
		prev = out
	}
	// 12 seconds at 10 %/s is enough to arrive at saturation
	assert.InDelta(t, 100.0, prev, 1e-9)
}

func TestSlewLimiting_AppliesBetweenComputeSteps(t *testing.T) {
	const slew = 10.0
	c, clk := newTestController(t, Config{Kp: 50, Setpoint: 100, SampleTime: 1, Slew: slew})
	c.SetProcessVariable(0)
	c.SetAuto(true)

	// Tick at 10 Hz. Until the 1 s sample time elapses the ideal output is
	// still its initial zero, so nothing moves.
	for i := 0; i < 9; i++ {
		clk.advance(100 * time.Millisecond)
		assert.InDelta(t, 0.0, c.Compute(), 1e-9)
	}

	// The PID step fires at t+1.0: bounds tighten to 10, the ideal output
	// clamps there, and this tick's 0.1 s slew allowance moves the output by 1.
	clk.advance(100 * time.Millisecond)
	assert.InDelta(t, 1.0, c.Compute(), 1e-9)

	// No new PID step at t+1.1, but the output keeps slewing toward the
	// stored ideal output.
	clk.advance(100 * time.Millisecond)
	assert.InDelta(t, 2.0, c.Compute(), 1e-9)
}

func TestSlewLimiting_NeverOvershootsIdeal(t *testing.T) {
	c, clk := newTestController(t, Config{Kp: 1, Setpoint: 12, SampleTime: 1, Slew: 100})
	c.SetProcessVariable(0)
	c.SetAuto(true)

	clk.advance(time.Second)
	out := c.Compute()
	// ideal = kp*error + integral = 12; slew allows 100, so land exactly
	assert.InDelta(t, 12.0, out, 1e-9)
}

func TestReverseDirection_DrivesOutputDownOnPositiveError(t *testing.T) {
	c, clk := newTestController(t, Config{Kp: 1, Setpoint: 100, SampleTime: 1, Slew: 100})
	c.SetOutput(50)
	c.SetProcessVariable(100) // start at setpoint for a clean enable
	c.SetAuto(true)
	c.SetDirection(Reverse)

	c.SetProcessVariable(0) // positive error
	clk.advance(time.Second)
	out := c.Compute()
	assert.Less(t, out, 50.0)
}

func TestSetDirection_IdempotentToggle(t *testing.T) {
	c, _ := newTestController(t, Config{Kp: 2, Ki: 1, Kd: 0.5, SampleTime: 1})

	c.SetDirection(Reverse)
	c.SetDirection(Reverse) // repeat must not negate again
	s := c.State()
	assert.Equal(t, 2.0, s.Kp)
	assert.Equal(t, 1.0, s.Ki)
	assert.Equal(t, 0.5, s.Kd)

	c.SetDirection(Direct)
	s = c.State()
	assert.Equal(t, 2.0, s.Kp)
}

func TestForceManual_ZeroesOutputAndIntegral(t *testing.T) {
	c, clk := newTestController(t, Config{Ki: 5, Setpoint: 100, SampleTime: 1, Slew: 100})
	c.SetProcessVariable(0)
	c.SetAuto(true)
	clk.advance(time.Second)
	c.Compute()
	require.Greater(t, c.Output(), 0.0)

	c.ForceManual()
	assert.False(t, c.InAuto())
	assert.Equal(t, 0.0, c.Output())
	assert.Equal(t, 0.0, c.State().Integral)
}

func TestSetpointChange_NoDerivativeKick(t *testing.T) {
	// With only Kd active, a setpoint step must not move the output because
	// the derivative acts on the measurement, not the error.
	c, clk := newTestController(t, Config{Kd: 10, Setpoint: 50, SampleTime: 1, Slew: 100})
	c.SetProcessVariable(50)
	c.SetAuto(true)

	clk.advance(time.Second)
	c.Compute()
	before := c.Output()

	c.SetSetpoint(90) // step the setpoint, hold the measurement
	clk.advance(time.Second)
	after := c.Compute()
	assert.InDelta(t, before, after, 1e-9)
}

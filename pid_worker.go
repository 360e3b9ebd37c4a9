package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/kessler-farms/gensetd/pid"
)

// Actuator drives the engine governor's speed bias input. The concrete
// implementation wraps the platform's analog output.
type Actuator interface {
	SetOutputPercent(value float64) error
}

// pidTick is the output refresh period. Faster than the controller's sample
// time so slew limiting between compute steps stays smooth.
const pidTick = 100 * time.Millisecond

// PIDWorker ticks the speed controller and pushes its output to the
// actuator. The output is written every tick whether or not a compute step
// ran, so manual-mode values and between-step slewing reach the hardware too.
type PIDWorker struct {
	controller *pid.Controller
	actuator   Actuator
}

// NewPIDWorker wires the controller to its actuator.
func NewPIDWorker(controller *pid.Controller, actuator Actuator) *PIDWorker {
	return &PIDWorker{controller: controller, actuator: actuator}
}

// Iterate runs one output tick.
func (p *PIDWorker) Iterate(ctx context.Context) error {
	p.controller.Compute()
	if err := p.actuator.SetOutputPercent(p.controller.Output()); err != nil {
		log.Printf("pid: writing actuator: %v\n", err)
	}
	sleepCtx(ctx, pidTick)
	return nil
}

// CSVHeader returns the controller state column names.
func (p *PIDWorker) CSVHeader() string {
	return "PID response,PID setpoint,Kp,Ki,Kd"
}

// CSVLine returns the controller state for the periodic log row.
func (p *PIDWorker) CSVLine() string {
	s := p.controller.State()
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return f(s.Output) + "," + f(s.Setpoint) + "," + f(s.Kp) + "," + f(s.Ki) + "," + f(s.Kd)
}

// StatusLines renders the controller state for the console.
func (p *PIDWorker) StatusLines() []string {
	s := p.controller.State()
	mode := "manual"
	if s.InAuto {
		mode = "auto"
	}
	return []string{
		fmt.Sprintf("%20s %10.2f %10s", "PID output", s.Output, "%"),
		fmt.Sprintf("%20s %10.2f %10s", "PID setpoint", s.Setpoint, "A"),
		fmt.Sprintf("%20s %10s %10s", "PID mode", mode, ""),
	}
}

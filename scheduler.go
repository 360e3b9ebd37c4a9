package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kessler-farms/gensetd/pid"
	"github.com/kessler-farms/gensetd/store"
)

// StatusSource is implemented by every client contributing columns to the
// periodic log row and lines to the console status display.
type StatusSource interface {
	CSVHeader() string
	CSVLine() string
	StatusLines() []string
}

// ErrRemoteKill is returned by Scheduler.Run when the controller's remote
// kill flag has been asserted on two consecutive checks.
var ErrRemoteKill = errors.New("remote kill requested")

// killDebounceCount is how many consecutive asserted reads the kill flag
// needs before the scheduler acts; a single corrupted read must not drop
// the plant.
const killDebounceCount = 2

// pvStaleAfter is how stale the trunk current may grow, once seen, before
// the control loop is considered blind and the scheduler shuts down.
const pvStaleAfter = 5 * time.Second

// Scheduler owns the daemon's timed housekeeping: feeding the speed
// controller its process variable, emitting log rows, watching the enable
// and kill flags, reloading tunings, kicking the watchdog, and checking
// worker liveness. Each duty runs on its own period from one loop.
type Scheduler struct {
	store      *store.Store
	controller *pid.Controller

	sources []StatusSource
	sink    *LogSink
	workers []*Worker

	pvKey      string
	tuningFile string
	daemon     bool
	quiet      bool // console attached; it owns the terminal

	fuelGauge    LevelGauge
	batteryGauge LevelGauge
	watchdog     io.Writer

	enabled       bool
	killAsserted  int
	pvSeen        bool
	tuningModTime time.Time
	deadWarned    map[string]bool
}

// NewScheduler wires the housekeeping loop. Sources appear in the log row in
// registration order. Nil sink, gauges, and watchdog are skipped.
func NewScheduler(st *store.Store, controller *pid.Controller, pvKey, tuningFile string, daemon bool) *Scheduler {
	return &Scheduler{
		store:        st,
		controller:   controller,
		pvKey:        pvKey,
		tuningFile:   tuningFile,
		daemon:       daemon,
		fuelGauge:    nopGauge{},
		batteryGauge: nopGauge{},
		deadWarned:   make(map[string]bool),
	}
}

// AddSource appends a log row contributor.
func (s *Scheduler) AddSource(src StatusSource) {
	s.sources = append(s.sources, src)
}

// SetSink attaches the CSV log sink.
func (s *Scheduler) SetSink(sink *LogSink) { s.sink = sink }

// SetGauges attaches the front-panel gauges.
func (s *Scheduler) SetGauges(fuel, battery LevelGauge) {
	s.fuelGauge = fuel
	s.batteryGauge = battery
}

// SetWatchdog attaches the hardware watchdog device.
func (s *Scheduler) SetWatchdog(w io.Writer) { s.watchdog = w }

// SetQuiet suppresses the periodic status print; the console's status
// command takes its place.
func (s *Scheduler) SetQuiet(quiet bool) { s.quiet = quiet }

// Watch registers a worker for the liveness check.
func (s *Scheduler) Watch(w *Worker) { s.workers = append(s.workers, w) }

// CSVHeader joins the sources' headers into the full log row header,
// timestamp first.
func (s *Scheduler) CSVHeader() string {
	parts := []string{"Time"}
	for _, src := range s.sources {
		parts = append(parts, src.CSVHeader())
	}
	return strings.Join(parts, ",")
}

// Run drives the housekeeping tiers until the context is cancelled or a
// safety condition forces shutdown. The returned error is nil on clean
// cancellation, ErrRemoteKill on a debounced kill request, and descriptive
// otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	tiers := []struct {
		period time.Duration
		fn     func() error
	}{
		{100 * time.Millisecond, s.fastTier},
		{500 * time.Millisecond, s.flagTier},
		{time.Second, s.secondTier},
		{5 * time.Second, s.keepAliveTier},
		{10 * time.Second, s.checkWorkers},
		{time.Minute, s.updateGauges},
	}
	next := make([]time.Time, len(tiers))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
		now := time.Now()
		for i, tier := range tiers {
			if now.Before(next[i]) {
				continue
			}
			next[i] = now.Add(tier.period)
			if err := s.dispatch(tier.fn); err != nil {
				return err
			}
		}
	}
}

// dispatch runs one tier, converting a panic into a logged skip. Only
// deliberate errors (kill request, lost process variable, dead mandatory
// worker) may end the loop; an unexpected failure in one tier must not take
// out the shutdown path behind it.
func (s *Scheduler) dispatch(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: recovered from panic: %v\n", r)
			err = nil
		}
	}()
	return fn()
}

// fastTier feeds the control loop and assembles one log row.
func (s *Scheduler) fastTier() error {
	if err := s.feedProcessVariable(); err != nil {
		return err
	}
	s.emitLogRow()
	return nil
}

// flagTier samples the controller's enable and kill virtual LEDs.
func (s *Scheduler) flagTier() error {
	s.checkEnable()
	if s.checkKill() {
		return ErrRemoteKill
	}
	return nil
}

// secondTier prints status when interactive and picks up tuning edits.
func (s *Scheduler) secondTier() error {
	s.printStatus()
	s.maybeReloadTuning()
	return nil
}

// keepAliveTier kicks the watchdog and lets the log sink reconcile its
// backing file, which may live on removable media.
func (s *Scheduler) keepAliveTier() error {
	s.kickWatchdog()
	if s.sink != nil {
		s.sink.Reconcile()
	}
	return nil
}

// feedProcessVariable forwards the trunk current to the speed controller.
// Once the measurement has been seen, losing it means the control loop is
// flying blind and the plant must come down.
func (s *Scheduler) feedProcessVariable() error {
	entry, present := s.store.GetEntry(s.pvKey)
	if !present || !entry.Valid {
		if s.pvSeen {
			return fmt.Errorf("trunk current %s disappeared", s.pvKey)
		}
		return nil
	}
	if s.pvSeen && time.Since(entry.Updated) > pvStaleAfter {
		return fmt.Errorf("trunk current %s stale for %v", s.pvKey, time.Since(entry.Updated).Round(time.Second))
	}
	s.pvSeen = true
	s.controller.SetProcessVariable(entry.Value)
	return nil
}

// emitLogRow queues one CSV row built from all sources.
func (s *Scheduler) emitLogRow() {
	if s.sink == nil {
		return
	}
	parts := []string{time.Now().Format("2006-01-02 15:04:05.000")}
	for _, src := range s.sources {
		parts = append(parts, src.CSVLine())
	}
	s.sink.Enqueue(strings.Join(parts, ","))
}

// checkEnable tracks the controller's RPM-control virtual LED. A rising
// edge arms the speed controller fresh; a clear drops it to manual with
// zero output. Absence of the register reads as disabled.
func (s *Scheduler) checkEnable() {
	v, ok := s.store.Get(strconv.Itoa(RegPidEnable))
	enabled := ok && v != 0
	if enabled == s.enabled {
		return
	}
	if enabled {
		log.Println("RPM control enabled")
		s.controller.ZeroIntegral()
		s.controller.SetAuto(true)
	} else {
		log.Println("RPM control disabled")
		s.controller.ForceManual()
	}
	s.enabled = enabled
}

// checkKill debounces the remote kill virtual LED.
func (s *Scheduler) checkKill() bool {
	v, ok := s.store.Get(strconv.Itoa(RegRemoteKill))
	if ok && v != 0 {
		s.killAsserted++
	} else {
		s.killAsserted = 0
	}
	return s.killAsserted >= killDebounceCount
}

// Enabled reports whether RPM control was active, for the power-off
// decision at shutdown.
func (s *Scheduler) Enabled() bool { return s.enabled }

// maybeReloadTuning applies the tuning file when its modification time
// changes. A missing or unreadable file keeps the previous tunings.
func (s *Scheduler) maybeReloadTuning() {
	if s.tuningFile == "" {
		return
	}
	info, err := os.Stat(s.tuningFile)
	if err != nil {
		return
	}
	if !info.ModTime().After(s.tuningModTime) {
		return
	}
	s.tuningModTime = info.ModTime()
	s.ReloadTuning()
}

// ReloadTuning reads the tuning file and applies it to the controller.
// Errors are logged and leave the previous tunings in effect.
func (s *Scheduler) ReloadTuning() {
	t, err := LoadTuning(s.tuningFile)
	if err != nil {
		log.Printf("tuning reload: %v\n", err)
		return
	}
	if err := s.controller.SetTunings(t.Kp, t.Ki, t.Kd); err != nil {
		log.Printf("tuning reload: %v\n", err)
		return
	}
	s.controller.SetSetpoint(t.Setpoint)
	log.Printf("Tunings reloaded: kp=%g ki=%g kd=%g setpoint=%g\n", t.Kp, t.Ki, t.Kd, t.Setpoint)
}

// kickWatchdog writes the keep-alive byte.
func (s *Scheduler) kickWatchdog() {
	if s.watchdog == nil {
		return
	}
	if _, err := s.watchdog.Write([]byte{'k'}); err != nil {
		log.Printf("watchdog: %v\n", err)
	}
}

// printStatus dumps all sources to stdout when running interactively.
func (s *Scheduler) printStatus() {
	if s.daemon || s.quiet {
		return
	}
	for _, src := range s.sources {
		for _, line := range src.StatusLines() {
			fmt.Println(line)
		}
	}
	fmt.Println()
}

// checkWorkers shuts the daemon down when a mandatory worker has died.
// Non-mandatory deaths are logged once.
func (s *Scheduler) checkWorkers() error {
	for _, w := range s.workers {
		if w.Alive() {
			continue
		}
		if w.Mandatory() {
			return fmt.Errorf("mandatory worker %s died", w.Name())
		}
		if !s.deadWarned[w.Name()] {
			s.deadWarned[w.Name()] = true
			log.Printf("%s worker died, continuing without it\n", w.Name())
		}
	}
	return nil
}

// updateGauges drives the front-panel fuel and battery needles from the
// controller registers, with a visible fallback when a register has never
// been read.
func (s *Scheduler) updateGauges() error {
	fuelLevel := gaugeFallback
	if v, ok := s.store.Get(strconv.Itoa(RegFuelLevel)); ok {
		fuelLevel = fuelGaugeLevel(v)
	}
	if err := s.fuelGauge.Set(fuelLevel); err != nil {
		log.Printf("fuel gauge: %v\n", err)
	}

	batteryLevel := gaugeFallback
	if v, ok := s.store.Get(strconv.Itoa(RegBatteryLevel)); ok {
		batteryLevel = batteryGaugeLevel(v)
	}
	if err := s.batteryGauge.Set(batteryLevel); err != nil {
		log.Printf("battery gauge: %v\n", err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kessler-farms/gensetd/pid"
	"github.com/kessler-farms/gensetd/store"
)

func main() {
	configPath := flag.String("c", "", "configuration file (YAML); defaults apply when empty")
	daemon := flag.Bool("d", false, "run as a daemon: no console, no status printing")
	watchdog := flag.Bool("w", false, "kick the hardware watchdog")
	powerOff := flag.Bool("p", false, "power the machine off after a remote kill")
	flag.Parse()

	log.Println("Starting gensetd...")

	// Load .env file for broker credentials and site overrides
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Configuration: %v", err)
	}

	st := store.New()

	controller, err := pid.New(cfg.PID)
	if err != nil {
		log.Fatalf("Speed controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := NewScheduler(st, controller, "", cfg.TuningFile, *daemon)

	// Workers start in dependency order and stop in reverse. Analog
	// acquisition and the PID output are mandatory: without them the control
	// loop is blind or mute and the daemon must not run.
	var workers []*Worker
	startWorker := func(name string, mandatory bool, iterate func(ctx context.Context) error) *Worker {
		w := NewWorker(name, mandatory, iterate)
		w.Start(ctx)
		scheduler.Watch(w)
		workers = append(workers, w)
		return w
	}

	// Generator controller register polling, optional
	var controllerClient *ControllerClient
	if cfg.ComponentEnabled("controller") {
		controllerClient, err = NewControllerClient(cfg.Controller, st)
		if err != nil {
			log.Printf("Controller client disabled: %v\n", err)
		} else {
			defer controllerClient.Close()
			startWorker("controller", false, controllerClient.Iterate)
			scheduler.AddSource(controllerClient)
		}
	}

	// Battery management system, optional
	var bmsClient *BMSClient
	if cfg.ComponentEnabled("bms") {
		bmsClient, err = NewBMSClient(cfg.BMS, st)
		if err != nil {
			log.Printf("BMS client disabled: %v\n", err)
		} else {
			defer bmsClient.Close()
			startWorker("bms", false, bmsClient.Iterate)
			scheduler.AddSource(bmsClient)
		}
	}

	// Analog acquisition, mandatory
	analogClient, err := NewAnalogClient(cfg.Analog, NewSysfsADC(cfg.ADCPath), st)
	if err != nil {
		log.Fatalf("Analog client: %v", err)
	}
	startWorker("analog", true, analogClient.Iterate)
	scheduler.AddSource(analogClient)

	// The speed controller's process variable is the trunk current channel;
	// the derived power worker pairs it with the trunk voltage channel.
	currentKey, voltageKey := trunkChannels(cfg.Analog)
	if currentKey == "" {
		log.Fatal("Analog config has no current channel for the speed controller")
	}
	scheduler.pvKey = currentKey
	if voltageKey != "" {
		powerWorker := NewPowerWorker(voltageKey, currentKey, st)
		startWorker("power", false, powerWorker.Iterate)
		scheduler.AddSource(powerWorker)
	}

	// Governor actuator and PID output, mandatory
	actuator, err := NewSysfsDAC(cfg.DACPath, cfg.ActuatorChannel, cfg.DACFullScale)
	if err != nil {
		log.Fatalf("Actuator: %v", err)
	}
	pidWorker := NewPIDWorker(controller, actuator)
	startWorker("pid", true, pidWorker.Iterate)
	scheduler.AddSource(pidWorker)

	// Front-panel gauges; headless installs fall back to no-ops
	fuelGauge := LevelGauge(nopGauge{})
	batteryGauge := LevelGauge(nopGauge{})
	if g, err := NewSysfsDAC(cfg.DACPath, cfg.FuelGaugeChannel, cfg.DACFullScale); err == nil {
		fuelGauge = g
	}
	if g, err := NewSysfsDAC(cfg.DACPath, cfg.BatteryGaugeChannel, cfg.DACFullScale); err == nil {
		batteryGauge = g
	}
	scheduler.SetGauges(fuelGauge, batteryGauge)

	// Periodic CSV log and the raw BMS archive
	if cfg.ComponentEnabled("filewriter") {
		sink := NewLogSink(cfg.LogDir, scheduler.CSVHeader())
		defer sink.Close()
		startWorker("filewriter", false, sink.Iterate)
		scheduler.SetSink(sink)

		if bmsClient != nil {
			archive := NewRawArchive(cfg.LogDir, bmsClient.RawFrames())
			defer archive.Close()
			startWorker("bms-archive", false, archive.Iterate)
		}
	}

	// Telemetry, optional
	var publisher *MQTTPublisher
	if cfg.ComponentEnabled("mqtt") {
		publisher, err = NewMQTTPublisher(cfg.MQTT, st)
		if err != nil {
			log.Printf("Telemetry disabled: %v\n", err)
		} else {
			defer publisher.Close()
			startWorker("mqtt", false, publisher.Iterate)
		}
	}

	// Hot reload of the measurement list and tunings
	if controllerClient != nil || cfg.TuningFile != "" {
		measurementFile := ""
		onMeasurements := func(string) error { return nil }
		if controllerClient != nil {
			measurementFile = cfg.Controller.MeasurementFile
			onMeasurements = controllerClient.ReloadDescriptors
		}
		fw, err := NewFileWatcher(measurementFile, cfg.TuningFile, onMeasurements, scheduler.ReloadTuning)
		if err != nil {
			log.Printf("File watcher disabled: %v\n", err)
		} else {
			defer fw.Close()
			startWorker("filewatch", false, fw.Iterate)
		}
	}

	// Hardware watchdog keep-alive
	if *watchdog {
		wd, err := os.OpenFile(cfg.WatchdogDevice, os.O_WRONLY, 0)
		if err != nil {
			log.Printf("Watchdog disabled: %v\n", err)
		} else {
			defer wd.Close()
			scheduler.SetWatchdog(wd)
		}
	}

	// Interactive console in the foreground; it owns the terminal, so the
	// scheduler's periodic status print stands down
	if !*daemon {
		scheduler.SetQuiet(true)
		go consoleWorker(ctx, cancel, NewConsoleState(st, controller, scheduler.sources))
	}

	// Signals cancel the context; the scheduler returns and shutdown runs
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		<-sigChan
		interrupted.Store(true)
		log.Println("Shutting down...")
		cancel()
	}()

	runErr := scheduler.Run(ctx)
	if runErr != nil {
		log.Printf("Scheduler: %v\n", runErr)
	}

	// Stop workers in reverse start order so consumers outlive producers
	cancel()
	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].Cancel()
		workers[i].Join()
	}

	if errors.Is(runErr, ErrRemoteKill) {
		if publisher != nil {
			publisher.PublishEvent("remote kill")
		}
		if *powerOff && scheduler.Enabled() {
			log.Println("Powering off")
			if err := exec.Command("poweroff").Run(); err != nil {
				log.Printf("poweroff: %v\n", err)
			}
		}
	}

	log.Println("gensetd stopped")
	if interrupted.Load() {
		os.Exit(130)
	}
	if runErr != nil && !errors.Is(runErr, ErrRemoteKill) {
		os.Exit(1)
	}
}

// trunkChannels picks the current and voltage channels from the analog
// measurement list by unit. First match of each wins.
func trunkChannels(cfg AnalogConfig) (currentKey, voltageKey string) {
	for _, m := range cfg.Measurements {
		switch m.Units {
		case "A":
			if currentKey == "" {
				currentKey = m.Channel
			}
		case "V":
			if voltageKey == "" {
				voltageKey = m.Channel
			}
		}
	}
	return currentKey, voltageKey
}

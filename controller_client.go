package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/kessler-farms/gensetd/store"
)

// registerTransportTimeout bounds each register read so a wedged controller
// degrades freshness instead of hanging the worker.
const registerTransportTimeout = 100 * time.Millisecond

// ControllerClient polls the generator controller's holding registers over
// either a field-bus serial (RTU) or TCP transport, selected by
// configuration. Each descriptor is pulled independently at its own period
// and published to the shared store under its register address.
type ControllerClient struct {
	client modbus.Client
	close  func() error

	store        *store.Store
	pollInterval time.Duration

	mu          sync.Mutex
	descriptors []Descriptor
	lastPolled  map[uint16]time.Time
}

// NewControllerClient validates the configuration, opens the selected
// transport, and loads the descriptor list (with mandatory registers
// injected). Configuration and connection failures are fatal to
// construction.
func NewControllerClient(cfg ControllerConfig, st *store.Store) (*ControllerClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var client modbus.Client
	var closeFn func() error
	switch cfg.Mode {
	case "tcp":
		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		handler.Timeout = registerTransportTimeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connecting to controller at %s: %w", handler.Address, err)
		}
		client = modbus.NewClient(handler)
		closeFn = handler.Close
	case "rtu":
		handler := modbus.NewRTUClientHandler(cfg.Device)
		handler.BaudRate = cfg.Baudrate
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.SlaveId = cfg.SlaveID
		handler.Timeout = registerTransportTimeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("opening controller serial port %s: %w", cfg.Device, err)
		}
		client = modbus.NewClient(handler)
		closeFn = handler.Close
	}

	descriptors, err := ReadDescriptorFile(cfg.MeasurementFile)
	if err != nil {
		return nil, fmt.Errorf("reading measurement list: %w", err)
	}
	descriptors = AddMandatoryMeasurements(descriptors)

	c := &ControllerClient{
		client:       client,
		close:        closeFn,
		store:        st,
		pollInterval: time.Duration(cfg.PollInterval * float64(time.Second)),
		descriptors:  descriptors,
		lastPolled:   make(map[uint16]time.Time),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 10 * time.Millisecond
	}
	c.registerKeys()
	log.Println("Controller client ready")
	return c, nil
}

func (c *ControllerClient) registerKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.descriptors {
		c.store.Register(d.Key())
	}
}

// ReloadDescriptors replaces the active descriptor list from path. Keys
// already present in the store stay; new descriptors register new keys.
func (c *ControllerClient) ReloadDescriptors(path string) error {
	descriptors, err := ReadDescriptorFile(path)
	if err != nil {
		return fmt.Errorf("reloading measurement list: %w", err)
	}
	descriptors = AddMandatoryMeasurements(descriptors)

	c.mu.Lock()
	c.descriptors = descriptors
	c.mu.Unlock()
	c.registerKeys()
	log.Printf("Measurement list reloaded: %d descriptors\n", len(descriptors))
	return nil
}

// Descriptors returns a copy of the active descriptor list.
func (c *ControllerClient) Descriptors() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// Iterate runs one polling sweep: every descriptor whose period has elapsed
// is read once. Read failures are logged at low severity and leave the prior
// value and timestamp untouched; partial failure must not raise the poll
// rate or kill the worker.
func (c *ControllerClient) Iterate(ctx context.Context) error {
	for _, d := range c.Descriptors() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		last := c.lastPolled[d.Address]
		c.mu.Unlock()
		if time.Since(last).Seconds() < d.Period {
			continue
		}

		value, err := c.readRegister(d)
		if err != nil {
			// Expected on a noisy bus; keep the stale value
			log.Printf("controller: %s (reg %d): %v\n", d.Name, d.Address, err)
			continue
		}
		c.store.Set(d.Key(), value)
		c.mu.Lock()
		c.lastPolled[d.Address] = time.Now()
		c.mu.Unlock()
	}
	sleepCtx(ctx, c.pollInterval)
	return nil
}

// readRegister reads and decodes one descriptor's registers: big-endian,
// signed when the address appears in the controller's signed-value table,
// then scaled by gain and offset.
func (c *ControllerClient) readRegister(d Descriptor) (float64, error) {
	results, err := c.client.ReadHoldingRegisters(d.Address, d.Length)
	if err != nil {
		return 0, err
	}
	if len(results) < int(d.Length)*2 {
		return 0, fmt.Errorf("short response: %d bytes for %d words", len(results), d.Length)
	}

	var raw float64
	switch d.Length {
	case 2:
		u := binary.BigEndian.Uint32(results)
		if signedAddresses[d.Address] {
			raw = float64(int32(u))
		} else {
			raw = float64(u)
		}
	default:
		u := binary.BigEndian.Uint16(results)
		if signedAddresses[d.Address] {
			raw = float64(int16(u))
		} else {
			raw = float64(u)
		}
	}
	return raw*d.Gain + d.Offset, nil
}

// Close shuts the transport down.
func (c *ControllerClient) Close() error {
	if c.close != nil {
		return c.close()
	}
	return nil
}

// CSVHeader returns the measurement names in descriptor order, no newline
// or trailing comma.
func (c *ControllerClient) CSVHeader() string {
	descriptors := c.Descriptors()
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	return strings.Join(names, ",")
}

// CSVLine returns the current values in descriptor order. Values never read
// successfully render as empty strings so column alignment holds.
func (c *ControllerClient) CSVLine() string {
	descriptors := c.Descriptors()
	values := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if v, ok := c.store.Get(d.Key()); ok {
			values = append(values, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			values = append(values, "")
		}
	}
	return strings.Join(values, ",")
}

// StatusLines renders the current values human-readably for the console.
func (c *ControllerClient) StatusLines() []string {
	descriptors := c.Descriptors()
	lines := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if v, ok := c.store.Get(d.Key()); ok {
			lines = append(lines, fmt.Sprintf("%20s %10.2f %10s", d.Name, v, d.Units))
		} else {
			lines = append(lines, fmt.Sprintf("%20s %10s %10s", d.Name, "ERR", d.Units))
		}
	}
	return lines
}

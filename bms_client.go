package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/kessler-farms/gensetd/bms"
	"github.com/kessler-farms/gensetd/store"
)

// Store keys for the battery values the rest of the daemon consumes.
const (
	KeyBatterySoC     = "bms.soc"
	KeyBatteryVoltage = "bms.volt"
	KeyBatteryCurrent = "bms.cur"
)

// bmsReadTimeout bounds each serial read so cancellation is observed even on
// a silent line.
const bmsReadTimeout = 500 * time.Millisecond

// rawFrame is one verbatim status line with its arrival time, queued for the
// raw archive.
type rawFrame struct {
	When time.Time
	Line []byte
}

// BMSClient reads the battery management system's periodic ASCII status
// frames from a serial line, checksums them, and folds valid frames into a
// live battery picture. Corrupt frames are dropped silently; the stream
// repeats every half second so the next frame corrects the gap.
type BMSClient struct {
	port    serial.Port
	scanner *bufio.Scanner
	store   *store.Store

	mu     sync.Mutex
	status *bms.Status

	// raw archive queue; full queue drops the frame rather than block the
	// reader
	raw chan rawFrame
}

// NewBMSClient opens the configured serial line. A missing device or bad
// config is fatal to construction; the scheduler decides whether to proceed
// without battery data.
func NewBMSClient(cfg BMSConfig, st *store.Store) (*BMSClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.Baudrate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  bmsReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening battery serial port %s: %w", cfg.Device, err)
	}
	c := &BMSClient{
		port:    port,
		scanner: bufio.NewScanner(port),
		store:   st,
		status:  bms.NewStatus(),
		raw:     make(chan rawFrame, 64),
	}
	st.Register(KeyBatterySoC)
	st.Register(KeyBatteryVoltage)
	st.Register(KeyBatteryCurrent)
	log.Println("BMS client ready")
	return c, nil
}

// Iterate reads one line from the serial port and processes it. Timeouts and
// scan errors just mean no frame arrived this pass.
func (c *BMSClient) Iterate(ctx context.Context) error {
	if !c.scanner.Scan() {
		// A stopped scanner stays stopped, whether it hit a timeout, an I/O
		// error, or EOF (where Err is nil). Replace it so the next pass reads
		// the port again instead of spinning on the dead scanner.
		c.scanner = bufio.NewScanner(c.port)
		return nil
	}
	c.handleLine(c.scanner.Bytes())
	return nil
}

// handleLine validates and folds one frame, separated out for tests.
func (c *BMSClient) handleLine(line []byte) {
	if !bms.ValidFrame(line) {
		return
	}

	// Archive the verbatim frame; drop if the writer is behind
	archived := make([]byte, len(line))
	copy(archived, line)
	select {
	case c.raw <- rawFrame{When: time.Now(), Line: archived}:
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.status.Update(line); err != nil {
		// Checksum passed but a field failed to parse; treat as corrupt
		log.Printf("bms: %v\n", err)
		return
	}
	c.store.Set(KeyBatterySoC, float64(c.status.SoC))
	c.store.Set(KeyBatteryVoltage, c.status.Voltage)
	c.store.Set(KeyBatteryCurrent, c.status.Current)
}

// RawFrames exposes the archive queue for the log sink.
func (c *BMSClient) RawFrames() <-chan rawFrame {
	return c.raw
}

// Close shuts the serial port down.
func (c *BMSClient) Close() error {
	return c.port.Close()
}

// CSVHeader returns the battery column names.
func (c *BMSClient) CSVHeader() string {
	return "SoC (%),BMS Voltage,Current (A)"
}

// CSVLine returns the current battery values, empty until the first valid
// frame arrives.
func (c *BMSClient) CSVLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Seen() {
		return ",,"
	}
	return strings.Join([]string{
		strconv.Itoa(c.status.SoC),
		strconv.FormatFloat(c.status.Voltage, 'g', -1, 64),
		strconv.FormatFloat(c.status.Current, 'g', -1, 64),
	}, ",")
}

// StatusLines renders the battery picture for the console, one line per pack
// value plus one per module.
func (c *BMSClient) StatusLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Seen() {
		return []string{fmt.Sprintf("%20s %10s %10s", "Battery", "ERR", "")}
	}
	lines := []string{
		fmt.Sprintf("%20s %10d %10s", "SoC", c.status.SoC, "%"),
		fmt.Sprintf("%20s %10.2f %10s", "Voltage", c.status.Voltage, "V"),
		fmt.Sprintf("%20s %10.2f %10s", "Current", c.status.Current, "A"),
	}
	for id, m := range c.status.Modules {
		lines = append(lines, fmt.Sprintf("%20s %10d %10s",
			fmt.Sprintf("Module %d SoC", id), m.SoC, "%"))
	}
	return lines
}

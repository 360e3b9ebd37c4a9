package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/kessler-farms/gensetd/store"
)

// AnalogReader reads one raw engineering-unit sample from a sensor channel.
// The concrete implementation wraps the platform ADC and lives with the
// other hardware collaborators.
type AnalogReader interface {
	Read(channel string) (float64, error)
}

// AnalogClient polls the configured sensor channels on a fixed master
// frequency, block-averages each channel, and publishes the averaged,
// scaled value to the shared store once per completed block.
type AnalogClient struct {
	measurements []AnalogMeasurement
	averages     int
	subPeriod    time.Duration

	reader AnalogReader
	store  *store.Store

	partial map[string]partialBlock
}

// partialBlock accumulates one channel's in-progress average
type partialBlock struct {
	sum   float64
	count int
}

// NewAnalogClient validates the configuration and prepares the accumulator
// state. An averaging count of zero is a configuration error.
func NewAnalogClient(cfg AnalogConfig, reader AnalogReader, st *store.Store) (*AnalogClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &AnalogClient{
		measurements: cfg.Measurements,
		averages:     cfg.Averages,
		subPeriod:    time.Duration(cfg.Frequency / float64(cfg.Averages) * float64(time.Second)),
		reader:       reader,
		store:        st,
		partial:      make(map[string]partialBlock, len(cfg.Measurements)),
	}
	for _, m := range cfg.Measurements {
		st.Register(m.Channel)
		c.partial[m.Channel] = partialBlock{}
	}
	log.Println("Analog client ready")
	return c, nil
}

// Iterate runs one sub-period tick: channels whose block is complete publish
// their mean and reset, then every channel takes one more raw sample. A read
// failure is logged and skipped without disturbing the accumulator.
func (c *AnalogClient) Iterate(ctx context.Context) error {
	c.tick()
	sleepCtx(ctx, c.subPeriod)
	return nil
}

// tick is one accumulate/publish pass, separated out for tests
func (c *AnalogClient) tick() {
	for _, m := range c.measurements {
		block := c.partial[m.Channel]

		if block.count >= c.averages {
			mean := block.sum / float64(block.count)
			c.store.Set(m.Channel, mean*m.Gain+m.Offset)
			block = partialBlock{}
		}

		sample, err := c.reader.Read(m.Channel)
		if err != nil {
			log.Printf("analog: reading %s (%s): %v\n", m.Name, m.Channel, err)
			c.partial[m.Channel] = block
			continue
		}
		block.sum += sample
		block.count++
		c.partial[m.Channel] = block
	}
}

// CSVHeader returns the channel names in configuration order.
func (c *AnalogClient) CSVHeader() string {
	names := make([]string, 0, len(c.measurements))
	for _, m := range c.measurements {
		names = append(names, m.Name)
	}
	return strings.Join(names, ",")
}

// CSVLine returns the current averaged values; not-yet-published channels
// render as empty strings.
func (c *AnalogClient) CSVLine() string {
	values := make([]string, 0, len(c.measurements))
	for _, m := range c.measurements {
		if v, ok := c.store.Get(m.Channel); ok {
			values = append(values, strconv.FormatFloat(v, 'g', -1, 64))
		} else {
			values = append(values, "")
		}
	}
	return strings.Join(values, ",")
}

// StatusLines renders the current values human-readably for the console.
func (c *AnalogClient) StatusLines() []string {
	lines := make([]string, 0, len(c.measurements))
	for _, m := range c.measurements {
		if v, ok := c.store.Get(m.Channel); ok {
			lines = append(lines, fmt.Sprintf("%20s %10.2f %10s", m.Name, v, m.Units))
		} else {
			lines = append(lines, fmt.Sprintf("%20s %10s %10s", m.Name, "ERR", m.Units))
		}
	}
	return lines
}

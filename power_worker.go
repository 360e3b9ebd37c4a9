package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kessler-farms/gensetd/store"
)

// KeyBusPower is the store key for the derived trunk power value.
const KeyBusPower = "calc_bus_power"

// PowerWorker derives trunk power from the measured trunk voltage and
// current once per second. No hardware of its own; it only consumes store
// values published by the analog client.
type PowerWorker struct {
	voltageKey string
	currentKey string
	store      *store.Store
}

// NewPowerWorker wires the derived power calculation to the two source keys.
func NewPowerWorker(voltageKey, currentKey string, st *store.Store) *PowerWorker {
	st.Register(KeyBusPower)
	return &PowerWorker{
		voltageKey: voltageKey,
		currentKey: currentKey,
		store:      st,
	}
}

// Iterate computes one power sample. Either source missing means the analog
// client hasn't published yet; skip quietly.
func (p *PowerWorker) Iterate(ctx context.Context) error {
	v, okV := p.store.Get(p.voltageKey)
	i, okI := p.store.Get(p.currentKey)
	if okV && okI {
		p.store.Set(KeyBusPower, v*i)
	}
	sleepCtx(ctx, time.Second)
	return nil
}

// CSVHeader returns the derived power column name.
func (p *PowerWorker) CSVHeader() string {
	return "Trunk Power (W)"
}

// CSVLine returns the derived power value, empty until first computed.
func (p *PowerWorker) CSVLine() string {
	if v, ok := p.store.Get(KeyBusPower); ok {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return ""
}

// StatusLines renders the derived power for the console.
func (p *PowerWorker) StatusLines() []string {
	if v, ok := p.store.Get(KeyBusPower); ok {
		return []string{fmt.Sprintf("%20s %10.2f %10s", "Trunk power", v, "W")}
	}
	return []string{fmt.Sprintf("%20s %10s %10s", "Trunk power", "ERR", "W")}
}

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kessler-farms/gensetd/store"
)

// fakeModbus serves canned register values. Only the holding register read
// is used by the client; everything else fails loudly.
type fakeModbus struct {
	registers map[uint16][]byte
	fail      map[uint16]bool
}

func (f *fakeModbus) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.fail[address] {
		return nil, fmt.Errorf("bus timeout at %d", address)
	}
	data, ok := f.registers[address]
	if !ok {
		return nil, fmt.Errorf("no register at %d", address)
	}
	return data, nil
}

func (f *fakeModbus) ReadCoils(address, quantity uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeModbus) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func word(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func dword(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func newTestControllerClient(fake *fakeModbus, descriptors []Descriptor, st *store.Store) *ControllerClient {
	c := &ControllerClient{
		client:      fake,
		store:       st,
		descriptors: descriptors,
		lastPolled:  make(map[uint16]time.Time),
	}
	c.registerKeys()
	return c
}

func TestControllerClient_DecodesUnsignedRegister(t *testing.T) {
	st := store.New()
	fake := &fakeModbus{registers: map[uint16][]byte{1030: word(1500)}}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "RPM", Units: "RPM", Address: 1030, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0.1},
	}, st)

	v, err := c.readRegister(c.descriptors[0])
	require.NoError(t, err)
	assert.Equal(t, 1500.0, v)
}

func TestControllerClient_DecodesSignedRegister(t *testing.T) {
	st := store.New()
	// Coolant temperature is in the signed table; -5 degC on the wire
	addr := uint16(256*4 + 1)
	fake := &fakeModbus{registers: map[uint16][]byte{addr: word(0xFFFB)}}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "Coolant temp", Units: "degC", Address: addr, Length: 1, Gain: 1.0, Offset: 0.0, Period: 1},
	}, st)

	v, err := c.readRegister(c.descriptors[0])
	require.NoError(t, err)
	assert.Equal(t, -5.0, v)
}

func TestControllerClient_DecodesTwoWordRegister(t *testing.T) {
	st := store.New()
	// Generator total watts is signed, two words
	addr := uint16(256 * 6)
	fake := &fakeModbus{registers: map[uint16][]byte{addr: dword(0xFFFFFF38)}} // -200
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "Total watts", Units: "W", Address: addr, Length: 2, Gain: 1.0, Offset: 0.0, Period: 1},
	}, st)

	v, err := c.readRegister(c.descriptors[0])
	require.NoError(t, err)
	assert.Equal(t, -200.0, v)
}

func TestControllerClient_GainAndOffsetApplied(t *testing.T) {
	st := store.New()
	fake := &fakeModbus{registers: map[uint16][]byte{1223: word(270)}}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "Battery level", Units: "V", Address: 1223, Length: 1, Gain: 0.1, Offset: 0.5, Period: 1},
	}, st)

	v, err := c.readRegister(c.descriptors[0])
	require.NoError(t, err)
	assert.InDelta(t, 27.5, v, 1e-9)
}

func TestControllerClient_IteratePublishesAndKeepsStaleOnFailure(t *testing.T) {
	st := store.New()
	fake := &fakeModbus{
		registers: map[uint16][]byte{1030: word(1500)},
		fail:      map[uint16]bool{},
	}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "RPM", Units: "RPM", Address: 1030, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0},
	}, st)
	c.pollInterval = time.Millisecond

	require.NoError(t, c.Iterate(context.Background()))
	v, ok := st.Get("1030")
	require.True(t, ok)
	assert.Equal(t, 1500.0, v)

	// A failed read keeps the previous value in place
	fake.fail[1030] = true
	require.NoError(t, c.Iterate(context.Background()))
	v, ok = st.Get("1030")
	require.True(t, ok)
	assert.Equal(t, 1500.0, v)
}

func TestControllerClient_ShortResponseIsAnError(t *testing.T) {
	st := store.New()
	fake := &fakeModbus{registers: map[uint16][]byte{1030: {0x01}}}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "RPM", Units: "RPM", Address: 1030, Length: 1, Gain: 1.0, Offset: 0.0, Period: 1},
	}, st)

	_, err := c.readRegister(c.descriptors[0])
	assert.Error(t, err)
}

func TestControllerClient_CSVLineMatchesHeaderOrder(t *testing.T) {
	st := store.New()
	fake := &fakeModbus{registers: map[uint16][]byte{1030: word(1500)}}
	c := newTestControllerClient(fake, []Descriptor{
		{Name: "RPM", Units: "RPM", Address: 1030, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0},
		{Name: "Fuel level", Units: "%", Address: 1027, Length: 1, Gain: 1.0, Offset: 0.0, Period: 0},
	}, st)
	c.pollInterval = time.Millisecond

	assert.Equal(t, "RPM,Fuel level", c.CSVHeader())
	require.NoError(t, c.Iterate(context.Background()))

	// Fuel has no register on the fake, so its column stays empty
	assert.Equal(t, "1500,", c.CSVLine())
}

package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kessler-farms/gensetd/store"
)

type scriptedReader struct {
	samples map[string][]float64
	fail    map[string]bool
}

func (r *scriptedReader) Read(channel string) (float64, error) {
	if r.fail[channel] {
		return 0, fmt.Errorf("adc channel %s offline", channel)
	}
	queue := r.samples[channel]
	if len(queue) == 0 {
		return 0, fmt.Errorf("no more samples for %s", channel)
	}
	v := queue[0]
	r.samples[channel] = queue[1:]
	return v, nil
}

func testAnalogConfig(averages int) AnalogConfig {
	return AnalogConfig{
		Frequency: 1.0,
		Averages:  averages,
		Measurements: []AnalogMeasurement{
			{Name: "an_300v_cur", Units: "A", Channel: "AIN0", Gain: 2.0, Offset: -1.0},
		},
	}
}

func TestAnalogClient_RejectsZeroAverages(t *testing.T) {
	st := store.New()
	_, err := NewAnalogClient(testAnalogConfig(0), &scriptedReader{}, st)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestAnalogClient_NoPublishBeforeBlockCompletes(t *testing.T) {
	st := store.New()
	reader := &scriptedReader{samples: map[string][]float64{"AIN0": {10, 20, 30, 40}}}
	c, err := NewAnalogClient(testAnalogConfig(4), reader, st)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, ok := st.Get("AIN0")
		assert.False(t, ok, "no value should publish before the block is full")
		c.tick()
	}
}

func TestAnalogClient_PublishesScaledMeanAfterBlock(t *testing.T) {
	st := store.New()
	reader := &scriptedReader{samples: map[string][]float64{"AIN0": {10, 20, 30, 40, 50}}}
	c, err := NewAnalogClient(testAnalogConfig(4), reader, st)
	require.NoError(t, err)

	// Four ticks fill the block, the fifth publishes and starts the next one
	for i := 0; i < 5; i++ {
		c.tick()
	}

	v, ok := st.Get("AIN0")
	require.True(t, ok)
	// mean(10,20,30,40) = 25, scaled by gain 2 offset -1
	assert.InDelta(t, 49.0, v, 1e-9)
}

func TestAnalogClient_ReadFailureLeavesAccumulatorIntact(t *testing.T) {
	st := store.New()
	reader := &scriptedReader{
		samples: map[string][]float64{"AIN0": {10, 20}},
		fail:    map[string]bool{},
	}
	c, err := NewAnalogClient(testAnalogConfig(2), reader, st)
	require.NoError(t, err)

	c.tick()
	reader.fail["AIN0"] = true
	c.tick() // skipped, must not count toward the block
	reader.fail["AIN0"] = false
	c.tick() // completes the block
	c.tick() // publishes

	v, ok := st.Get("AIN0")
	require.True(t, ok)
	assert.InDelta(t, 29.0, v, 1e-9) // mean(10,20)*2 - 1
}

func TestAnalogClient_CSVLineEmptyUntilFirstPublish(t *testing.T) {
	st := store.New()
	reader := &scriptedReader{samples: map[string][]float64{"AIN0": {10, 10, 10}}}
	c, err := NewAnalogClient(testAnalogConfig(2), reader, st)
	require.NoError(t, err)

	assert.Equal(t, "an_300v_cur", c.CSVHeader())
	assert.Equal(t, "", c.CSVLine())

	c.tick()
	c.tick()
	c.tick()
	assert.Equal(t, "19", c.CSVLine())
}

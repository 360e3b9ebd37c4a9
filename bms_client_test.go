package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kessler-farms/gensetd/bms"
	"github.com/kessler-farms/gensetd/store"
)

// sealedStringFrame builds a checksummed string status report for tests.
func sealedStringFrame(t *testing.T, soc int, mv int, deciamps int) []byte {
	t.Helper()
	payload := make([]byte, 122)
	for i := range payload {
		payload[i] = ' '
	}
	payload[4] = 'S'
	payload[17] = 'D'
	place := func(lo, hi int, format string, v any) {
		s := fmt.Sprintf(format, v)
		require.Equal(t, hi-lo, len(s))
		copy(payload[lo:hi], s)
	}
	place(19, 22, "%3d", soc)
	place(23, 26, "%3d", 25)
	place(27, 33, "%6d", mv)
	place(34, 39, "%5d", deciamps)
	place(40, 48, "%08X", uint32(0))
	place(77, 83, "%6d", 1000)
	place(84, 90, "%6d", 2000)
	place(91, 97, "%6d", 3300)
	place(98, 104, "%6d", 3400)
	place(105, 107, "%2d", 30)
	sum := bms.Fletcher16(payload)
	return append(payload, []byte(fmt.Sprintf("%04X", sum))...)
}

func newTestBMSClient(st *store.Store) *BMSClient {
	c := &BMSClient{
		store:  st,
		status: bms.NewStatus(),
		raw:    make(chan rawFrame, 4),
	}
	st.Register(KeyBatterySoC)
	st.Register(KeyBatteryVoltage)
	st.Register(KeyBatteryCurrent)
	return c
}

func TestBMSClient_ValidFramePublishesBatteryValues(t *testing.T) {
	st := store.New()
	c := newTestBMSClient(st)

	c.handleLine(sealedStringFrame(t, 85, 52100, 123))

	soc, ok := st.Get(KeyBatterySoC)
	require.True(t, ok)
	assert.Equal(t, 85.0, soc)
	v, _ := st.Get(KeyBatteryVoltage)
	assert.InDelta(t, 52.1, v, 1e-9)
	a, _ := st.Get(KeyBatteryCurrent)
	assert.InDelta(t, 12.3, a, 1e-9)
}

func TestBMSClient_CorruptFrameDroppedSilently(t *testing.T) {
	st := store.New()
	c := newTestBMSClient(st)

	frame := sealedStringFrame(t, 85, 52100, 123)
	frame[30] ^= 0x01 // flip a payload bit, checksum no longer matches

	c.handleLine(frame)

	_, ok := st.Get(KeyBatterySoC)
	assert.False(t, ok, "corrupt frame must not publish")
	assert.Equal(t, ",,", c.CSVLine())
}

func TestBMSClient_RawArchiveReceivesVerbatimFrames(t *testing.T) {
	st := store.New()
	c := newTestBMSClient(st)

	frame := sealedStringFrame(t, 85, 52100, 123)
	c.handleLine(frame)

	select {
	case got := <-c.RawFrames():
		assert.Equal(t, frame, got.Line)
		assert.False(t, got.When.IsZero())
	default:
		t.Fatal("expected an archived frame")
	}
}

func TestBMSClient_ArchiveFullDoesNotBlockReader(t *testing.T) {
	st := store.New()
	c := newTestBMSClient(st)

	frame := sealedStringFrame(t, 85, 52100, 123)
	for i := 0; i < 10; i++ {
		c.handleLine(frame) // queue holds 4; the rest must drop, not block
	}
	assert.Len(t, c.raw, 4)
}

// scriptedPort serves queued chunks and reports EOF once they run out, the
// way a serial device node behaves across an unplug/replug.
type scriptedPort struct {
	reads [][]byte
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *scriptedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *scriptedPort) Close() error                { return nil }
func (p *scriptedPort) Open(*serial.Config) error   { return nil }

func TestBMSClient_ScannerResetsWhenStreamEnds(t *testing.T) {
	st := store.New()
	c := newTestBMSClient(st)
	port := &scriptedPort{reads: [][]byte{append(sealedStringFrame(t, 85, 52100, 123), '\n')}}
	c.port = port
	c.scanner = bufio.NewScanner(port)

	require.NoError(t, c.Iterate(context.Background()))
	soc, ok := st.Get(KeyBatterySoC)
	require.True(t, ok)
	assert.Equal(t, 85.0, soc)

	// End of stream stops the scanner with a nil Err; a stopped scanner never
	// scans again, so it must be replaced or the reader would spin forever
	// without touching the port.
	stopped := c.scanner
	require.NoError(t, c.Iterate(context.Background()))
	assert.NotSame(t, stopped, c.scanner)

	// Frames arriving after the reset are read again
	port.reads = append(port.reads, append(sealedStringFrame(t, 42, 50000, 10), '\n'))
	require.NoError(t, c.Iterate(context.Background()))
	soc, _ = st.Get(KeyBatterySoC)
	assert.Equal(t, 42.0, soc)
}

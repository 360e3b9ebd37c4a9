package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink_WritesHeaderOnceThenRows(t *testing.T) {
	dir := t.TempDir()
	sink := NewLogSink(dir, "Time,RPM")
	defer sink.Close()

	sink.Enqueue("t1,1500")
	sink.Enqueue("t2,1510")
	require.NoError(t, sink.Iterate(context.Background()))
	require.NoError(t, sink.Iterate(context.Background()))
	require.NoError(t, sink.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Time,RPM", lines[0])
	assert.Equal(t, "t1,1500", lines[1])
	assert.Equal(t, "t2,1510", lines[2])
}

func TestLogSink_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := NewLogSink(t.TempDir(), "h")
	for i := 0; i < 1000; i++ {
		sink.Enqueue("row") // queue holds 256; the rest must drop
	}
	assert.Len(t, sink.queue, 256)
}

func TestRawArchive_WritesTimestampedFrames(t *testing.T) {
	dir := t.TempDir()
	frames := make(chan rawFrame, 2)
	when := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	frames <- rawFrame{When: when, Line: []byte("frame-one")}

	archive := NewRawArchive(dir, frames)
	require.NoError(t, archive.Iterate(context.Background()))
	require.NoError(t, archive.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "bms_2026-08-24.log"))
	require.NoError(t, err)
	assert.Equal(t, when.Format(time.RFC3339)+" frame-one\n", string(raw))
}

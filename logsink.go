package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogSink queues periodic CSV rows and writes them to hourly files under the
// configured log directory. The header is written once at the top of each
// new file. A full queue drops the row; losing a log row must never stall
// the control loop.
type LogSink struct {
	dir    string
	header string
	queue  chan string

	mu       sync.Mutex // guards the file against the reconcile hook
	file     *os.File
	filePath string
	fileHour time.Time
}

// NewLogSink prepares a sink writing under dir.
func NewLogSink(dir, header string) *LogSink {
	return &LogSink{
		dir:    dir,
		header: header,
		queue:  make(chan string, 256),
	}
}

// Enqueue queues one CSV row without blocking.
func (s *LogSink) Enqueue(row string) {
	select {
	case s.queue <- row:
	default:
	}
}

// Iterate drains queued rows to the current hour's file, rotating on the
// hour boundary.
func (s *LogSink) Iterate(ctx context.Context) error {
	select {
	case row := <-s.queue:
		s.mu.Lock()
		defer s.mu.Unlock()
		f, err := s.currentFile(time.Now())
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(f, row); err != nil {
			return fmt.Errorf("writing log row: %w", err)
		}
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return nil
}

// currentFile returns the open file for now's hour, rotating if the hour
// has rolled over.
func (s *LogSink) currentFile(now time.Time) (*os.File, error) {
	hour := now.Truncate(time.Hour)
	if s.file != nil && hour.Equal(s.fileHour) {
		return s.file, nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(s.dir, hour.Format("2006-01-02_15")+".csv")
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	if fresh {
		fmt.Fprintln(f, s.header)
	}
	s.file = f
	s.filePath = path
	s.fileHour = hour
	log.Printf("Logging to %s\n", path)
	return f, nil
}

// Reconcile drops the open file handle when its path has vanished, as
// happens when the operator swaps the removable drive the log directory
// lives on. The next row reopens a fresh file with a header.
func (s *LogSink) Reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := os.Stat(s.filePath); err == nil {
		return
	}
	log.Printf("Log file %s disappeared, reopening on next row\n", s.filePath)
	s.file.Close()
	s.file = nil
}

// Close flushes and closes the current file.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// RawArchive drains the battery client's verbatim frame queue into a daily
// file, one timestamped line per frame, for offline protocol analysis.
type RawArchive struct {
	dir    string
	frames <-chan rawFrame

	file    *os.File
	fileDay time.Time
}

// NewRawArchive prepares an archive writer under dir consuming frames.
func NewRawArchive(dir string, frames <-chan rawFrame) *RawArchive {
	return &RawArchive{dir: dir, frames: frames}
}

// Iterate writes one queued frame, rotating on the day boundary.
func (a *RawArchive) Iterate(ctx context.Context) error {
	select {
	case frame := <-a.frames:
		day := frame.When.Truncate(24 * time.Hour)
		if a.file == nil || !day.Equal(a.fileDay) {
			if a.file != nil {
				a.file.Close()
			}
			if err := os.MkdirAll(a.dir, 0o755); err != nil {
				return fmt.Errorf("creating archive directory: %w", err)
			}
			path := filepath.Join(a.dir, "bms_"+day.Format("2006-01-02")+".log")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("opening archive file: %w", err)
			}
			a.file = f
			a.fileDay = day
		}
		if _, err := fmt.Fprintf(a.file, "%s %s\n",
			frame.When.Format(time.RFC3339), frame.Line); err != nil {
			return fmt.Errorf("writing archive line: %w", err)
		}
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return nil
}

// Close closes the current archive file.
func (a *RawArchive) Close() error {
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

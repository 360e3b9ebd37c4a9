package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/kessler-farms/gensetd/pid"
	"github.com/kessler-farms/gensetd/store"
)

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m"
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

var rlWriter = &readlineWriter{}

// ConsoleState manages the watched keys and the controller handle for the
// interactive console.
type ConsoleState struct {
	store      *store.Store
	controller *pid.Controller
	sources    []StatusSource

	watches       []string
	headerPrinted bool
	columnWidths  []int
	prevValues    map[string]string
	rl            *readline.Instance
}

// NewConsoleState creates an empty console state.
func NewConsoleState(st *store.Store, controller *pid.Controller, sources []StatusSource) *ConsoleState {
	return &ConsoleState{
		store:      st,
		controller: controller,
		sources:    sources,
		prevValues: make(map[string]string),
	}
}

// SetReadline sets the readline instance for proper output handling
func (s *ConsoleState) SetReadline(rl *readline.Instance) {
	s.rl = rl
}

// print outputs a line, handling the readline prompt properly
func (s *ConsoleState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// AddWatch adds a key to the watch list and re-sorts it.
func (s *ConsoleState) AddWatch(key string) {
	if slices.Contains(s.watches, key) {
		log.Printf("Already watching: %s", key)
		return
	}
	s.watches = append(s.watches, key)
	sort.Strings(s.watches)
	s.headerPrinted = false
	log.Printf("Watching: %s", key)
}

// RemoveWatch removes a key from the watch list.
func (s *ConsoleState) RemoveWatch(key string) {
	i := slices.Index(s.watches, key)
	if i < 0 {
		log.Printf("No watch found for: %s", key)
		return
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	s.headerPrinted = false
	log.Printf("Unwatched: %s", key)
}

// RemoveAll clears the watch list.
func (s *ConsoleState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	log.Println("All watches removed")
}

// ListKeys prints every registered store key with its current value.
func (s *ConsoleState) ListKeys() {
	keys := s.store.Keys()
	sort.Strings(keys)
	s.print("Available keys (%d):", len(keys))
	for _, key := range keys {
		if v, ok := s.store.Get(key); ok {
			s.print("  %-20s %g", key, v)
		} else {
			s.print("  %-20s -", key)
		}
	}
}

// PrintStatus dumps every status source.
func (s *ConsoleState) PrintStatus() {
	for _, src := range s.sources {
		for _, line := range src.StatusLines() {
			s.print("%s", line)
		}
	}
	snap := s.controller.State()
	mode := "manual"
	if snap.InAuto {
		mode = "auto"
	}
	s.print("%20s %10.2f (%s, setpoint %.2f)", "PID output", snap.Output, mode, snap.Setpoint)
}

func (s *ConsoleState) printHeader() {
	if len(s.watches) == 0 {
		return
	}
	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, 0, len(s.watches))
	for i, key := range s.watches {
		s.columnWidths[i] = len(key)
		parts = append(parts, fmt.Sprintf("%*s", s.columnWidths[i], key))
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string)
}

// PrintRow prints the current values for all watches, only when one changed.
func (s *ConsoleState) PrintRow() {
	if len(s.watches) == 0 {
		return
	}
	if !s.headerPrinted {
		s.printHeader()
	}

	parts := make([]string, 0, len(s.watches))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, key := range s.watches {
		value := "-"
		if v, ok := s.store.Get(key); ok {
			value = strconv.FormatFloat(v, 'g', 6, 64)
		}
		newValues[key] = value

		width := s.columnWidths[i]
		if len(value) > width {
			width = len(value)
			s.columnWidths[i] = width
		}

		if prev, hasPrev := s.prevValues[key]; !hasPrev || prev != value {
			anyChanged = true
			parts = append(parts, fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset))
		} else {
			parts = append(parts, fmt.Sprintf("%*s", width, value))
		}
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = newValues
	}
}

// handleConsoleCommand processes one console command
func handleConsoleCommand(cmd string, state *ConsoleState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "list":
		state.ListKeys()

	case "status":
		state.PrintStatus()

	case "watch":
		if len(parts) != 2 {
			log.Println("Usage: watch <key>")
			return
		}
		state.AddWatch(parts[1])

	case "unwatch":
		if len(parts) != 2 {
			log.Println("Usage: unwatch <key> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		state.RemoveWatch(parts[1])

	case "set":
		if len(parts) != 3 {
			log.Println("Usage: set <setpoint|output> <value>")
			return
		}
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		switch parts[1] {
		case "setpoint":
			state.controller.SetSetpoint(v)
			log.Printf("Setpoint set to %g", v)
		case "output":
			state.controller.SetOutput(v)
			log.Printf("Output set to %g", v)
		default:
			log.Printf("Unknown target: %s", parts[1])
		}

	case "auto":
		state.controller.SetAuto(true)
		log.Println("Controller in auto")

	case "manual":
		state.controller.SetAuto(false)
		log.Println("Controller in manual")

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  list                  - List all store keys with current values")
		fmt.Println("  status                - Print the full status display")
		fmt.Println("  watch <key>           - Print the key's value whenever it changes")
		fmt.Println("  unwatch <key>         - Remove a watch")
		fmt.Println("  unwatch --all         - Remove all watches")
		fmt.Println("  set setpoint <value>  - Change the controller setpoint")
		fmt.Println("  set output <value>    - Drive the output directly (manual mode)")
		fmt.Println("  auto / manual         - Switch controller mode")
		fmt.Println("  help                  - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for console history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	gensetdCache := filepath.Join(cacheDir, "gensetd")
	_ = os.MkdirAll(gensetdCache, 0750)
	return filepath.Join(gensetdCache, "console_history")
}

// consoleWorker provides interactive introspection and manual control when
// the daemon runs in the foreground.
func consoleWorker(ctx context.Context, cancel context.CancelFunc, state *ConsoleState) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Console: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	rlWriter.rl = rl
	log.SetOutput(rlWriter)
	state.SetReadline(rl)

	log.Println("Console started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-commandChan:
			handleConsoleCommand(cmd, state)
		case <-ticker.C:
			state.PrintRow()
		case <-ctx.Done():
			log.Println("Console stopped")
			return
		}
	}
}

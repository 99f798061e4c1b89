package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

const windowStateFile = "window-state.json"

// Test hooks; production uses the real implementations.
var (
	windowStatePath    = defaultWindowStatePath
	processExists      = defaultProcessExists
	currentPID         = os.Getpid
	lookupWindowNumEnv = func() string { return os.Getenv("TERMDECK_WINDOW_NUM") }
)

// windowInfo tracks one running TermDeck window.
type windowInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// windowState is the cross-process registry of open windows. It lives
// in one JSON file guarded by a file lock, so separate window
// processes can claim distinct numbers.
type windowState struct {
	NextWindowNumber int                   `json:"nextWindowNumber"`
	ActiveWindows    map[string]windowInfo `json:"activeWindows"`
}

func defaultWindowStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", ".termdeck", windowStateFile)
	}
	return filepath.Join(home, ".termdeck", windowStateFile)
}

// withWindowState runs fn with the registry loaded and the state file
// exclusively locked, then writes the registry back.
func withWindowState(fn func(state *windowState) error) error {
	path := windowStatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open window state: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock window state: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	state := &windowState{
		NextWindowNumber: 2,
		ActiveWindows:    make(map[string]windowInfo),
	}
	if err := json.NewDecoder(f).Decode(state); err != nil && err != io.EOF {
		// A torn file is not worth failing startup over; start fresh.
		state = &windowState{
			NextWindowNumber: 2,
			ActiveWindows:    make(map[string]windowInfo),
		}
	}
	if state.ActiveWindows == nil {
		state.ActiveWindows = make(map[string]windowInfo)
	}

	if err := fn(state); err != nil {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate window state: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind window state: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

// registerWindow claims this process's window number. A process
// launched by OpenNewWindow carries its assigned number in the
// environment; anything else is the primary window.
func registerWindow() (int, error) {
	var windowNum int

	err := withWindowState(func(state *windowState) error {
		sweepDeadWindows(state)

		windowNum = 1
		if env := lookupWindowNumEnv(); env != "" {
			if n, err := strconv.Atoi(env); err == nil && n > 0 {
				windowNum = n
				if n >= state.NextWindowNumber {
					state.NextWindowNumber = n + 1
				}
			}
		}

		state.ActiveWindows[strconv.Itoa(windowNum)] = windowInfo{
			PID:       currentPID(),
			StartedAt: time.Now(),
		}
		return nil
	})

	return windowNum, err
}

// allocateNextWindowNumber reserves a number for a window about to be
// spawned.
func allocateNextWindowNumber() (int, error) {
	var next int

	err := withWindowState(func(state *windowState) error {
		sweepDeadWindows(state)

		// Rein the counter back in once every window is gone.
		if len(state.ActiveWindows) == 0 && state.NextWindowNumber > 100 {
			state.NextWindowNumber = 2
		}

		next = state.NextWindowNumber
		state.NextWindowNumber++
		return nil
	})

	return next, err
}

// unregisterWindow drops this window from the registry on shutdown.
func unregisterWindow(windowNum int) {
	_ = withWindowState(func(state *windowState) error {
		delete(state.ActiveWindows, strconv.Itoa(windowNum))
		return nil
	})
}

func sweepDeadWindows(state *windowState) {
	for num, info := range state.ActiveWindows {
		if !processExists(info.PID) {
			delete(state.ActiveWindows, num)
		}
	}
}

func defaultProcessExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes liveness.
	return process.Signal(syscall.Signal(0)) == nil
}

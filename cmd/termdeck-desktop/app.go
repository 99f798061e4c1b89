package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"go.uber.org/zap"

	"github.com/termdeck/termdeck/internal/localpty"
	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/remote"
	"github.com/termdeck/termdeck/internal/term"
	"github.com/termdeck/termdeck/internal/ui"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// geometryDebounce coalesces pane resize bursts before they reach the
// engine, so a drag does not flood the process with winch storms.
const geometryDebounce = 40 * time.Millisecond

// App is the Wails-bound backend: the terminal engine plus settings
// and window bookkeeping.
type App struct {
	ctx       context.Context
	log       *zap.Logger
	settings  *SettingsManager
	loaded    *Settings
	engine    *term.Engine
	windowNum int

	mu        sync.Mutex
	debounced map[string]func(func())
	lastSize  map[string]term.SurfaceSize
}

// NewApp creates the application struct. The engine comes up in
// startup once the runtime context exists.
func NewApp() *App {
	return &App{
		settings:  NewSettingsManager(),
		debounced: make(map[string]func(func())),
		lastSize:  make(map[string]term.SurfaceSize),
	}
}

// startup wires the engine: registry sized from settings, the local
// PTY transport, and one remote transport per configured host.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.log = openLogger()

	s := a.settings.Load()
	a.loaded = s

	registry := term.NewRegistry(s.Terminal.ScrollbackLimitBytes)
	engine := term.NewEngine(registry, a.log.Named("engine"), s.engineOptions())
	engine.RegisterTransport("", localpty.New(s.Terminal.Shell, a.log.Named("pty")))
	for name, host := range s.Hosts {
		cfg := remote.Config{
			BaseURL:     host.URL,
			MaxAttempts: s.Engine.ReconnectMaxAttempts,
		}
		engine.RegisterTransport(name, remote.New(cfg, a.log.Named("remote").With(zap.String("host", name))))
	}
	a.engine = engine

	num, err := registerWindow()
	if err != nil {
		a.log.Warn("window registration failed", zap.Error(err))
		num = 1
	}
	a.windowNum = num
}

// shutdown tears down every session before the process exits.
func (a *App) shutdown(_ context.Context) {
	if a.engine != nil {
		if err := a.engine.CloseAll(); err != nil {
			a.log.Warn("session teardown incomplete", zap.Error(err))
		}
	}
	if a.windowNum > 0 {
		unregisterWindow(a.windowNum)
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// openLogger logs to stderr in debug runs and to the log file under
// ~/.termdeck otherwise, so packaged builds still leave a trail.
func openLogger() *zap.Logger {
	cfg := logging.Config{Development: os.Getenv("TERMDECK_DEBUG") != ""}
	if !cfg.Development {
		if home, err := os.UserHomeDir(); err == nil {
			dir := filepath.Join(home, ".termdeck", "logs")
			if os.MkdirAll(dir, 0700) == nil {
				cfg.OutputPaths = []string{filepath.Join(dir, "desktop.log")}
			}
		}
	}
	log, err := logging.New(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// GetVersion returns the application version.
func (a *App) GetVersion() string {
	return Version
}

// WindowNumber reports this window's number for title display.
func (a *App) WindowNumber() int {
	return a.windowNum
}

// StartTerminal spawns or reuses the terminal process for a session.
// An empty host runs it locally; otherwise host names a [hosts.X]
// entry from config.toml.
func (a *App) StartTerminal(sessionID, workingDir, host string, cols, rows int) error {
	return a.engine.Start(a.ctx, term.StartOptions{
		SessionID:        sessionID,
		WorkingDirectory: workingDir,
		Host:             host,
		Cols:             cols,
		Rows:             rows,
	})
}

// AttachTerminal binds the session's output to its frontend pane and
// replays the buffered history onto it.
func (a *App) AttachTerminal(sessionID string) {
	a.engine.Attach(sessionID, newEventSurface(a.ctx, sessionID))
}

// DetachTerminal unbinds the pane. The session keeps running and
// buffering output.
func (a *App) DetachTerminal(sessionID string) {
	a.engine.Detach(sessionID)
}

// WriteTerminal forwards keystrokes to the session's process.
func (a *App) WriteTerminal(sessionID, data string) error {
	return a.engine.Input(sessionID, []byte(data))
}

// NotifyTerminalGeometry feeds one pane measurement to the engine,
// debounced per session.
func (a *App) NotifyTerminalGeometry(sessionID string, width, height, cellWidth, cellHeight float64) {
	size := term.SurfaceSize{
		Width:      width,
		Height:     height,
		CellWidth:  cellWidth,
		CellHeight: cellHeight,
	}

	a.mu.Lock()
	a.lastSize[sessionID] = size
	deb := a.debounced[sessionID]
	if deb == nil {
		deb = debounce.New(geometryDebounce)
		a.debounced[sessionID] = deb
	}
	a.mu.Unlock()

	deb(func() {
		a.mu.Lock()
		latest := a.lastSize[sessionID]
		a.mu.Unlock()
		a.engine.ObserveSize(sessionID, latest)
	})
}

// ClearTerminal wipes the session's scrollback and its pane.
func (a *App) ClearTerminal(sessionID string) {
	a.engine.Clear(sessionID)
}

// CloseTerminal ends the session and its process.
func (a *App) CloseTerminal(sessionID string) error {
	a.mu.Lock()
	delete(a.debounced, sessionID)
	delete(a.lastSize, sessionID)
	a.mu.Unlock()
	return a.engine.CloseSession(sessionID)
}

// ListTerminals reports every tracked session.
func (a *App) ListTerminals() []term.SessionInfo {
	return a.engine.Sessions()
}

// ListHosts names the configured remote hosts.
func (a *App) ListHosts() []string {
	names := make([]string, 0, len(a.loaded.Hosts))
	for name := range a.loaded.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSystemTheme reports the OS light/dark preference.
func (a *App) GetSystemTheme() string {
	return ui.DetectSystemTheme()
}

// GetTheme returns the configured theme, resolving "auto" against the
// OS preference.
func (a *App) GetTheme() string {
	if a.loaded.Theme == "auto" {
		return ui.DetectSystemTheme()
	}
	return a.loaded.Theme
}

// SetTheme persists a theme preference.
func (a *App) SetTheme(theme string) error {
	if err := a.settings.SetTheme(theme); err != nil {
		return err
	}
	a.loaded = a.settings.Load()
	return nil
}

// GetFontSize returns the configured pane font size.
func (a *App) GetFontSize() int {
	return a.loaded.Terminal.FontSize
}

// SetFontSize persists the pane font size.
func (a *App) SetFontSize(size int) error {
	if err := a.settings.SetFontSize(size); err != nil {
		return err
	}
	a.loaded = a.settings.Load()
	return nil
}

// OpenNewWindow launches another TermDeck window as its own process.
func (a *App) OpenNewWindow() error {
	num, err := allocateNextWindowNumber()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERMDECK_WINDOW_NUM=%d", num))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch window: %w", err)
	}
	return cmd.Process.Release()
}

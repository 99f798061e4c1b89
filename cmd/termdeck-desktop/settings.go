package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/termdeck/termdeck/internal/term"
)

// TerminalSettings is the [terminal] section of config.toml.
type TerminalSettings struct {
	// Shell overrides $SHELL for local sessions.
	Shell string `toml:"shell"`
	// FontSize is the pane font size in pixels. Range 8-32, default 14.
	FontSize int `toml:"font_size"`
	// ScrollbackLimitBytes caps per-session history retention. 0
	// disables the cap; positive values are raised to at least 64 KiB.
	ScrollbackLimitBytes int `toml:"scrollback_limit_bytes"`
}

// EngineSettings is the [engine] section of config.toml. Zero values
// keep the built-in pacing.
type EngineSettings struct {
	ChunkSizeBytes       int `toml:"chunk_size_bytes"`
	FlushIntervalMs      int `toml:"flush_interval_ms"`
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`
}

// HostSettings is one [hosts.<name>] section naming a termdeck-host to
// run sessions on.
type HostSettings struct {
	URL string `toml:"url"`
}

// Settings is everything TermDeck reads from config.toml.
type Settings struct {
	Theme    string                  `toml:"theme"`
	Terminal TerminalSettings        `toml:"terminal"`
	Engine   EngineSettings          `toml:"engine"`
	Hosts    map[string]HostSettings `toml:"hosts"`
}

// envOverrides are knobs applied on top of config.toml, read from
// TERMDECK_* environment variables.
type envOverrides struct {
	Shell                string `envconfig:"SHELL"`
	Theme                string `envconfig:"THEME"`
	FontSize             int    `envconfig:"FONT_SIZE"`
	HostURL              string `envconfig:"HOST_URL"`
	ChunkSize            int    `envconfig:"CHUNK_SIZE"`
	FlushIntervalMs      int    `envconfig:"FLUSH_INTERVAL_MS"`
	ScrollbackLimit      int    `envconfig:"SCROLLBACK_LIMIT"`
	ReconnectMaxAttempts int    `envconfig:"RECONNECT_MAX_ATTEMPTS"`
}

// SettingsManager loads and saves config.toml under ~/.termdeck.
type SettingsManager struct {
	configPath string
}

func NewSettingsManager() *SettingsManager {
	home, _ := os.UserHomeDir()
	return &SettingsManager{
		configPath: filepath.Join(home, ".termdeck", "config.toml"),
	}
}

func defaultSettings() *Settings {
	return &Settings{
		Theme: "dark",
		Terminal: TerminalSettings{
			FontSize:             14,
			ScrollbackLimitBytes: term.DefaultScrollbackLimit,
		},
		Hosts: make(map[string]HostSettings),
	}
}

// Load reads config.toml, applies TERMDECK_* overrides, and fills
// defaults for anything missing or out of range. A broken file falls
// back to defaults rather than blocking startup.
func (m *SettingsManager) Load() *Settings {
	s := defaultSettings()

	if data, err := os.ReadFile(m.configPath); err == nil {
		// Unmarshal over the defaults so omitted keys keep them; an
		// explicit scrollback_limit_bytes = 0 still means unbounded.
		if toml.Unmarshal(data, s) != nil {
			s = defaultSettings()
		}
	}

	var env envOverrides
	if envconfig.Process("termdeck", &env) == nil {
		if env.Shell != "" {
			s.Terminal.Shell = env.Shell
		}
		if env.Theme != "" {
			s.Theme = env.Theme
		}
		if env.FontSize != 0 {
			s.Terminal.FontSize = env.FontSize
		}
		if env.HostURL != "" {
			if s.Hosts == nil {
				s.Hosts = make(map[string]HostSettings)
			}
			s.Hosts["env"] = HostSettings{URL: env.HostURL}
		}
		if env.ChunkSize > 0 {
			s.Engine.ChunkSizeBytes = env.ChunkSize
		}
		if env.FlushIntervalMs > 0 {
			s.Engine.FlushIntervalMs = env.FlushIntervalMs
		}
		if env.ScrollbackLimit > 0 {
			s.Terminal.ScrollbackLimitBytes = env.ScrollbackLimit
		}
		if env.ReconnectMaxAttempts > 0 {
			s.Engine.ReconnectMaxAttempts = env.ReconnectMaxAttempts
		}
	}

	normalize(s)
	return s
}

func normalize(s *Settings) {
	switch s.Theme {
	case "dark", "light", "auto":
	default:
		s.Theme = "dark"
	}

	if s.Terminal.FontSize == 0 {
		s.Terminal.FontSize = 14
	} else if s.Terminal.FontSize < 8 {
		s.Terminal.FontSize = 8
	} else if s.Terminal.FontSize > 32 {
		s.Terminal.FontSize = 32
	}
	switch {
	case s.Terminal.ScrollbackLimitBytes < 0:
		s.Terminal.ScrollbackLimitBytes = term.DefaultScrollbackLimit
	case s.Terminal.ScrollbackLimitBytes > 0 && s.Terminal.ScrollbackLimitBytes < 64*1024:
		s.Terminal.ScrollbackLimitBytes = 64 * 1024
	}

	if s.Engine.ChunkSizeBytes < 0 {
		s.Engine.ChunkSizeBytes = 0
	}
	if s.Engine.FlushIntervalMs < 0 {
		s.Engine.FlushIntervalMs = 0
	}
	if s.Engine.ReconnectMaxAttempts < 0 {
		s.Engine.ReconnectMaxAttempts = 0
	}

	if s.Hosts == nil {
		s.Hosts = make(map[string]HostSettings)
	}
	for name, h := range s.Hosts {
		if h.URL == "" {
			delete(s.Hosts, name)
		}
	}
}

// engineOptions maps the [engine] section onto write scheduling.
func (s *Settings) engineOptions() term.Options {
	opts := term.Options{
		ChunkSize:     s.Engine.ChunkSizeBytes,
		FlushInterval: -1,
	}
	if s.Engine.FlushIntervalMs > 0 {
		opts.FlushInterval = time.Duration(s.Engine.FlushIntervalMs) * time.Millisecond
	}
	return opts
}

// save rewrites config.toml through mutate, preserving sections this
// build does not know about.
func (m *SettingsManager) save(mutate func(raw map[string]any)) error {
	raw := make(map[string]any)
	if data, err := os.ReadFile(m.configPath); err == nil {
		if toml.Unmarshal(data, &raw) != nil {
			raw = make(map[string]any)
		}
	}
	mutate(raw)

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return err
	}
	return os.WriteFile(m.configPath, buf.Bytes(), 0600)
}

// SetTheme persists the theme preference.
func (m *SettingsManager) SetTheme(theme string) error {
	switch theme {
	case "dark", "light", "auto":
	default:
		theme = "dark"
	}
	return m.save(func(raw map[string]any) {
		raw["theme"] = theme
	})
}

// SetFontSize persists the pane font size, clamped to 8-32.
func (m *SettingsManager) SetFontSize(size int) error {
	if size < 8 {
		size = 8
	} else if size > 32 {
		size = 32
	}
	return m.save(func(raw map[string]any) {
		section, _ := raw["terminal"].(map[string]any)
		if section == nil {
			section = make(map[string]any)
		}
		section["font_size"] = size
		raw["terminal"] = section
	})
}

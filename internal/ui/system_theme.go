// Package ui resolves desktop integration details the frontend cannot
// reach from its webview, such as the OS color scheme.
package ui

import (
	"os/exec"
	"runtime"
	"strings"
)

// DetectSystemTheme reports "dark" or "light" from OS settings,
// defaulting to dark when the platform gives no answer.
func DetectSystemTheme() string {
	switch runtime.GOOS {
	case "darwin":
		return macTheme()
	case "linux":
		return linuxTheme()
	default:
		return "dark"
	}
}

func macTheme() string {
	// The key exists only while dark mode is on.
	out, err := exec.Command("defaults", "read", "-g", "AppleInterfaceStyle").Output()
	if err != nil {
		return "light"
	}
	if strings.TrimSpace(string(out)) == "Dark" {
		return "dark"
	}
	return "light"
}

// linuxTheme asks gsettings, preferring the GNOME 42+ color-scheme key
// over the legacy gtk-theme name.
func linuxTheme() string {
	probes := [][]string{
		{"gsettings", "get", "org.gnome.desktop.interface", "color-scheme"},
		{"gsettings", "get", "org.gnome.desktop.interface", "gtk-theme"},
	}
	for _, probe := range probes {
		out, err := exec.Command(probe[0], probe[1:]...).Output()
		if err != nil {
			continue
		}
		if theme, ok := parseGsettingsTheme(string(out)); ok {
			return theme
		}
	}
	return "dark"
}

// parseGsettingsTheme maps a gsettings value like 'prefer-dark' or
// 'Adwaita-dark' onto a theme. ok is false when the value names
// neither scheme.
func parseGsettingsTheme(value string) (string, bool) {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "dark"):
		return "dark", true
	case strings.Contains(v, "light"):
		return "light", true
	default:
		return "", false
	}
}

package tui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Colors stay readable on light and dark backgrounds; faint styling is only used on dark ones.

func ac(light, dark string) lipgloss.AdaptiveColor {
	return lipgloss.AdaptiveColor{Light: light, Dark: dark}
}

func faintIfDark(st lipgloss.Style) lipgloss.Style {
	if lipgloss.HasDarkBackground() {
		return st.Faint(true)
	}
	return st
}

var (
	colorMuted      lipgloss.TerminalColor = ac("240", "243")
	colorSelectedBg lipgloss.TerminalColor = ac("#e9e9e9", "#262626")
	colorSelectedFg lipgloss.TerminalColor = ac("235", "255")
	colorAccent     lipgloss.TerminalColor = ac("27", "62")
	colorHeaderFg   lipgloss.TerminalColor = ac("235", "252")

	colorPendingFg lipgloss.TerminalColor = ac("130", "214") // amber: in flight
	colorDraftFg   lipgloss.TerminalColor = ac("90", "177")  // violet: unsaved draft
	colorErrorBg   lipgloss.TerminalColor = ac("196", "160")
	colorInfoBg    lipgloss.TerminalColor = ac("27", "62")
	colorToastFg   lipgloss.TerminalColor = ac("255", "255")
	colorLiveFg    lipgloss.TerminalColor = ac("28", "42")
	colorOfflineFg lipgloss.TerminalColor = ac("160", "203")
)

func styleMuted() lipgloss.Style {
	return faintIfDark(lipgloss.NewStyle().Foreground(colorMuted))
}

func styleSelected() lipgloss.Style {
	return lipgloss.NewStyle().Background(colorSelectedBg).Foreground(colorSelectedFg).Bold(true)
}

func styleGroupHeader() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(colorHeaderFg).Bold(true).Underline(true)
}

func styleTitle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
}

func stylePending() lipgloss.Style { return lipgloss.NewStyle().Foreground(colorPendingFg) }
func styleDraft() lipgloss.Style   { return lipgloss.NewStyle().Foreground(colorDraftFg).Italic(true) }

func styleToast(kind toastKind) lipgloss.Style {
	bg := colorErrorBg
	if kind == toastInfo {
		bg = colorInfoBg
	}
	return lipgloss.NewStyle().Background(bg).Foreground(colorToastFg).Padding(0, 1)
}

// applyColorProfilePreference honors NO_COLOR and otherwise trusts TERM/COLORTERM over the
// detected profile, which under-reports on some terminals.
func applyColorProfilePreference() {
	if strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	profile := termenv.ColorProfile()
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	colorterm := strings.ToLower(strings.TrimSpace(os.Getenv("COLORTERM")))
	switch {
	case strings.Contains(colorterm, "truecolor") || strings.Contains(colorterm, "24bit"):
		if profile != termenv.Ascii {
			profile = termenv.TrueColor
		}
	case strings.Contains(term, "256color"):
		if profile == termenv.Ascii || profile == termenv.ANSI {
			profile = termenv.ANSI256
		}
	}
	lipgloss.SetColorProfile(profile)
}

// applyThemePreference decides the background for adaptive colors.
//
// Priority:
// 1) LABCOURSE_TUI_THEME=light|dark
// 2) the configured theme (same values; "auto" falls through)
// 3) COLORFGBG ("fg;bg", last segment is the background)
func applyThemePreference(configured string) string {
	for _, v := range []string{os.Getenv("LABCOURSE_TUI_THEME"), configured} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "light":
			lipgloss.SetHasDarkBackground(false)
			return "light"
		case "dark":
			lipgloss.SetHasDarkBackground(true)
			return "dark"
		}
	}
	if v := strings.TrimSpace(os.Getenv("COLORFGBG")); v != "" {
		parts := strings.Split(v, ";")
		if bg, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1])); err == nil {
			lipgloss.SetHasDarkBackground(bg < 7)
		}
	}
	if lipgloss.HasDarkBackground() {
		return "dark"
	}
	return "light"
}

// Package tui is the interactive event board: one event, all of its groups, editable in place
// while other tutors edit the same board.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

func Run(ctx context.Context, opts Options) error {
	applyColorProfilePreference()
	style := applyThemePreference(opts.Theme)

	m := newAppModel(ctx, opts)
	m.mdStyle = style
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

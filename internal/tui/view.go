package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"labcourse-cli/internal/docs"
	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
)

func (m appModel) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	header := m.viewHeader(width)
	footer := m.viewFooter(width)

	var overlay string
	switch m.focus {
	case focusComment:
		overlay = styleTitle().Render(fmt.Sprintf("Comment of group %d", m.commentGroup)) + "\n" +
			m.comment.View() + "\n" +
			styleMuted().Render("ctrl+s save · ctrl+d date stamp · esc keep as draft")
	case focusSearch:
		overlay = styleTitle().Render(fmt.Sprintf("Add a student to group %d", m.searchGroup)) + "\n" + m.search.View()
	default:
		switch {
		case m.help:
			overlay = m.viewHelp(width)
		case m.preview:
			overlay = m.viewPreview(width)
		}
	}

	var toasts []string
	for _, t := range m.toasts {
		toasts = append(toasts, styleToast(t.kind).Render(ansi.Truncate(t.text, width-2, "…")))
	}

	fixed := lipgloss.Height(header) + lipgloss.Height(footer)
	if overlay != "" {
		fixed += lipgloss.Height(overlay)
	}
	fixed += len(toasts)
	avail := 0
	if m.height > 0 {
		avail = m.height - fixed
	}

	parts := []string{header, m.viewBoard(width, avail)}
	if overlay != "" {
		parts = append(parts, overlay)
	}
	parts = append(parts, toasts...)
	parts = append(parts, footer)
	return strings.Join(parts, "\n")
}

func (m appModel) viewHeader(width int) string {
	live := lipgloss.NewStyle().Foreground(colorOfflineFg).Render("○ offline")
	if m.connected {
		live = lipgloss.NewStyle().Foreground(colorLiveFg).Render("● live")
	}
	title := "labcourse"
	if m.board != nil {
		ev := m.board.Event()
		title = fmt.Sprintf("%s · %s %s · %d", ev.Experiment, ev.Day, ev.Date, ev.Year)
	} else if m.loading {
		title = "loading " + m.date + "…"
	}
	line := styleTitle().Render(title) + "  " + live
	if m.board != nil && m.board.Stale {
		line += "  " + stylePending().Render("changed elsewhere, press r to reload")
	}
	return ansi.Truncate(line, width, "…")
}

func (m appModel) viewFooter(width int) string {
	help := "↑/↓ move · space toggle · ←/→ grade · enter edit comment · a add student · d remove · [ ] prev/next · r reload · p preview · x dismiss · ? help · q quit"
	return styleMuted().Render(ansi.Truncate(help, width, "…"))
}

// viewBoard renders every group and crops the result around the cursor when height is known.
func (m appModel) viewBoard(width, height int) string {
	if m.board == nil {
		if m.loadErr != "" {
			return styleMuted().Render("no board: " + m.loadErr)
		}
		return ""
	}

	cur, _ := m.currentRow()
	var lines []string
	cursorLine := 0
	for _, g := range m.board.Groups() {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		if g.ID != cur.group {
			block, ok := m.board.rendered[g.ID]
			if !ok {
				block = m.renderGroup(g, width, row{group: -1})
				m.board.rendered[g.ID] = block
			}
			lines = append(lines, strings.Split(block, "\n")...)
			continue
		}
		block := m.renderGroup(g, width, cur)
		for i, l := range strings.Split(block, "\n") {
			if strings.HasPrefix(ansi.Strip(l), "›") {
				cursorLine = len(lines) + i
			}
		}
		lines = append(lines, strings.Split(block, "\n")...)
	}

	if height > 0 && len(lines) > height {
		start := cursorLine - height/2
		if start < 0 {
			start = 0
		}
		if start+height > len(lines) {
			start = len(lines) - height
		}
		lines = lines[start : start+height]
	}
	return strings.Join(lines, "\n")
}

func (m appModel) renderGroup(g *model.Group, width int, cur row) string {
	b := m.board
	var lines []string
	head := fmt.Sprintf("Desk %d · group %d", g.Desk, g.ID)
	if g.Disqualified {
		head += " · disqualified"
	}
	lines = append(lines, styleGroupHeader().Render(head))

	line := func(r row, text string) {
		prefix := "  "
		if r == cur {
			prefix = "› "
			text = styleSelected().Render(ansi.Strip(text))
		}
		lines = append(lines, ansi.Truncate(prefix+text, width, "…"))
	}

	for _, t := range g.Tasks {
		f := b.CompletionField(g.ID, t.ID)
		if f == nil {
			continue
		}
		line(row{kind: rowTask, group: g.ID, id: t.ID}, checkbox(f)+" "+t.Name)
	}

	if f := b.ElaborationField(g.ID, b.Event().ExperimentID); f != nil {
		line(row{kind: rowGrade, group: g.ID}, "elaboration: "+withState(f, gradeLabel(f.Value())))
	}

	if f := b.CommentField(g.ID); f != nil {
		text := firstLine(f.Value())
		if text == "" {
			text = styleMuted().Render("(no comment)")
		}
		switch {
		case f.Dirty() && f.Conflict():
			text = styleDraft().Render(text + "  [unsaved, changed elsewhere]")
		case f.Dirty():
			text = styleDraft().Render(text + "  [unsaved]")
		case f.InFlight():
			text = stylePending().Render(text + "  [saving]")
		}
		line(row{kind: rowComment, group: g.ID}, "comment: "+text)
	}

	for _, s := range g.Students {
		mark := "  "
		if f := b.InstructedField(s.ID); f != nil {
			mark = withState(f, instructedMark(f.Value()))
		}
		line(row{kind: rowStudent, group: g.ID, id: s.ID}, fmt.Sprintf("%s %s", mark, s.Name))
	}
	return strings.Join(lines, "\n")
}

func checkbox(f *field.Field[bool]) string {
	box := "[ ]"
	if f.Value() {
		box = "[x]"
	}
	return withState(f, box)
}

func withState[V any](f *field.Field[V], text string) string {
	if f.InFlight() {
		return stylePending().Render(text)
	}
	return text
}

func gradeLabel(g model.Grade) string {
	return g.Label()
}

func instructedMark(v bool) string {
	if v {
		return "✓"
	}
	return "·"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func (m appModel) viewPreview(width int) string {
	r, ok := m.currentRow()
	if !ok || m.board == nil {
		return ""
	}
	f := m.board.CommentField(r.group)
	if f == nil {
		return ""
	}
	body := renderComment(f.Value(), m.mdStyle, width-2)
	if body == "" {
		body = styleMuted().Render("(no comment)")
	}
	return styleTitle().Render(fmt.Sprintf("Comment of group %d", r.group)) + "\n" + body
}

func (m appModel) viewHelp(width int) string {
	body, ok := docs.Get("keys")
	if !ok {
		return ""
	}
	return renderComment(body, m.mdStyle, width-2)
}

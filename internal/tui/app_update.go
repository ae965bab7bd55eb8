package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
	"labcourse-cli/internal/search"
)

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if w := msg.Width - 4; w > 20 {
			m.comment.SetWidth(w)
		}
		if m.board != nil {
			clear(m.board.rendered)
		}
		return m, nil

	case eventLoadedMsg:
		if msg.seq != m.loadSeq {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.loadErr = msg.err.Error()
			cmd := m.errorToast(msg.err)
			return m, cmd
		}
		m.loadErr = ""
		m.board = NewBoard(msg.event)
		m.date = msg.event.Date
		m.search.SetScope(msg.event.Year)
		if m.focus == focusComment {
			m.closeComment()
		}
		m.rebuildRows()
		return m, nil

	case mutationDoneMsg:
		return m.settle(msg)

	case rosterDoneMsg:
		return m.rosterDone(msg)

	case studentPickedMsg:
		m.focus = focusBoard
		cmd := m.addStudent(m.searchGroup, msg.result)
		return m, cmd

	case search.ErrMsg:
		cmd := m.errorToast(msg.Err)
		return m, cmd

	case search.ClosedMsg:
		m.focus = focusBoard
		return m, nil

	case pushMsg:
		if !msg.ok {
			m.push = nil
			m.connected = false
			return m, nil
		}
		cmd := m.applyPush(msg.event)
		return m, tea.Batch(cmd, waitForPush(m.push))

	case toastExpiredMsg:
		m.dropToast(msg.seq)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.focus {
		case focusComment:
			return m.updateComment(msg)
		case focusSearch:
			var cmd tea.Cmd
			m.search, cmd = m.search.Update(msg)
			if !m.search.IsOpen() && m.focus == focusSearch {
				m.focus = focusBoard
			}
			return m, cmd
		}
		return m.updateBoard(msg)
	}

	if m.focus == focusSearch {
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		return m, cmd
	}
	if m.focus == focusComment {
		var cmd tea.Cmd
		m.comment, cmd = m.comment.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m appModel) updateBoard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
		return m, nil
	case "x":
		m.dismissToast()
		return m, nil
	case "r":
		if cmd := m.guardDrafts(); cmd != nil {
			return m, cmd
		}
		cmd := m.loadEvent()
		return m, cmd
	case "p":
		m.preview = !m.preview
		return m, nil
	case "?":
		m.help = !m.help
		return m, nil
	case "[":
		if m.board != nil && m.board.Event().PrevEvent != nil {
			if cmd := m.guardDrafts(); cmd != nil {
				return m, cmd
			}
			m.date = *m.board.Event().PrevEvent
			cmd := m.loadEvent()
			return m, cmd
		}
		return m, nil
	case "]":
		if m.board != nil && m.board.Event().NextEvent != nil {
			if cmd := m.guardDrafts(); cmd != nil {
				return m, cmd
			}
			m.date = *m.board.Event().NextEvent
			cmd := m.loadEvent()
			return m, cmd
		}
		return m, nil
	}

	r, ok := m.currentRow()
	if !ok || m.board == nil {
		return m, nil
	}
	switch msg.String() {
	case "a":
		m.searchGroup = r.group
		m.focus = focusSearch
		cmd := m.search.Open()
		return m, cmd
	case " ", "enter":
		switch r.kind {
		case rowTask:
			cmd := m.toggleCompletion(r.group, r.id)
			return m, cmd
		case rowStudent:
			cmd := m.toggleInstructed(r.id)
			return m, cmd
		case rowComment:
			cmd := m.openComment(r.group)
			return m, cmd
		case rowGrade:
			cmd := m.cycleGrade(r.group, 1)
			return m, cmd
		}
	case "right", "l":
		if r.kind == rowGrade {
			cmd := m.cycleGrade(r.group, 1)
			return m, cmd
		}
	case "left", "h":
		if r.kind == rowGrade {
			cmd := m.cycleGrade(r.group, -1)
			return m, cmd
		}
	case "u":
		if r.kind == rowComment {
			if f := m.board.CommentField(r.group); f != nil && f.Discard() {
				cmd := m.addToast(toastInfo, fmt.Sprintf("discarded the unsaved comment of group %d", r.group))
				return m, cmd
			}
		}
	case "d", "delete":
		if r.kind == rowStudent {
			cmd := m.removeStudent(r.group, r.id)
			return m, cmd
		}
	}
	return m, nil
}

func (m *appModel) toggleCompletion(group, task int) tea.Cmd {
	f := m.board.CompletionField(group, task)
	if f == nil {
		return nil
	}
	mut, err := f.Edit(!f.Value())
	if err != nil {
		return m.errorToast(err)
	}
	if mut == nil {
		return nil
	}
	backend, completed := m.backend, mut.Value
	return m.send(mut.Key, mut.RequestID, completed, func(ctx context.Context) error {
		return backend.SetCompletion(ctx, group, task, completed)
	})
}

func (m *appModel) toggleInstructed(student int) tea.Cmd {
	f := m.board.InstructedField(student)
	if f == nil {
		return nil
	}
	mut, err := f.Edit(!f.Value())
	if err != nil {
		return m.errorToast(err)
	}
	if mut == nil {
		return nil
	}
	backend, instructed := m.backend, mut.Value
	return m.send(mut.Key, mut.RequestID, instructed, func(ctx context.Context) error {
		return backend.SetInstructed(ctx, student, instructed)
	})
}

func (m *appModel) cycleGrade(group, dir int) tea.Cmd {
	experiment := m.board.Event().ExperimentID
	f := m.board.ElaborationField(group, experiment)
	if f == nil {
		return nil
	}
	keys := model.GradeKeys()
	idx := 0
	for i, k := range keys {
		if k == f.Value().Key() {
			idx = i
		}
	}
	next, _ := model.GradeFromKey(keys[(idx+dir+len(keys))%len(keys)])
	return m.setGrade(group, next)
}

// setGrade replaces the whole grade at once; the select never edits one flag on its own.
func (m *appModel) setGrade(group int, g model.Grade) tea.Cmd {
	experiment := m.board.Event().ExperimentID
	f := m.board.ElaborationField(group, experiment)
	if f == nil {
		return nil
	}
	mut, err := f.Edit(g)
	if err != nil {
		return m.errorToast(err)
	}
	if mut == nil {
		return nil
	}
	backend, grade := m.backend, mut.Value
	return m.send(mut.Key, mut.RequestID, grade, func(ctx context.Context) error {
		return backend.SetElaboration(ctx, group, experiment, grade)
	})
}

func (m *appModel) openComment(group int) tea.Cmd {
	f := m.board.CommentField(group)
	if f == nil {
		return nil
	}
	if f.InFlight() {
		return m.addToast(toastInfo, "the comment is still being saved")
	}
	m.focus = focusComment
	m.commentGroup = group
	m.comment.SetValue(f.Value())
	m.comment.CursorEnd()
	return m.comment.Focus()
}

func (m *appModel) closeComment() {
	m.focus = focusBoard
	m.comment.Blur()
}

func (m appModel) updateComment(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := m.board.CommentField(m.commentGroup)
	if f == nil {
		m.closeComment()
		return m, nil
	}
	switch msg.String() {
	case "esc":
		// The draft stays on the field and is marked unsaved on the board.
		m.closeComment()
		return m, nil
	case "ctrl+s":
		m.closeComment()
		cmd := m.saveComment(m.commentGroup, m.comment.Value())
		return m, cmd
	case "ctrl+d":
		m.comment.SetValue(stampComment(m.comment.Value(), m.now()))
		m.comment.CursorEnd()
		f.Draft(m.comment.Value())
		return m, nil
	}
	before := m.comment.Value()
	var cmd tea.Cmd
	m.comment, cmd = m.comment.Update(msg)
	if v := m.comment.Value(); v != before {
		f.Draft(v)
	}
	return m, cmd
}

func (m *appModel) saveComment(group int, text string) tea.Cmd {
	f := m.board.CommentField(group)
	if f == nil {
		return nil
	}
	mut, err := f.Edit(text)
	if err != nil {
		return m.errorToast(err)
	}
	if mut == nil {
		return nil
	}
	backend, comment := m.backend, mut.Value
	return m.send(mut.Key, mut.RequestID, comment, func(ctx context.Context) error {
		return backend.SaveComment(ctx, group, comment)
	})
}

func (m appModel) settle(msg mutationDoneMsg) (tea.Model, tea.Cmd) {
	if m.board == nil {
		return m, nil
	}
	out := m.board.Settle(msg.key, msg.rid, msg.err)
	if out.Stale {
		glog.V(1).Infof("ignoring stale response for %s rid=%d", msg.key, msg.rid)
		return m, nil
	}
	if out.Push == field.PushDropped {
		glog.V(1).Infof("%s: dropped a push that contradicts the saved value", msg.key)
	}
	if !out.RolledBack {
		return m, nil
	}
	if msg.key.Name == string(reconcile.KindComment) {
		// Keep the text the tutor typed; it is unsaved again, not lost.
		if f := m.board.CommentField(msg.key.Entity); f != nil {
			if text, ok := msg.value.(string); ok {
				f.Draft(text)
			}
		}
	}
	cmd := m.errorToast(out.Err)
	return m, cmd
}

func (m *appModel) addStudent(group int, r search.Result) tea.Cmd {
	if m.board == nil || !m.board.HasGroup(group) {
		return nil
	}
	backend, ctx := m.backend, m.ctx
	student := model.Student{ID: r.ID, Name: r.Title, Matrikel: r.Detail}
	return func() tea.Msg {
		err := backend.AddStudent(ctx, group, student.ID)
		return rosterDoneMsg{op: rosterAdd, group: group, student: student, err: err}
	}
}

func (m *appModel) removeStudent(group, student int) tea.Cmd {
	backend, ctx := m.backend, m.ctx
	s := model.Student{ID: student, Name: m.studentName(student)}
	return func() tea.Msg {
		err := backend.RemoveStudent(ctx, group, student)
		return rosterDoneMsg{op: rosterRemove, group: group, student: s, err: err}
	}
}

// rosterDone applies membership changes once the server accepted them. Membership is not an
// optimistic field: a student only moves after the response.
func (m appModel) rosterDone(msg rosterDoneMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		cmd := m.errorToast(msg.err)
		return m, cmd
	}
	if m.board == nil {
		return m, nil
	}
	switch msg.op {
	case rosterAdd:
		m.board.AddStudent(msg.group, msg.student)
	case rosterRemove:
		m.board.RemoveStudent(msg.student.ID)
	}
	m.rebuildRows()
	return m, nil
}

func (m *appModel) applyPush(ev reconcile.PushEvent) tea.Cmd {
	switch ev.Kind {
	case reconcile.KindConnected:
		m.connected = true
		if m.missedPushes && m.board != nil {
			m.board.Stale = true
		}
		m.missedPushes = false
		return nil
	case reconcile.KindDisconnected:
		if m.connected {
			m.missedPushes = true
		}
		m.connected = false
		return nil
	}
	if m.board == nil {
		return nil
	}
	out := reconcile.Apply(m.board, ev)
	if !out.Matched {
		return nil
	}
	if ev.Kind == reconcile.KindStudent {
		m.rebuildRows()
	}
	if out.Stale {
		m.board.Stale = true
	}
	if m.focus == focusComment {
		// An open editor follows remote changes only while it holds no draft.
		if f := m.board.CommentField(m.commentGroup); f != nil && !f.Dirty() && f.Value() != m.comment.Value() {
			m.comment.SetValue(f.Value())
			m.comment.CursorEnd()
		}
	}
	if out.Notice != "" {
		return m.addToast(toastInfo, out.Notice)
	}
	return nil
}

// guardDrafts refuses to replace the board while it holds unsaved comments.
func (m *appModel) guardDrafts() tea.Cmd {
	if m.board == nil {
		return nil
	}
	groups := m.board.Drafts()
	if len(groups) == 0 {
		return nil
	}
	return m.addToast(toastInfo, fmt.Sprintf("unsaved comment in group %d; save with ctrl+s or discard with u", groups[0]))
}

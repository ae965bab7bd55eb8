package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
	"labcourse-cli/internal/search"
)

const toastTTL = 7500 * time.Millisecond

type Options struct {
	Backend Backend
	// Date of the event to open (YYYY-MM-DD). Empty means today.
	Date string
	// Push delivers changes from other clients. Nil runs without live updates.
	Push     <-chan reconcile.PushEvent
	Debounce time.Duration
	// Theme is "auto", "dark" or "light".
	Theme string
	Now   func() time.Time
}

type appModel struct {
	ctx     context.Context
	backend Backend
	push    <-chan reconcile.PushEvent
	now     func() time.Time
	mdStyle string

	width  int
	height int

	date    string
	loadSeq int
	loading bool
	loadErr string

	board  *Board
	rows   []row
	cursor int

	focus        focus
	comment      textarea.Model
	commentGroup int
	preview      bool
	help         bool

	search      search.Model
	searchGroup int

	toasts   []toast
	toastSeq int

	connected bool

	// missedPushes is set while the stream is down after it had been up.
	missedPushes bool
}

func newAppModel(ctx context.Context, opts Options) appModel {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	date := strings.TrimSpace(opts.Date)
	if date == "" {
		date = now().Format("2006-01-02")
	}

	ta := textarea.New()
	ta.Placeholder = "Comment…"
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetWidth(72)
	ta.SetHeight(6)

	m := appModel{
		ctx:     ctx,
		backend: opts.Backend,
		push:    opts.Push,
		now:     now,
		mdStyle: "dark",
		date:    date,
		loadSeq: 1,
		loading: true,
		comment: ta,
	}
	m.search = search.New(studentSearcher(opts.Backend), search.Config{
		Prompt:      "add student> ",
		Placeholder: "name or matrikel",
		Debounce:    opts.Debounce,
		OnSelect: func(r search.Result) tea.Cmd {
			// The target group is read when the message arrives.
			return func() tea.Msg { return studentPickedMsg{result: r} }
		},
	})
	return m
}

func studentSearcher(b Backend) search.Searcher {
	return func(ctx context.Context, q search.Query) ([]search.Result, error) {
		students, err := b.SearchStudents(ctx, model.SearchQuery{Terms: q.Terms, Year: q.Scope})
		if err != nil {
			return nil, err
		}
		out := make([]search.Result, 0, len(students))
		for _, s := range students {
			out = append(out, search.Result{ID: s.ID, Title: s.Name, Detail: s.Matrikel})
		}
		return out, nil
	}
}

// Init fetches the board newAppModel already marked as loading.
func (m appModel) Init() tea.Cmd {
	return tea.Batch(m.fetchEvent(), waitForPush(m.push))
}

func (m *appModel) loadEvent() tea.Cmd {
	m.loadSeq++
	m.loading = true
	return m.fetchEvent()
}

func (m appModel) fetchEvent() tea.Cmd {
	seq, date, backend, ctx := m.loadSeq, m.date, m.backend, m.ctx
	return func() tea.Msg {
		ev, err := backend.LoadEvent(ctx, date)
		return eventLoadedMsg{seq: seq, event: ev, err: err}
	}
}

func waitForPush(ch <-chan reconcile.PushEvent) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		return pushMsg{event: ev, ok: ok}
	}
}

// send runs call off the event loop and reports the response for mutation (key, rid).
func (m appModel) send(key field.Key, rid field.RequestID, value any, call func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		err := call(ctx)
		if err != nil {
			glog.V(1).Infof("mutation %s rid=%d failed: %v", key, rid, err)
		}
		return mutationDoneMsg{key: key, rid: rid, value: value, err: err}
	}
}

func (m *appModel) addToast(kind toastKind, text string) tea.Cmd {
	m.toastSeq++
	seq := m.toastSeq
	m.toasts = append(m.toasts, toast{seq: seq, kind: kind, text: kind.prefix() + text})
	return tea.Tick(toastTTL, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
}

func (m *appModel) errorToast(err error) tea.Cmd {
	return m.addToast(toastError, err.Error())
}

func (m *appModel) dropToast(seq int) {
	out := m.toasts[:0]
	for _, t := range m.toasts {
		if t.seq != seq {
			out = append(out, t)
		}
	}
	m.toasts = out
}

// dismissToast removes the newest toast.
func (m *appModel) dismissToast() bool {
	if len(m.toasts) == 0 {
		return false
	}
	m.toasts = m.toasts[:len(m.toasts)-1]
	return true
}

// rebuildRows flattens the board into selectable rows, keeping the cursor on the same row
// when it still exists.
func (m *appModel) rebuildRows() {
	var cur *row
	if m.cursor >= 0 && m.cursor < len(m.rows) {
		r := m.rows[m.cursor]
		cur = &r
	}
	m.rows = m.rows[:0]
	if m.board == nil {
		m.cursor = 0
		return
	}
	for _, g := range m.board.Groups() {
		for _, t := range g.Tasks {
			m.rows = append(m.rows, row{kind: rowTask, group: g.ID, id: t.ID})
		}
		m.rows = append(m.rows, row{kind: rowGrade, group: g.ID})
		m.rows = append(m.rows, row{kind: rowComment, group: g.ID})
		for _, s := range g.Students {
			m.rows = append(m.rows, row{kind: rowStudent, group: g.ID, id: s.ID})
		}
	}
	if cur != nil {
		for i, r := range m.rows {
			if r == *cur {
				m.cursor = i
				return
			}
		}
	}
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m appModel) currentRow() (row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return row{}, false
	}
	return m.rows[m.cursor], true
}

func (m appModel) studentName(id int) string {
	if m.board == nil {
		return fmt.Sprintf("#%d", id)
	}
	for _, g := range m.board.Groups() {
		for _, s := range g.Students {
			if s.ID == id {
				return s.Name
			}
		}
	}
	return fmt.Sprintf("#%d", id)
}

// stampComment appends today's date the way a tutor starts a new comment line.
func stampComment(comment string, now time.Time) string {
	if !strings.HasSuffix(comment, "\n") {
		comment += "\n"
	}
	return comment + now.Format("2006-01-02") + ": "
}

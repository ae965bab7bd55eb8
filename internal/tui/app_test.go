package tui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/gateway"
	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
	"labcourse-cli/internal/search"
)

type call struct {
	op   string
	args []any
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	err   map[string]error
}

func (b *fakeBackend) record(op string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: op, args: args})
	return b.err[op]
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (b *fakeBackend) LoadEvent(_ context.Context, date string) (*model.Event, error) {
	if err := b.record("load", date); err != nil {
		return nil, err
	}
	return fixtureEvent(date), nil
}

func (b *fakeBackend) SetCompletion(_ context.Context, group, task int, completed bool) error {
	return b.record("completion", group, task, completed)
}

func (b *fakeBackend) SetElaboration(_ context.Context, group, experiment int, g model.Grade) error {
	return b.record("elaboration", group, experiment, g)
}

func (b *fakeBackend) SaveComment(_ context.Context, group int, comment string) error {
	return b.record("comment", group, comment)
}

func (b *fakeBackend) SetInstructed(_ context.Context, student int, instructed bool) error {
	return b.record("instructed", student, instructed)
}

func (b *fakeBackend) AddStudent(_ context.Context, group, student int) error {
	return b.record("add", group, student)
}

func (b *fakeBackend) RemoveStudent(_ context.Context, group, student int) error {
	return b.record("remove", group, student)
}

func (b *fakeBackend) SearchStudents(_ context.Context, q model.SearchQuery) ([]model.Student, error) {
	if err := b.record("search", q); err != nil {
		return nil, err
	}
	return []model.Student{{ID: 6, Name: "Lise Meitner", Matrikel: "100006"}}, nil
}

func fixtureEvent(date string) *model.Event {
	next := "2026-10-12"
	return &model.Event{
		Year:         2026,
		Date:         date,
		Day:          "Monday",
		ExperimentID: 1,
		Experiment:   "Pendulum",
		NextEvent:    &next,
		Groups: []model.Group{
			{
				ID:       1,
				Desk:     1,
				Tasks:    []model.Task{{ID: 1, Name: "Setup"}, {ID: 2, Name: "Measurement"}},
				Students: []model.Student{{ID: 1, Name: "Ada Lovelace", Instructed: true}, {ID: 2, Name: "Charles Babbage"}},
			},
			{
				ID:       2,
				Desk:     2,
				Comment:  "Needs a second stopwatch",
				Tasks:    []model.Task{{ID: 1, Name: "Setup", Completed: true}, {ID: 2, Name: "Measurement"}},
				Students: []model.Student{{ID: 3, Name: "Grace Hopper"}},
			},
		},
	}
}

var unreachable = &gateway.Error{Kind: gateway.KindUnknown, Message: "server unreachable"}

func newLoadedModel(t *testing.T, b *fakeBackend) appModel {
	t.Helper()
	m := newAppModel(context.Background(), Options{
		Backend: b,
		Date:    "2026-10-05",
		Now:     func() time.Time { return time.Date(2026, 10, 5, 9, 30, 0, 0, time.UTC) },
	})
	m = update(t, m, m.fetchEvent()())
	if m.board == nil {
		t.Fatalf("expected board to load; err=%q", m.loadErr)
	}
	return m
}

func update(t *testing.T, m appModel, msg tea.Msg) appModel {
	t.Helper()
	mm, _ := m.Update(msg)
	return mm.(appModel)
}

// press sends k and returns the model and the command it produced.
func press(t *testing.T, m appModel, k tea.KeyMsg) (appModel, tea.Cmd) {
	t.Helper()
	mm, cmd := m.Update(k)
	return mm.(appModel), cmd
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

var (
	keySpace = tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	keyEnter = tea.KeyMsg{Type: tea.KeyEnter}
	keyEsc   = tea.KeyMsg{Type: tea.KeyEsc}
	keyCtrlS = tea.KeyMsg{Type: tea.KeyCtrlS}
	keyCtrlD = tea.KeyMsg{Type: tea.KeyCtrlD}
)

func moveTo(t *testing.T, m appModel, want row) appModel {
	t.Helper()
	for i, r := range m.rows {
		if r == want {
			m.cursor = i
			return m
		}
	}
	t.Fatalf("row %+v not on the board", want)
	return m
}

func TestBoard_OfflineToggleRevertsWithOneToast(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{err: map[string]error{"completion": unreachable}}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowTask, group: 1, id: 1})

	m, cmd := press(t, m, keySpace)
	f := m.board.CompletionField(1, 1)
	if !f.Value() || !f.InFlight() {
		t.Fatalf("expected optimistic check while in flight; got %v", f.State())
	}
	if cmd == nil {
		t.Fatalf("expected a mutation command")
	}

	m = update(t, m, cmd())
	if f.Value() {
		t.Fatalf("expected checkbox to revert to unchecked")
	}
	if len(m.toasts) != 1 {
		t.Fatalf("expected exactly one toast; got %d: %+v", len(m.toasts), m.toasts)
	}
	if got := m.toasts[0].text; got != "Error: server unreachable" {
		t.Fatalf("unexpected toast %q", got)
	}
	if b.count("completion") != 1 {
		t.Fatalf("expected one request; got %d", b.count("completion"))
	}
}

func TestBoard_DoubleToggleSettlesOnLastIntent(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowTask, group: 1, id: 2})

	m, first := press(t, m, keySpace)
	m, second := press(t, m, keySpace)
	firstMsg, secondMsg := first(), second()

	// The second response arrives first; the late first one is stale.
	m = update(t, m, secondMsg)
	m = update(t, m, firstMsg)
	f := m.board.CompletionField(1, 2)
	if f.Value() || f.InFlight() {
		t.Fatalf("expected unchecked and settled; got %v", f.State())
	}
	if len(m.toasts) != 0 {
		t.Fatalf("expected no toasts; got %+v", m.toasts)
	}
}

func TestBoard_RemoteWriteAfterEchoWins(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	m = moveTo(t, m, row{kind: rowTask, group: 1, id: 1})

	m, cmd := press(t, m, keySpace)
	completion := func(done bool) pushMsg {
		return pushMsg{ok: true, event: reconcile.PushEvent{
			Kind: reconcile.KindCompletion, Target: 1,
			Payload: reconcile.CompletionPayload{Group: 1, Task: 1, Completed: done},
		}}
	}
	// Our own write echoes back, then another tutor unchecks the task.
	m = update(t, m, completion(true))
	m = update(t, m, completion(false))

	f := m.board.CompletionField(1, 1)
	if !f.Value() {
		t.Fatalf("expected the pending check to stay visible while in flight")
	}
	m = update(t, m, cmd())
	if f.Value() || f.InFlight() {
		t.Fatalf("expected the later remote uncheck to win; got %v", f.State())
	}
	if strings.Count(m.View(), "[x]") != 1 {
		t.Fatalf("expected only group 2 setup checked; got\n%s", m.View())
	}
}

func TestBoard_ElaborationNeverHalfApplied(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	m := newLoadedModel(t, b)
	f := m.board.ElaborationField(1, 1)

	var seen []model.Grade
	f.Subscribe(func(s field.Snapshot[model.Grade]) { seen = append(seen, s.State.Shown()) })

	m = moveTo(t, m, row{kind: rowGrade, group: 1})
	m, cmd := press(t, m, runes("l"))
	local := f.Value()
	assertGrade(t, model.Grade{HandedIn: true}, local)

	// Two other tutors set the select while our change is in flight.
	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindElaboration, Target: 1,
		Payload: reconcile.ElaborationPayload{Group: 1, Experiment: 1, HandedIn: true, Rework: true, Accepted: true},
	}})
	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindElaboration, Target: 1,
		Payload: reconcile.ElaborationPayload{Group: 1, Experiment: 1, HandedIn: true, Rework: true, Accepted: false},
	}})
	assertGrade(t, local, f.Value())

	m = update(t, m, cmd())
	assertGrade(t, local, f.Value())

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindElaboration, Target: 1,
		Payload: reconcile.ElaborationPayload{Group: 1, Experiment: 1, HandedIn: true, Rework: true, Accepted: false},
	}})
	assertGrade(t, model.Grade{HandedIn: true, ReworkRequired: true}, f.Value())

	valid := map[string]bool{}
	for _, k := range model.GradeKeys() {
		valid[k] = true
	}
	for _, g := range seen {
		if !valid[g.Key()] {
			t.Fatalf("rendered an invalid grade %+v", g)
		}
		if g != local && g != (model.Grade{}) && g != (model.Grade{HandedIn: true, ReworkRequired: true}) {
			t.Fatalf("rendered an intermediate grade %+v; seen=%+v", g, seen)
		}
	}
	if !strings.Contains(m.View(), "elaboration: needing rework") {
		t.Fatalf("expected rendered grade; got\n%s", m.View())
	}
}

func assertGrade(t *testing.T, want, got model.Grade) {
	t.Helper()
	if want != got {
		t.Fatalf("expected grade %+v; got %+v", want, got)
	}
}

func TestBoard_UnsavedCommentSurvivesPush(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowComment, group: 2})

	m, _ = press(t, m, keyEnter)
	if m.focus != focusComment {
		t.Fatalf("expected comment editor to open")
	}
	m, _ = press(t, m, runes("!"))
	draft := m.comment.Value()
	if draft != "Needs a second stopwatch!" {
		t.Fatalf("unexpected draft %q", draft)
	}
	f := m.board.CommentField(2)
	if !f.Dirty() {
		t.Fatalf("expected dirty comment")
	}

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindComment, Target: 2,
		Payload: reconcile.CommentPayload{Group: 2, Author: "bob", Comment: "Stopwatch fixed"},
	}})
	if m.comment.Value() != draft || f.Value() != draft {
		t.Fatalf("push overwrote the draft: editor=%q field=%q", m.comment.Value(), f.Value())
	}
	if len(m.toasts) != 1 || !strings.HasPrefix(m.toasts[0].text, "Info: bob changed the comment") {
		t.Fatalf("expected one info toast; got %+v", m.toasts)
	}

	m, _ = press(t, m, keyEsc)
	if !strings.Contains(m.View(), "[unsaved, changed elsewhere]") {
		t.Fatalf("expected conflict marker; got\n%s", m.View())
	}

	m, _ = press(t, m, runes("r"))
	if b.count("load") != 1 {
		t.Fatalf("expected reload to be refused while a draft exists")
	}

	m, _ = press(t, m, keyEnter)
	m, cmd := press(t, m, keyCtrlS)
	m = update(t, m, cmd())
	if f.Dirty() || f.Value() != draft || f.Committed() != draft {
		t.Fatalf("expected saved draft; got %v", f.State())
	}
}

func TestBoard_FailedCommentSaveKeepsText(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{err: map[string]error{"comment": &gateway.Error{Kind: gateway.KindReadOnly, Status: 423, Message: "this year is closed and can no longer be changed"}}}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowComment, group: 1})

	m, _ = press(t, m, keyEnter)
	m, _ = press(t, m, runes("ok"))
	m, cmd := press(t, m, keyCtrlS)
	m = update(t, m, cmd())

	f := m.board.CommentField(1)
	if !f.Dirty() || f.Value() != "ok" || f.Committed() != "" {
		t.Fatalf("expected the text to stay as an unsaved draft; got %v", f.State())
	}
	if len(m.toasts) != 1 || !strings.Contains(m.toasts[0].text, "closed") {
		t.Fatalf("expected read-only toast; got %+v", m.toasts)
	}
}

func TestBoard_OverlongCommentIsNotSent(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	m := newLoadedModel(t, b)
	f := m.board.CommentField(1)

	long := strings.Repeat("x", model.MaxCommentLen+1)
	f.Draft(long)
	if cmd := m.saveComment(1, long); cmd == nil {
		t.Fatalf("expected a toast command")
	}
	if b.count("comment") != 0 {
		t.Fatalf("expected no request; got %d", b.count("comment"))
	}
	if f.InFlight() || !f.Dirty() || f.Committed() != "" {
		t.Fatalf("expected the text to stay an unsaved draft; got %v", f.State())
	}
	if len(m.toasts) != 1 || !strings.Contains(m.toasts[0].text, "too long") {
		t.Fatalf("expected validation toast; got %+v", m.toasts)
	}

	// Exactly at the limit is accepted.
	if cmd := m.saveComment(1, long[1:]); cmd == nil || !f.InFlight() {
		t.Fatalf("expected a comment at the limit to be sent; got %v", f.State())
	}
}

func TestBoard_DateStamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 5, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		in, want string
	}{
		{in: "", want: "\n2026-10-05: "},
		{in: "first", want: "first\n2026-10-05: "},
		{in: "first\n", want: "first\n2026-10-05: "},
	}
	for _, tt := range tests {
		if got := stampComment(tt.in, now); got != tt.want {
			t.Fatalf("stampComment(%q): expected %q; got %q", tt.in, tt.want, got)
		}
	}

	m := newLoadedModel(t, &fakeBackend{})
	m = moveTo(t, m, row{kind: rowComment, group: 2})
	m, _ = press(t, m, keyEnter)
	m, _ = press(t, m, keyCtrlD)
	if got := m.board.CommentField(2).Value(); got != "Needs a second stopwatch\n2026-10-05: " {
		t.Fatalf("unexpected stamped comment %q", got)
	}
	if !m.board.CommentField(2).Dirty() {
		t.Fatalf("expected the stamp to mark the comment unsaved")
	}
}

func TestBoard_AddAndRemoveStudents(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{err: map[string]error{"remove": &gateway.Error{Kind: gateway.KindConflict, Status: 422, Message: "the group already has completions or elaborations"}}}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowStudent, group: 1, id: 2})

	m, _ = press(t, m, runes("a"))
	if m.focus != focusSearch || !m.search.IsOpen() {
		t.Fatalf("expected search to open")
	}
	m, cmd := press(t, m, keyEsc)
	if m.focus != focusBoard {
		t.Fatalf("expected esc to return to the board")
	}
	m = update(t, m, cmd())

	m, _ = press(t, m, runes("a"))
	mm, cmd := m.Update(studentPickedMsg{result: search.Result{ID: 6, Title: "Lise Meitner", Detail: "100006"}})
	m = mm.(appModel)
	m = update(t, m, cmd())
	if got := len(m.board.Group(1).Students); got != 3 {
		t.Fatalf("expected 3 students in group 1; got %d", got)
	}
	if m.board.InstructedField(6) == nil {
		t.Fatalf("expected an instructed field for the new student")
	}

	m = moveTo(t, m, row{kind: rowStudent, group: 2, id: 3})
	m, cmd = press(t, m, runes("d"))
	m = update(t, m, cmd())
	if got := len(m.board.Group(2).Students); got != 1 {
		t.Fatalf("expected rejected removal to keep the student; got %d", got)
	}
	if len(m.toasts) != 1 || m.toasts[0].text != "Error: the group already has completions or elaborations" {
		t.Fatalf("unexpected toasts %+v", m.toasts)
	}
}

func TestBoard_RosterAndStalePushes(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	before := len(m.rows)

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindStudent, Target: 2,
		Payload: reconcile.StudentPayload{Type: reconcile.StudentAdd, Group: 2, Student: 1, Name: "Ada Lovelace"},
	}})
	if len(m.board.Group(1).Students) != 1 || len(m.board.Group(2).Students) != 2 {
		t.Fatalf("expected Ada to move to group 2")
	}
	if len(m.rows) != before {
		t.Fatalf("expected the same number of rows after a move; got %d want %d", len(m.rows), before)
	}

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindGroup, Target: 1,
		Payload: reconcile.GroupPayload{Type: reconcile.GroupChange, Group: 1},
	}})
	if !m.board.Stale || !strings.Contains(m.View(), "press r to reload") {
		t.Fatalf("expected stale board")
	}

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{Kind: reconcile.KindConnected}})
	if !m.connected || !strings.Contains(m.View(), "live") {
		t.Fatalf("expected live marker")
	}
	mm, cmd := m.Update(pushMsg{ok: false})
	m = mm.(appModel)
	if m.connected || m.push != nil || cmd != nil {
		t.Fatalf("expected closed channel to stop listening")
	}
}

func TestBoard_ReconnectMarksBoardStale(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	connected := pushMsg{ok: true, event: reconcile.PushEvent{Kind: reconcile.KindConnected}}
	disconnected := pushMsg{ok: true, event: reconcile.PushEvent{Kind: reconcile.KindDisconnected}}

	m = update(t, m, connected)
	if m.board.Stale {
		t.Fatalf("expected the first connect to leave the board fresh")
	}

	m = update(t, m, disconnected)
	if m.connected || m.board.Stale {
		t.Fatalf("expected offline but not yet stale")
	}
	m = update(t, m, disconnected)
	m = update(t, m, connected)
	if !m.connected || !m.board.Stale {
		t.Fatalf("expected pushes missed while offline to mark the board stale")
	}
	if !strings.Contains(m.View(), "press r to reload") {
		t.Fatalf("expected reload hint; got\n%s", m.View())
	}
}

func TestBoard_PushRefreshesCachedGroup(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	m = moveTo(t, m, row{kind: rowTask, group: 1, id: 1})
	_ = m.View()
	if _, ok := m.board.rendered[2]; !ok {
		t.Fatalf("expected group 2 to be cached")
	}

	m = update(t, m, pushMsg{ok: true, event: reconcile.PushEvent{
		Kind: reconcile.KindCompletion, Target: 2,
		Payload: reconcile.CompletionPayload{Group: 2, Task: 2, Completed: true},
	}})
	if _, ok := m.board.rendered[2]; ok {
		t.Fatalf("expected the push to invalidate group 2")
	}
	if strings.Count(m.View(), "[x]") != 2 {
		t.Fatalf("expected two checked tasks; got\n%s", m.View())
	}
}

func TestBoard_ToastsExpireAndDismiss(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	_ = m.addToast(toastInfo, "one")
	_ = m.addToast(toastError, "two")

	m = update(t, m, toastExpiredMsg{seq: 1})
	if len(m.toasts) != 1 || m.toasts[0].text != "Error: two" {
		t.Fatalf("unexpected toasts %+v", m.toasts)
	}
	m, _ = press(t, m, runes("x"))
	if len(m.toasts) != 0 {
		t.Fatalf("expected x to dismiss the toast")
	}
}

func TestBoard_ReloadDropsPendingResponses(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	m := newLoadedModel(t, b)
	m = moveTo(t, m, row{kind: rowStudent, group: 1, id: 2})
	m, cmd := press(t, m, keySpace)
	pending := cmd()

	m, cmd = press(t, m, runes("r"))
	m = update(t, m, cmd())
	m = update(t, m, pending)
	if m.board.InstructedField(2).Value() {
		t.Fatalf("expected the response for the old board to be ignored")
	}

	// A superseded load never replaces a newer one.
	m, cmd = press(t, m, runes("]"))
	old := eventLoadedMsg{seq: m.loadSeq - 1, event: fixtureEvent("1999-01-01")}
	m = update(t, m, old)
	m = update(t, m, cmd())
	if m.board.Event().Date != "2026-10-12" {
		t.Fatalf("expected next event; got %s", m.board.Event().Date)
	}
}

func TestBoard_HelpOverlay(t *testing.T) {
	t.Parallel()
	m := newLoadedModel(t, &fakeBackend{})
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 80})

	if strings.Contains(ansi.Strip(m.View()), "editor") {
		t.Fatalf("expected no help before pressing ?")
	}
	m, _ = press(t, m, runes("?"))
	if !strings.Contains(ansi.Strip(m.View()), "editor") {
		t.Fatalf("expected the key help overlay")
	}
	m, _ = press(t, m, runes("?"))
	if m.help {
		t.Fatalf("expected ? to close the help")
	}
}

package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeSearcher struct {
	mu    sync.Mutex
	calls []Query
	err   error
}

func (f *fakeSearcher) search(_ context.Context, q Query) ([]Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.err != nil {
		return nil, f.err
	}
	joined := strings.Join(q.Terms, " ")
	return []Result{
		{ID: 1, Title: joined + " one"},
		{ID: 2, Title: joined + " two"},
		{ID: 3, Title: joined + " three"},
	}, nil
}

func typeString(t *testing.T, m Model, s string) (Model, []int) {
	t.Helper()
	var seqs []int
	for _, r := range s {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		seqs = append(seqs, m.seq)
	}
	return m, seqs
}

func newOpen(t *testing.T, f *fakeSearcher, cfg Config) Model {
	t.Helper()
	m := New(f.search, cfg)
	m.Open()
	return m
}

func TestDebounce_OnlyLastInputSearches(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	m := newOpen(t, f, Config{Scope: 2024})
	m, seqs := typeString(t, m, "abc")
	if got := m.Value(); got != "abc" {
		t.Fatalf("expected input abc; got %q", got)
	}

	// Ticks for "a" and "ab" arrive late; they are superseded.
	var fired []tea.Cmd
	for _, seq := range seqs {
		var cmd tea.Cmd
		m, cmd = m.Update(debounceMsg{id: m.id, seq: seq})
		if cmd != nil {
			fired = append(fired, cmd)
		}
	}
	if len(fired) != 1 {
		t.Fatalf("expected one search; got %d", len(fired))
	}
	m, _ = m.Update(fired[0]())

	if len(f.calls) != 1 {
		t.Fatalf("expected one network call; got %d", len(f.calls))
	}
	if q := f.calls[0]; len(q.Terms) != 1 || q.Terms[0] != "abc" || q.Scope != 2024 {
		t.Fatalf("unexpected query: %+v", q)
	}
	if len(m.Results()) != 3 {
		t.Fatalf("expected 3 results; got %d", len(m.Results()))
	}
}

func TestResults_StaleTokenDiscarded(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	m := newOpen(t, f, Config{})

	m, _ = typeString(t, m, "ada")
	m, first := m.Update(debounceMsg{id: m.id, seq: m.seq})
	m, _ = typeString(t, m, " l")
	m, second := m.Update(debounceMsg{id: m.id, seq: m.seq})

	older, newer := first(), second()
	m, _ = m.Update(newer)
	m, _ = m.Update(older)

	r, ok := m.Active()
	if !ok || r.Title != "ada l one" {
		t.Fatalf("expected results of the latest search; got %+v", m.Results())
	}
}

func TestEmptyTerms_ClearWithoutRequest(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	m := newOpen(t, f, Config{})
	m, _ = typeString(t, m, "x")
	m, cmd := m.Update(debounceMsg{id: m.id, seq: m.seq})
	m, _ = m.Update(cmd())
	if len(m.Results()) == 0 {
		t.Fatalf("expected results")
	}

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m, _ = typeString(t, m, "   ")
	m, cmd = m.Update(debounceMsg{id: m.id, seq: m.seq})
	if cmd != nil {
		t.Fatalf("expected no search for whitespace input")
	}
	if len(m.Results()) != 0 {
		t.Fatalf("expected cleared results")
	}
	if len(f.calls) != 1 {
		t.Fatalf("expected one call overall; got %d", len(f.calls))
	}
}

func TestSearchFailure_KeepsResults(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	m := newOpen(t, f, Config{})
	m, _ = typeString(t, m, "a")
	m, cmd := m.Update(debounceMsg{id: m.id, seq: m.seq})
	m, _ = m.Update(cmd())

	f.err = errors.New("offline")
	m, _ = typeString(t, m, "b")
	m, cmd = m.Update(debounceMsg{id: m.id, seq: m.seq})
	m, notify := m.Update(cmd())
	if notify == nil {
		t.Fatalf("expected a notification cmd")
	}
	if _, ok := notify().(ErrMsg); !ok {
		t.Fatalf("expected ErrMsg")
	}
	if len(m.Results()) != 3 || m.Results()[0].Title != "a one" {
		t.Fatalf("expected previous results to stay; got %+v", m.Results())
	}
}

func TestSelection_ClampsAndSelects(t *testing.T) {
	t.Parallel()

	var picked []Result
	f := &fakeSearcher{}
	m := newOpen(t, f, Config{OnSelect: func(r Result) tea.Cmd {
		picked = append(picked, r)
		return nil
	}})
	m, _ = typeString(t, m, "q")
	m, cmd := m.Update(debounceMsg{id: m.id, seq: m.seq})
	m, _ = m.Update(cmd())

	up := tea.KeyMsg{Type: tea.KeyUp}
	down := tea.KeyMsg{Type: tea.KeyDown}

	m, _ = m.Update(up)
	if m.ActiveIndex() != 0 {
		t.Fatalf("expected clamp at 0; got %d", m.ActiveIndex())
	}
	for i := 0; i < 5; i++ {
		m, _ = m.Update(down)
	}
	if m.ActiveIndex() != 2 {
		t.Fatalf("expected clamp at last index; got %d", m.ActiveIndex())
	}
	m, _ = m.Update(up)

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if len(picked) != 1 || picked[0].ID != 2 {
		t.Fatalf("expected result 2 selected; got %+v", picked)
	}
	if m.IsOpen() || len(m.Results()) != 0 || m.Value() != "" {
		t.Fatalf("expected session cleared after selection")
	}
}

func TestClose_DiscardsInFlightResponse(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	m := newOpen(t, f, Config{})
	m, _ = typeString(t, m, "z")
	m, cmd := m.Update(debounceMsg{id: m.id, seq: m.seq})

	m, closed := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if _, ok := closed().(ClosedMsg); !ok {
		t.Fatalf("expected ClosedMsg")
	}
	m.Open()
	m, _ = m.Update(cmd())
	if len(m.Results()) != 0 {
		t.Fatalf("expected response from the closed session to be ignored")
	}
}

func TestMessagesForOtherSessionIgnored(t *testing.T) {
	t.Parallel()

	f := &fakeSearcher{}
	a := newOpen(t, f, Config{})
	b := newOpen(t, f, Config{})
	a, _ = typeString(t, a, "a")
	b, _ = typeString(t, b, "b")

	b, cmd := b.Update(debounceMsg{id: a.id, seq: b.seq})
	if cmd != nil {
		t.Fatalf("expected foreign debounce tick to be ignored")
	}
	_ = b
}

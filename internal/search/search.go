// Package search implements an incremental lookup box: keystrokes are debounced, each search is
// tagged with a token and only the response for the current token is shown.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const DefaultDebounce = 250 * time.Millisecond

// Result is one match. ID is the identity handed to the selection callback.
type Result struct {
	ID     int
	Title  string
	Detail string
}

// Query is what a Searcher receives. Scope narrows the search (the course year).
type Query struct {
	Terms []string
	Scope int
	Token uint64
}

type Searcher func(ctx context.Context, q Query) ([]Result, error)

// ErrMsg is emitted when a search call fails. The previous results stay visible.
type ErrMsg struct {
	Err error
}

// ClosedMsg is emitted when the session is dismissed without a selection.
type ClosedMsg struct{}

type debounceMsg struct {
	id  int64
	seq int
}

type resultsMsg struct {
	id      int64
	token   uint64
	results []Result
	err     error
}

var lastID int64

func nextID() int64 {
	return atomic.AddInt64(&lastID, 1)
}

type Config struct {
	Prompt      string
	Placeholder string
	Scope       int
	Debounce    time.Duration
	// OnSelect is called with the active result on enter.
	OnSelect func(Result) tea.Cmd
}

type Styles struct {
	Active   lipgloss.Style
	Inactive lipgloss.Style
	Detail   lipgloss.Style
	Empty    lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Active:   lipgloss.NewStyle().Bold(true).Reverse(true),
		Inactive: lipgloss.NewStyle(),
		Detail:   lipgloss.NewStyle().Faint(true),
		Empty:    lipgloss.NewStyle().Faint(true).Italic(true),
	}
}

type Model struct {
	id       int64
	input    textinput.Model
	searcher Searcher
	onSelect func(Result) tea.Cmd
	scope    int
	debounce time.Duration

	open    bool
	seq     int
	token   uint64
	pending bool

	results []Result
	active  int

	Styles     Styles
	MaxResults int
}

func New(searcher Searcher, cfg Config) Model {
	in := textinput.New()
	in.Prompt = cfg.Prompt
	if in.Prompt == "" {
		in.Prompt = "> "
	}
	in.Placeholder = cfg.Placeholder
	d := cfg.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	return Model{
		id:         nextID(),
		input:      in,
		searcher:   searcher,
		onSelect:   cfg.OnSelect,
		scope:      cfg.Scope,
		debounce:   d,
		Styles:     DefaultStyles(),
		MaxResults: 10,
	}
}

// Open focuses an empty session.
func (m *Model) Open() tea.Cmd {
	m.reset()
	m.open = true
	return m.input.Focus()
}

// Close deactivates the session. Responses still in flight are discarded on arrival.
func (m *Model) Close() {
	m.reset()
	m.open = false
	m.input.Blur()
}

func (m *Model) reset() {
	m.input.SetValue("")
	m.results = nil
	m.active = 0
	m.pending = false
	m.seq++
	m.token++
}

func (m Model) IsOpen() bool      { return m.open }
func (m Model) Value() string     { return m.input.Value() }
func (m Model) Results() []Result { return m.results }
func (m Model) ActiveIndex() int  { return m.active }
func (m Model) Token() uint64     { return m.token }
func (m Model) Pending() bool     { return m.pending }

func (m *Model) SetScope(scope int) { m.scope = scope }

// Active returns the highlighted result.
func (m Model) Active() (Result, bool) {
	if len(m.results) == 0 {
		return Result{}, false
	}
	return m.results[m.active], true
}

// Terms splits raw input on whitespace.
func Terms(raw string) []string {
	return strings.Fields(raw)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case debounceMsg:
		if msg.id != m.id || msg.seq != m.seq || !m.open {
			return m, nil
		}
		return m, m.fire()

	case resultsMsg:
		if msg.id != m.id || msg.token != m.token || !m.open {
			return m, nil
		}
		m.pending = false
		if msg.err != nil {
			err := msg.err
			return m, func() tea.Msg { return ErrMsg{Err: err} }
		}
		m.results = msg.results
		if m.MaxResults > 0 && len(m.results) > m.MaxResults {
			m.results = m.results[:m.MaxResults]
		}
		m.active = 0
		return m, nil

	case tea.KeyMsg:
		if !m.open {
			return m, nil
		}
		switch msg.String() {
		case "up", "ctrl+p":
			if m.active > 0 {
				m.active--
			}
			return m, nil
		case "down", "ctrl+n":
			if m.active < len(m.results)-1 {
				m.active++
			}
			return m, nil
		case "enter":
			r, ok := m.Active()
			if !ok {
				return m, nil
			}
			m.Close()
			if m.onSelect == nil {
				return m, nil
			}
			return m, m.onSelect(r)
		case "esc":
			m.Close()
			return m, func() tea.Msg { return ClosedMsg{} }
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() == before {
			return m, cmd
		}
		m.seq++
		seq, id := m.seq, m.id
		return m, tea.Batch(cmd, tea.Tick(m.debounce, func(time.Time) tea.Msg {
			return debounceMsg{id: id, seq: seq}
		}))
	}

	if !m.open {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// fire issues one search for the current input. An empty term set clears the list instead.
func (m *Model) fire() tea.Cmd {
	terms := Terms(m.input.Value())
	m.token++
	if len(terms) == 0 {
		m.results = nil
		m.active = 0
		m.pending = false
		return nil
	}
	if m.searcher == nil {
		return nil
	}
	m.pending = true
	q := Query{Terms: terms, Scope: m.scope, Token: m.token}
	id, search := m.id, m.searcher
	return func() tea.Msg {
		res, err := search(context.Background(), q)
		return resultsMsg{id: id, token: q.Token, results: res, err: err}
	}
}

func (m Model) View() string {
	if !m.open {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteString("\n")
	if len(m.results) == 0 {
		switch {
		case m.pending:
			b.WriteString(m.Styles.Empty.Render("searching..."))
		case len(Terms(m.input.Value())) > 0:
			b.WriteString(m.Styles.Empty.Render("no matches"))
		}
		return b.String()
	}
	for i, r := range m.results {
		line := r.Title
		if r.Detail != "" {
			line = fmt.Sprintf("%s  %s", r.Title, m.Styles.Detail.Render(r.Detail))
		}
		if i == m.active {
			b.WriteString(m.Styles.Active.Render(line))
		} else {
			b.WriteString(m.Styles.Inactive.Render(line))
		}
		if i < len(m.results)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

package tui

import (
	"context"
	"unicode/utf8"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/gateway"
	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
)

// Backend is the remote side of the board. *api.Client implements it.
type Backend interface {
	LoadEvent(ctx context.Context, date string) (*model.Event, error)
	SetCompletion(ctx context.Context, group, task int, completed bool) error
	SetElaboration(ctx context.Context, group, experiment int, g model.Grade) error
	SaveComment(ctx context.Context, group int, comment string) error
	SetInstructed(ctx context.Context, student int, instructed bool) error
	AddStudent(ctx context.Context, group, student int) error
	RemoveStudent(ctx context.Context, group, student int) error
	SearchStudents(ctx context.Context, q model.SearchQuery) ([]model.Student, error)
}

// Board owns the fields of one opened event. It is rebuilt on every (re)load; fields of the
// previous board are dropped with it.
type Board struct {
	event  *model.Event
	groups []*model.Group
	byID   map[int]*model.Group

	completions  map[field.Key]*field.Field[bool]
	elaborations map[field.Key]*field.Field[model.Grade]
	comments     map[field.Key]*field.Field[string]
	instructed   map[field.Key]*field.Field[bool]

	// rendered caches group blocks; field subscriptions invalidate them.
	rendered map[int]string
	// Stale is set when a push could not be merged and the board should be reloaded.
	Stale bool
}

var _ reconcile.View = (*Board)(nil)

func NewBoard(ev *model.Event) *Board {
	b := &Board{
		event:        ev,
		byID:         map[int]*model.Group{},
		completions:  map[field.Key]*field.Field[bool]{},
		elaborations: map[field.Key]*field.Field[model.Grade]{},
		comments:     map[field.Key]*field.Field[string]{},
		instructed:   map[field.Key]*field.Field[bool]{},
		rendered:     map[int]string{},
	}
	for i := range ev.Groups {
		g := &ev.Groups[i]
		gid := g.ID
		b.groups = append(b.groups, g)
		b.byID[g.ID] = g

		for _, t := range g.Tasks {
			f := field.New(reconcile.CompletionKey(g.ID, t.ID), t.Completed)
			invalidateOn(b, f, fixed(gid))
			b.completions[f.Key()] = f
		}

		ef := field.NewFunc(reconcile.ElaborationKey(g.ID, ev.ExperimentID), g.Elaboration, gradeEqual)
		invalidateOn(b, ef, fixed(gid))
		b.elaborations[ef.Key()] = ef

		cf := field.New(reconcile.CommentKey(g.ID), g.Comment, field.WithValidate(validComment))
		invalidateOn(b, cf, fixed(gid))
		b.comments[cf.Key()] = cf

		for _, s := range g.Students {
			b.addInstructed(s)
		}
	}
	return b
}

// gradeEqual compares by the encoded select option, so grades that are not handed in are equal
// whatever their other flags say.
func gradeEqual(a, b model.Grade) bool { return a.Key() == b.Key() }

func validComment(s string) error {
	if n := utf8.RuneCountInString(s); n > model.MaxCommentLen {
		return gateway.Invalid("comment is too long (%d of %d characters)", n, model.MaxCommentLen)
	}
	return nil
}

// invalidateOn drops the cached block of the owning group whenever f changes.
func invalidateOn[V any](b *Board, f *field.Field[V], group func() int) {
	f.Subscribe(func(field.Snapshot[V]) {
		delete(b.rendered, group())
	})
}

func fixed(id int) func() int { return func() int { return id } }

func (b *Board) addInstructed(s model.Student) {
	key := reconcile.InstructedKey(s.ID)
	if _, ok := b.instructed[key]; ok {
		return
	}
	f := field.New(key, s.Instructed)
	id := s.ID
	invalidateOn(b, f, func() int {
		if g := b.groupOf(id); g != nil {
			return g.ID
		}
		return 0
	})
	b.instructed[key] = f
}

func (b *Board) Event() *model.Event       { return b.event }
func (b *Board) Groups() []*model.Group    { return b.groups }
func (b *Board) Group(id int) *model.Group { return b.byID[id] }

// Drafts returns the groups whose comment holds an unsaved draft, in board order.
func (b *Board) Drafts() []int {
	var out []int
	for _, g := range b.groups {
		if f := b.CommentField(g.ID); f != nil && f.Dirty() {
			out = append(out, g.ID)
		}
	}
	return out
}

func (b *Board) groupOf(student int) *model.Group {
	for _, g := range b.groups {
		for _, s := range g.Students {
			if s.ID == student {
				return g
			}
		}
	}
	return nil
}

func (b *Board) CompletionField(group, task int) *field.Field[bool] {
	return b.completions[reconcile.CompletionKey(group, task)]
}

func (b *Board) ElaborationField(group, experiment int) *field.Field[model.Grade] {
	return b.elaborations[reconcile.ElaborationKey(group, experiment)]
}

func (b *Board) CommentField(group int) *field.Field[string] {
	return b.comments[reconcile.CommentKey(group)]
}

func (b *Board) InstructedField(student int) *field.Field[bool] {
	return b.instructed[reconcile.InstructedKey(student)]
}

func (b *Board) HasGroup(group int) bool {
	_, ok := b.byID[group]
	return ok
}

// AddStudent moves s into group, taking it out of any other group on the board.
func (b *Board) AddStudent(group int, s model.Student) bool {
	g := b.byID[group]
	if g == nil {
		return false
	}
	if cur := b.groupOf(s.ID); cur == g {
		return false
	}
	b.RemoveStudent(s.ID)
	g.Students = append(g.Students, s)
	b.addInstructed(s)
	delete(b.rendered, group)
	return true
}

func (b *Board) RemoveStudent(student int) bool {
	g := b.groupOf(student)
	if g == nil {
		return false
	}
	out := g.Students[:0]
	for _, s := range g.Students {
		if s.ID != student {
			out = append(out, s)
		}
	}
	g.Students = out
	delete(b.rendered, g.ID)
	return true
}

// Settle routes a mutation response to the field it belongs to.
func (b *Board) Settle(key field.Key, rid field.RequestID, err error) settleResult {
	switch key.Name {
	case string(reconcile.KindCompletion):
		if f := b.completions[key]; f != nil {
			return settled(f.Settle(rid, err))
		}
	case string(reconcile.KindElaboration):
		if f := b.elaborations[key]; f != nil {
			return settled(f.Settle(rid, err))
		}
	case string(reconcile.KindComment):
		if f := b.comments[key]; f != nil {
			return settled(f.Settle(rid, err))
		}
	case reconcile.InstructedKey(0).Name:
		if f := b.instructed[key]; f != nil {
			return settled(f.Settle(rid, err))
		}
	}
	return settleResult{Stale: true}
}

// settleResult is field.Outcome without the value type.
type settleResult struct {
	Stale      bool
	RolledBack bool
	Err        error
	Push       field.PushResult
}

func settled[V any](o field.Outcome[V]) settleResult {
	return settleResult{Stale: o.Stale, RolledBack: o.RolledBack, Err: o.Err, Push: o.Push}
}

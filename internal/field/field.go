// Package field holds the optimistic state machine behind a single editable value
// (checkbox, select, comment) that is backed by a remote endpoint.
//
// A Field is not safe for concurrent use. All calls are expected to come from one event
// loop (the TUI Update function); network completions re-enter that loop as messages and
// are fed back through Settle.
package field

import (
	"fmt"
)

// Key identifies a field. Name is the attribute ("completion", "comment", ...), Entity the
// owning entity id and Sub an optional secondary id (task, experiment).
type Key struct {
	Name   string
	Entity int
	Sub    int
}

func (k Key) String() string {
	if k.Sub == 0 {
		return fmt.Sprintf("%s:%d", k.Name, k.Entity)
	}
	return fmt.Sprintf("%s:%d/%d", k.Name, k.Entity, k.Sub)
}

// RequestID orders the mutations issued for one field. Only the latest one is authoritative.
type RequestID uint64

// State is one of Clean, Dirty or InFlight.
type State[V any] interface {
	// Shown is the value the view should display.
	Shown() V
	isState()
}

// Clean means the shown value equals the last value known to be stored remotely.
type Clean[V any] struct {
	Value V
}

// Dirty holds a local draft that has not been submitted (e.g. an unsaved comment).
type Dirty[V any] struct {
	Value V
}

// InFlight holds the mutation currently awaiting a response. Old is the rollback target.
type InFlight[V any] struct {
	Old       V
	New       V
	RequestID RequestID
}

func (s Clean[V]) Shown() V    { return s.Value }
func (s Dirty[V]) Shown() V    { return s.Value }
func (s InFlight[V]) Shown() V { return s.New }

func (Clean[V]) isState()    {}
func (Dirty[V]) isState()    {}
func (InFlight[V]) isState() {}

// Mutation is the remote write a caller must perform after a successful Edit.
type Mutation[V any] struct {
	Key       Key
	Value     V
	RequestID RequestID
}

// PushResult reports what ApplyPush (or a buffered push during Settle) did.
type PushResult int

const (
	PushNone PushResult = iota
	// PushUnchanged: the pushed value equals what is already shown.
	PushUnchanged
	PushApplied
	// PushBuffered: a mutation is in flight; the value is held until it settles.
	PushBuffered
	// PushConflict: the field has an unsaved draft; the draft was kept.
	PushConflict
	// PushDropped: a value buffered before the mutation's echo contradicted what it committed.
	PushDropped
)

func (r PushResult) String() string {
	switch r {
	case PushUnchanged:
		return "unchanged"
	case PushApplied:
		return "applied"
	case PushBuffered:
		return "buffered"
	case PushConflict:
		return "conflict"
	case PushDropped:
		return "dropped"
	default:
		return "none"
	}
}

// Outcome is the result of settling a mutation.
type Outcome[V any] struct {
	// Stale is set when the response belongs to a superseded (or unknown) request.
	Stale      bool
	RolledBack bool
	Err        error
	// Push is the fate of a push that was buffered while the mutation was in flight.
	Push  PushResult
	Value V
}

// Snapshot is what subscribers receive after every state change.
type Snapshot[V any] struct {
	Key       Key
	State     State[V]
	Committed V
	Conflict  bool
}

type Field[V any] struct {
	key      Key
	equal    func(a, b V) bool
	validate func(V) error

	committed V
	state     State[V]
	lastRID   RequestID

	buffered *V
	// echoed is set once a push equal to the in-flight value arrives; a
	// different push buffered after it is newer than our write.
	echoed       bool
	bufferedLate bool
	conflict     bool

	subs   map[int]func(Snapshot[V])
	subSeq int
}

type Option[V any] func(*Field[V])

// WithValidate installs a check that runs before any optimistic apply.
func WithValidate[V any](fn func(V) error) Option[V] {
	return func(f *Field[V]) {
		f.validate = fn
	}
}

// New creates a clean field comparing values with ==.
func New[V comparable](key Key, initial V, opts ...Option[V]) *Field[V] {
	return NewFunc(key, initial, func(a, b V) bool { return a == b }, opts...)
}

// NewFunc creates a clean field using equal to compare values (e.g. by encoded option key).
func NewFunc[V any](key Key, initial V, equal func(a, b V) bool, opts ...Option[V]) *Field[V] {
	f := &Field[V]{
		key:       key,
		equal:     equal,
		committed: initial,
		state:     Clean[V]{Value: initial},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Field[V]) Key() Key        { return f.key }
func (f *Field[V]) State() State[V] { return f.state }
func (f *Field[V]) Value() V        { return f.state.Shown() }
func (f *Field[V]) Committed() V    { return f.committed }

func (f *Field[V]) Dirty() bool {
	_, ok := f.state.(Dirty[V])
	return ok
}

func (f *Field[V]) InFlight() bool {
	_, ok := f.state.(InFlight[V])
	return ok
}

// Conflict reports whether a push changed the remote value while a draft was open.
func (f *Field[V]) Conflict() bool { return f.conflict }

func (f *Field[V]) Snapshot() Snapshot[V] {
	return Snapshot[V]{
		Key:       f.key,
		State:     f.state,
		Committed: f.committed,
		Conflict:  f.conflict,
	}
}

// Subscribe registers fn to be called after each state change. The returned func removes it.
func (f *Field[V]) Subscribe(fn func(Snapshot[V])) func() {
	if f.subs == nil {
		f.subs = map[int]func(Snapshot[V]){}
	}
	f.subSeq++
	id := f.subSeq
	f.subs[id] = fn
	return func() { delete(f.subs, id) }
}

func (f *Field[V]) notify() {
	if len(f.subs) == 0 {
		return
	}
	snap := f.Snapshot()
	for _, fn := range f.subs {
		fn(snap)
	}
}

// Edit applies v optimistically and returns the mutation to send.
//
// A nil mutation with a nil error means v is already the shown value; repeated change
// notifications for one logical edit therefore produce a single mutation. A validation
// error leaves the field untouched.
func (f *Field[V]) Edit(v V) (*Mutation[V], error) {
	if f.validate != nil {
		if err := f.validate(v); err != nil {
			return nil, err
		}
	}

	var old V
	switch s := f.state.(type) {
	case Clean[V]:
		if f.equal(v, s.Value) {
			return nil, nil
		}
		old = s.Value
	case Dirty[V]:
		if f.equal(v, f.committed) {
			f.state = Clean[V]{Value: f.committed}
			f.conflict = false
			f.notify()
			return nil, nil
		}
		old = f.committed
	case InFlight[V]:
		if f.equal(v, s.New) {
			return nil, nil
		}
		old = s.Old
	}

	f.lastRID++
	f.state = InFlight[V]{Old: old, New: v, RequestID: f.lastRID}
	f.echoed, f.bufferedLate = false, false
	f.conflict = false
	f.notify()
	return &Mutation[V]{Key: f.key, Value: v, RequestID: f.lastRID}, nil
}

// Draft records an unsubmitted local value. It is ignored while a mutation is in flight.
func (f *Field[V]) Draft(v V) bool {
	if f.InFlight() {
		return false
	}
	if f.equal(v, f.committed) {
		if _, ok := f.state.(Clean[V]); ok {
			return true
		}
		f.state = Clean[V]{Value: f.committed}
		f.conflict = false
	} else {
		f.state = Dirty[V]{Value: v}
	}
	f.notify()
	return true
}

// Discard drops a draft and shows the committed value again.
func (f *Field[V]) Discard() bool {
	if !f.Dirty() {
		return false
	}
	f.state = Clean[V]{Value: f.committed}
	f.conflict = false
	f.notify()
	return true
}

// Settle feeds the response for rid back into the field. Responses for anything but the
// latest request are ignored.
func (f *Field[V]) Settle(rid RequestID, err error) Outcome[V] {
	s, ok := f.state.(InFlight[V])
	if !ok || s.RequestID != rid {
		return Outcome[V]{Stale: true, Value: f.Value()}
	}

	out := Outcome[V]{}
	if err == nil {
		f.committed = s.New
	} else {
		f.committed = s.Old
		out.RolledBack = true
		out.Err = err
	}
	f.state = Clean[V]{Value: f.committed}

	late := f.bufferedLate
	f.echoed, f.bufferedLate = false, false
	if b := f.buffered; b != nil {
		f.buffered = nil
		switch {
		case f.equal(*b, f.committed):
			out.Push = PushUnchanged
		case err != nil || late:
			// Either the write never happened or the push arrived after its echo;
			// both make the pushed value the newest remote state.
			f.committed = *b
			f.state = Clean[V]{Value: *b}
			out.Push = PushApplied
		default:
			out.Push = PushDropped
		}
	}

	out.Value = f.committed
	f.notify()
	return out
}

// ApplyPush merges a value changed by another client.
func (f *Field[V]) ApplyPush(v V) PushResult {
	switch s := f.state.(type) {
	case Clean[V]:
		f.committed = v
		if f.equal(s.Value, v) {
			return PushUnchanged
		}
		f.state = Clean[V]{Value: v}
		f.notify()
		return PushApplied
	case Dirty[V]:
		f.committed = v
		if f.equal(s.Value, v) {
			f.state = Clean[V]{Value: v}
			f.conflict = false
			f.notify()
			return PushApplied
		}
		f.conflict = true
		f.notify()
		return PushConflict
	case InFlight[V]:
		if f.equal(v, s.New) {
			f.echoed = true
		}
		f.buffered = &v
		f.bufferedLate = f.echoed && !f.equal(v, s.New)
		return PushBuffered
	}
	return PushNone
}

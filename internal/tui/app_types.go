package tui

import (
	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
	"labcourse-cli/internal/reconcile"
	"labcourse-cli/internal/search"
)

type focus int

const (
	focusBoard focus = iota
	focusComment
	focusSearch
)

type rowKind int

const (
	rowTask rowKind = iota
	rowGrade
	rowComment
	rowStudent
)

// row is one selectable line of the board. id is the task or student id.
type row struct {
	kind  rowKind
	group int
	id    int
}

type eventLoadedMsg struct {
	seq   int
	event *model.Event
	err   error
}

// mutationDoneMsg carries the response for one field mutation back into Update.
type mutationDoneMsg struct {
	key   field.Key
	rid   field.RequestID
	value any
	err   error
}

type rosterOp int

const (
	rosterAdd rosterOp = iota
	rosterRemove
)

type rosterDoneMsg struct {
	op      rosterOp
	group   int
	student model.Student
	err     error
}

type studentPickedMsg struct {
	group  int
	result search.Result
}

type pushMsg struct {
	event reconcile.PushEvent
	ok    bool
}

type toastExpiredMsg struct{ seq int }

type toastKind int

const (
	toastError toastKind = iota
	toastInfo
)

func (k toastKind) prefix() string {
	if k == toastInfo {
		return "Info: "
	}
	return "Error: "
}

type toast struct {
	seq  int
	kind toastKind
	text string
}

package reconcile

import (
	"fmt"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
)

// View is the board as seen by the reconciliation path. Lookups return nil for entities that
// are not on the board; Apply never creates fields.
type View interface {
	CompletionField(group, task int) *field.Field[bool]
	ElaborationField(group, experiment int) *field.Field[model.Grade]
	CommentField(group int) *field.Field[string]
	InstructedField(student int) *field.Field[bool]

	HasGroup(group int) bool
	// AddStudent and RemoveStudent set roster membership and report whether it changed.
	AddStudent(group int, s model.Student) bool
	RemoveStudent(student int) bool
}

// Outcome describes what applying one event did.
type Outcome struct {
	Event   PushEvent
	Matched bool
	Result  field.PushResult
	// Notice is a message for the user, e.g. a conflict with an unsaved draft.
	Notice string
	// Stale asks the view to reload: the change cannot be merged field by field.
	Stale bool
}

// Apply merges ev into view. It must run on the same event loop as user edits.
func Apply(view View, ev PushEvent) Outcome {
	out := Outcome{Event: ev}
	switch p := ev.Payload.(type) {
	case CompletionPayload:
		// Absolute state, so applying it twice is the same as once. While a toggle is in
		// flight the field holds the value until the toggle settles.
		if f := view.CompletionField(p.Group, p.Task); f != nil {
			out.Matched = true
			out.Result = f.ApplyPush(p.Completed)
		}

	case ElaborationPayload:
		if f := view.ElaborationField(p.Group, p.Experiment); f != nil {
			out.Matched = true
			out.Result = f.ApplyPush(p.Grade())
		}

	case CommentPayload:
		if f := view.CommentField(p.Group); f != nil {
			out.Matched = true
			out.Result = f.ApplyPush(p.Comment)
			if out.Result == field.PushConflict {
				author := p.Author
				if author == "" {
					author = "another tutor"
				}
				out.Notice = fmt.Sprintf("%s changed the comment of group %d while you were editing it", author, p.Group)
			}
		}

	case StudentPayload:
		switch p.Type {
		case StudentAdd:
			if view.HasGroup(p.Group) {
				out.Matched = true
				out.Result = field.PushUnchanged
				if view.AddStudent(p.Group, model.Student{ID: p.Student, Name: p.Name}) {
					out.Result = field.PushApplied
				}
			} else if view.RemoveStudent(p.Student) {
				// Moved to a group that is not on this board.
				out.Matched = true
				out.Result = field.PushApplied
			}
		case StudentRemove:
			if view.RemoveStudent(p.Student) {
				out.Matched = true
				out.Result = field.PushApplied
			}
		case StudentInstructed:
			if f := view.InstructedField(p.Student); f != nil {
				out.Matched = true
				out.Result = f.ApplyPush(p.Instructed)
			}
		}

	case GroupPayload:
		switch p.Type {
		case GroupChange:
			if view.HasGroup(p.Group) {
				out.Matched = true
				out.Stale = true
				out.Notice = fmt.Sprintf("group %d was changed elsewhere; press r to reload", p.Group)
			}
		case GroupNew:
			out.Matched = true
			out.Stale = true
			out.Notice = "a new group was created; press r to reload"
		}
	}
	return out
}

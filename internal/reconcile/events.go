// Package reconcile consumes the server push stream and merges changes made by other clients
// into the fields of the open board.
package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"labcourse-cli/internal/field"
	"labcourse-cli/internal/model"
)

type Kind string

const (
	KindComment     Kind = "comment"
	KindCompletion  Kind = "completion"
	KindElaboration Kind = "elaboration"
	KindStudent     Kind = "student"
	KindGroup       Kind = "group"

	// Lifecycle markers produced by the channel itself, never sent by the server.
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// PushEvent is one decoded server event. Target is the primary entity id (group or student).
type PushEvent struct {
	Kind    Kind
	Target  int
	Payload any
}

type CommentPayload struct {
	Group   int    `json:"group"`
	Author  string `json:"author"`
	Comment string `json:"comment"`
}

type CompletionPayload struct {
	Group     int  `json:"group"`
	Task      int  `json:"task"`
	Completed bool `json:"completed"`
}

type ElaborationPayload struct {
	Group      int  `json:"group"`
	Experiment int  `json:"experiment"`
	HandedIn   bool `json:"handed_in"`
	Rework     bool `json:"rework"`
	Accepted   bool `json:"accepted"`
}

// Grade returns both sub-attributes as one value so they are never applied separately.
func (p ElaborationPayload) Grade() model.Grade {
	return model.Grade{HandedIn: p.HandedIn, ReworkRequired: p.Rework, Accepted: p.Accepted}
}

const (
	StudentAdd        = "Add"
	StudentRemove     = "Remove"
	StudentInstructed = "Instructed"

	GroupNew    = "New"
	GroupChange = "Change"
)

type StudentPayload struct {
	Type       string `json:"type"`
	Group      int    `json:"group,omitempty"`
	Student    int    `json:"student"`
	Name       string `json:"name,omitempty"`
	Instructed bool   `json:"instructed,omitempty"`
}

type GroupPayload struct {
	Type  string `json:"type"`
	Day   int    `json:"day,omitempty"`
	Group int    `json:"group,omitempty"`
}

type DecodeError struct {
	Event string
	Err   error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode %q push: %v", e.Event, e.Err)
}

func (e DecodeError) Unwrap() error { return e.Err }

// Decode turns a named server event into a PushEvent.
func Decode(name string, data []byte) (PushEvent, error) {
	name = strings.TrimSpace(name)
	switch Kind(name) {
	case KindComment:
		var p CommentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return PushEvent{}, DecodeError{Event: name, Err: err}
		}
		return PushEvent{Kind: KindComment, Target: p.Group, Payload: p}, nil
	case KindCompletion:
		var p CompletionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return PushEvent{}, DecodeError{Event: name, Err: err}
		}
		return PushEvent{Kind: KindCompletion, Target: p.Group, Payload: p}, nil
	case KindElaboration:
		var p ElaborationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return PushEvent{}, DecodeError{Event: name, Err: err}
		}
		return PushEvent{Kind: KindElaboration, Target: p.Group, Payload: p}, nil
	case KindStudent:
		var p StudentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return PushEvent{}, DecodeError{Event: name, Err: err}
		}
		switch p.Type {
		case StudentAdd, StudentRemove, StudentInstructed:
		default:
			return PushEvent{}, DecodeError{Event: name, Err: fmt.Errorf("unknown type %q", p.Type)}
		}
		return PushEvent{Kind: KindStudent, Target: p.Student, Payload: p}, nil
	case KindGroup:
		var p GroupPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return PushEvent{}, DecodeError{Event: name, Err: err}
		}
		switch p.Type {
		case GroupNew, GroupChange:
		default:
			return PushEvent{}, DecodeError{Event: name, Err: fmt.Errorf("unknown type %q", p.Type)}
		}
		return PushEvent{Kind: KindGroup, Target: p.Group, Payload: p}, nil
	default:
		return PushEvent{}, DecodeError{Event: name, Err: fmt.Errorf("unknown event")}
	}
}

// Field keys shared by the board (which owns the fields) and Apply (which looks them up).

func CompletionKey(group, task int) field.Key {
	return field.Key{Name: string(KindCompletion), Entity: group, Sub: task}
}

func ElaborationKey(group, experiment int) field.Key {
	return field.Key{Name: string(KindElaboration), Entity: group, Sub: experiment}
}

func CommentKey(group int) field.Key {
	return field.Key{Name: string(KindComment), Entity: group}
}

func InstructedKey(student int) field.Key {
	return field.Key{Name: "instructed", Entity: student}
}

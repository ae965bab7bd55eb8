package model

import "strings"

type Student struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Matrikel   string  `json:"matrikel,omitempty"`
	Username   *string `json:"username,omitempty"`
	Instructed bool    `json:"instructed"`
}

type Task struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Grade is the elaboration state of a group for one experiment.
//
// ReworkRequired and Accepted only carry meaning when HandedIn is set; a grade that was not
// handed in is "missing" regardless of the other two flags.
type Grade struct {
	HandedIn       bool `json:"handed_in"`
	ReworkRequired bool `json:"rework"`
	Accepted       bool `json:"accepted"`
}

// MaxCommentLen caps a group comment, in characters.
const MaxCommentLen = 4000

const (
	GradeMissing        = "missing"
	GradeSubmitted      = "submitted"
	GradeAccepted       = "accepted"
	GradeRework         = "rework"
	GradeReworkAccepted = "rework-accepted"
)

// Key returns the encoded select option for the grade.
func (g Grade) Key() string {
	if !g.HandedIn {
		return GradeMissing
	}
	switch {
	case g.ReworkRequired && g.Accepted:
		return GradeReworkAccepted
	case g.ReworkRequired:
		return GradeRework
	case g.Accepted:
		return GradeAccepted
	default:
		return GradeSubmitted
	}
}

// Label is the human readable status used in the audit log of the server.
func (g Grade) Label() string {
	switch g.Key() {
	case GradeSubmitted:
		return "submitted"
	case GradeAccepted:
		return "accepted"
	case GradeRework:
		return "needing rework"
	case GradeReworkAccepted:
		return "rework accepted"
	default:
		return "missing"
	}
}

func GradeFromKey(key string) (Grade, bool) {
	switch strings.TrimSpace(key) {
	case GradeMissing:
		return Grade{}, true
	case GradeSubmitted:
		return Grade{HandedIn: true}, true
	case GradeAccepted:
		return Grade{HandedIn: true, Accepted: true}, true
	case GradeRework:
		return Grade{HandedIn: true, ReworkRequired: true}, true
	case GradeReworkAccepted:
		return Grade{HandedIn: true, ReworkRequired: true, Accepted: true}, true
	default:
		return Grade{}, false
	}
}

// GradeKeys lists the select options in display order.
func GradeKeys() []string {
	return []string{GradeMissing, GradeSubmitted, GradeRework, GradeReworkAccepted, GradeAccepted}
}

type Group struct {
	ID           int       `json:"id"`
	Desk         int       `json:"desk"`
	Day          string    `json:"day,omitempty"`
	Comment      string    `json:"comment"`
	Students     []Student `json:"students"`
	Tasks        []Task    `json:"tasks"`
	Elaboration  Grade     `json:"elaboration"`
	Disqualified bool      `json:"disqualified"`
}

// Event is one experiment taking place on one day; it is the unit a tutor opens.
type Event struct {
	Year         int     `json:"year"`
	Date         string  `json:"date"` // YYYY-MM-DD
	Day          string  `json:"day"`
	ExperimentID int     `json:"experiment_id"`
	Experiment   string  `json:"experiment"`
	Groups       []Group `json:"groups"`
	PrevEvent    *string `json:"prev_event,omitempty"`
	NextEvent    *string `json:"next_event,omitempty"`
}

type SearchGroup struct {
	ID       int       `json:"id"`
	Desk     int       `json:"desk"`
	Day      string    `json:"day"`
	Students []Student `json:"students"`
}

// SearchQuery is the body of the search endpoints.
type SearchQuery struct {
	Terms []string `json:"terms"`
	Year  int      `json:"year"`
}

func (g *Group) StudentNames() []string {
	out := make([]string, 0, len(g.Students))
	for _, s := range g.Students {
		out = append(out, s.Name)
	}
	return out
}

// Package publish renders an event board as a markdown protocol for archiving or mailing.
package publish

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"labcourse-cli/internal/model"
)

type RenderOptions struct {
	IncludeComments bool
	IncludeStudents bool
}

// RenderEventMarkdown writes one section per group in board order.
func RenderEventMarkdown(ev *model.Event, opt RenderOptions) (string, error) {
	if ev == nil {
		return "", errors.New("missing event")
	}

	var buf bytes.Buffer
	writeLn := func(s string) {
		buf.WriteString(s)
		buf.WriteString("\n")
	}

	writeLn("# " + strings.TrimSpace(ev.Experiment) + " · " + ev.Date)
	writeLn("")
	writeLn("## Meta")
	writeLn("")
	writeLn(fmt.Sprintf("- Year: %d", ev.Year))
	if strings.TrimSpace(ev.Day) != "" {
		writeLn("- Day: " + strings.TrimSpace(ev.Day))
	}
	writeLn(fmt.Sprintf("- Groups: %d", len(ev.Groups)))
	done, total := completion(ev)
	writeLn(fmt.Sprintf("- Tasks completed: %d/%d", done, total))
	if ev.PrevEvent != nil {
		writeLn("- Previous: " + *ev.PrevEvent)
	}
	if ev.NextEvent != nil {
		writeLn("- Next: " + *ev.NextEvent)
	}

	for _, g := range ev.Groups {
		writeLn("")
		title := fmt.Sprintf("## Group %d (desk %d)", g.ID, g.Desk)
		if g.Disqualified {
			title += " · disqualified"
		}
		writeLn(title)
		writeLn("")
		if opt.IncludeStudents && len(g.Students) > 0 {
			for _, s := range g.Students {
				mark := ""
				if !s.Instructed {
					mark = " (not instructed)"
				}
				writeLn("- " + s.Name + mark)
			}
			writeLn("")
		}
		for _, t := range g.Tasks {
			box := "[ ]"
			if t.Completed {
				box = "[x]"
			}
			writeLn("- " + box + " " + strings.TrimSpace(t.Name))
		}
		writeLn("")
		writeLn("Elaboration: " + g.Elaboration.Label())

		if opt.IncludeComments && strings.TrimSpace(g.Comment) != "" {
			writeLn("")
			writeLn("### Comment")
			writeLn("")
			writeLn(strings.TrimRight(g.Comment, "\n"))
		}
	}

	return buf.String(), nil
}

func completion(ev *model.Event) (done, total int) {
	for _, g := range ev.Groups {
		for _, t := range g.Tasks {
			total++
			if t.Completed {
				done++
			}
		}
	}
	return done, total
}

package publish

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labcourse-cli/internal/model"
)

func testEvent() *model.Event {
	next := "2026-10-12"
	return &model.Event{
		Year:       2026,
		Date:       "2026-10-05",
		Day:        "Monday",
		Experiment: "Free Fall & Pendulum",
		NextEvent:  &next,
		Groups: []model.Group{
			{
				ID:      1,
				Desk:    3,
				Comment: "2026-10-05: **late** start\n",
				Students: []model.Student{
					{ID: 1, Name: "Ada Lovelace", Instructed: true},
					{ID: 2, Name: "Grace Hopper"},
				},
				Tasks: []model.Task{
					{ID: 1, Name: "Measure period", Completed: true},
					{ID: 2, Name: "Fit g"},
				},
				Elaboration: model.Grade{HandedIn: true, ReworkRequired: true},
			},
		},
	}
}

func TestRenderEventMarkdown(t *testing.T) {
	t.Parallel()

	md, err := RenderEventMarkdown(testEvent(), RenderOptions{IncludeComments: true, IncludeStudents: true})
	if err != nil {
		t.Fatalf("RenderEventMarkdown: %v", err)
	}
	for _, want := range []string{
		"# Free Fall & Pendulum · 2026-10-05",
		"- Tasks completed: 1/2",
		"- Next: 2026-10-12",
		"## Group 1 (desk 3)",
		"- Grace Hopper (not instructed)",
		"- [x] Measure period",
		"- [ ] Fit g",
		"Elaboration: needing rework",
		"2026-10-05: **late** start",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected markdown to contain %q; got:\n%s", want, md)
		}
	}

	md, _ = RenderEventMarkdown(testEvent(), RenderOptions{})
	if strings.Contains(md, "### Comment") || strings.Contains(md, "Ada Lovelace") {
		t.Fatalf("expected comments and students to be left out; got:\n%s", md)
	}

	if _, err := RenderEventMarkdown(nil, RenderOptions{}); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestWriteEvent_RefusesOverwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	res, err := WriteEvent(testEvent(), dir, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	want := filepath.Join(dir, "events", "2026-10-05-free-fall-pendulum.md")
	if len(res.Written) != 1 || res.Written[0] != want {
		t.Fatalf("expected %s; got %v", want, res.Written)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected file: %v", err)
	}

	if _, err := WriteEvent(testEvent(), dir, WriteOptions{}); err == nil {
		t.Fatalf("expected second write to fail without overwrite")
	}
	if _, err := WriteEvent(testEvent(), dir, WriteOptions{Overwrite: true}); err != nil {
		t.Fatalf("WriteEvent overwrite: %v", err)
	}
	if _, err := WriteEvent(testEvent(), " ", WriteOptions{}); err == nil {
		t.Fatalf("expected missing dir to fail")
	}
}

package publish

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"labcourse-cli/internal/model"
)

type WriteOptions struct {
	IncludeComments bool
	IncludeStudents bool
	Overwrite       bool
}

type WriteResult struct {
	Written []string `json:"written"`
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// EventFileName is <date>-<experiment>.md.
func EventFileName(ev *model.Event) string {
	name := ev.Date
	if s := slug(ev.Experiment); s != "" {
		name += "-" + s
	}
	return name + ".md"
}

// WriteEvent renders ev into toDir/events/.
func WriteEvent(ev *model.Event, toDir string, opt WriteOptions) (WriteResult, error) {
	if ev == nil {
		return WriteResult{}, errors.New("missing event")
	}
	toDir = strings.TrimSpace(toDir)
	if toDir == "" {
		return WriteResult{}, errors.New("missing --to")
	}
	toDir = filepath.Clean(toDir)

	md, err := RenderEventMarkdown(ev, RenderOptions{
		IncludeComments: opt.IncludeComments,
		IncludeStudents: opt.IncludeStudents,
	})
	if err != nil {
		return WriteResult{}, err
	}

	outDir := filepath.Join(toDir, "events")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return WriteResult{}, err
	}
	outPath := filepath.Join(outDir, EventFileName(ev))
	if err := writeFile(outPath, []byte(md), opt.Overwrite); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Written: []string{outPath}}, nil
}

func writeFile(path string, b []byte, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errors.New("file exists (use --overwrite): " + path)
		}
	}
	return os.WriteFile(path, b, 0o644)
}

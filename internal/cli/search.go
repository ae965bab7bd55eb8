package cli

import (
	"fmt"
	"strconv"
	"strings"

	"labcourse-cli/internal/format"
	"labcourse-cli/internal/model"

	"github.com/spf13/cobra"
)

type studentResults []model.Student

func (r studentResults) Header() []string {
	return []string{"ID", "NAME", "MATRIKEL", "USERNAME", "INSTRUCTED"}
}

func (r studentResults) Rows() [][]string {
	out := make([][]string, 0, len(r))
	for _, s := range r {
		user := ""
		if s.Username != nil {
			user = *s.Username
		}
		out = append(out, []string{strconv.Itoa(s.ID), s.Name, s.Matrikel, user, yesNo(s.Instructed)})
	}
	return out
}

type groupResults []model.SearchGroup

func (r groupResults) Header() []string {
	return []string{"ID", "DESK", "DAY", "STUDENTS"}
}

func (r groupResults) Rows() [][]string {
	out := make([][]string, 0, len(r))
	for _, g := range r {
		names := make([]string, 0, len(g.Students))
		for _, s := range g.Students {
			names = append(names, s.Name)
		}
		out = append(out, []string{strconv.Itoa(g.ID), strconv.Itoa(g.Desk), g.Day, strings.Join(names, ", ")})
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// envelope is the json/edn shape of every scripting command.
func envelope(data any, hints ...string) map[string]any {
	if hints == nil {
		hints = []string{}
	}
	return map[string]any{"data": data, "_hints": hints}
}

func newSearchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search students or groups of a course year",
		Long: strings.TrimSpace(`
Search students or groups the same way the board's add-student box does.

Every term must match (name, matrikel number or username); results are ordered by the server.
`),
	}
	cmd.AddCommand(newSearchStudentsCmd(app))
	cmd.AddCommand(newSearchGroupsCmd(app))
	return cmd
}

func newSearchStudentsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "students <term> [term...]",
		Aliases: []string{"student"},
		Short:   "Find students by name, matrikel number or username",
		Example: strings.TrimSpace(`
labcourse search students ada
labcourse --format table search students 1000
`),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := searchQuery(app, args)
			if err != nil {
				return writeErr(cmd, err)
			}
			client, err := app.client(cmd.Context())
			if err != nil {
				return writeErr(cmd, err)
			}
			defer client.Gateway().Close()

			res, err := client.SearchStudents(cmd.Context(), q)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeResult(cmd, app, studentResults(res), q)
		},
	}
}

func newSearchGroupsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "groups <term> [term...]",
		Aliases: []string{"group"},
		Short:   "Find groups by the names of their students",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := searchQuery(app, args)
			if err != nil {
				return writeErr(cmd, err)
			}
			client, err := app.client(cmd.Context())
			if err != nil {
				return writeErr(cmd, err)
			}
			defer client.Gateway().Close()

			res, err := client.SearchGroups(cmd.Context(), q)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeResult(cmd, app, groupResults(res), q)
		},
	}
}

func searchQuery(app *App, args []string) (model.SearchQuery, error) {
	var terms []string
	for _, a := range args {
		terms = append(terms, strings.Fields(a)...)
	}
	if len(terms) == 0 {
		return model.SearchQuery{}, errUsage("search", "expected at least one non-blank term")
	}
	year, err := app.year()
	if err != nil {
		return model.SearchQuery{}, err
	}
	return model.SearchQuery{Terms: terms, Year: year}, nil
}

func writeResult(cmd *cobra.Command, app *App, res format.Tabular, q model.SearchQuery) error {
	if strings.EqualFold(strings.TrimSpace(app.Format), "table") {
		return writeOut(cmd, app, res)
	}
	var hints []string
	if len(res.Rows()) == 0 {
		hints = append(hints, fmt.Sprintf("no match in %d; try --year or fewer terms", q.Year))
	}
	return writeOut(cmd, app, envelope(res, hints...))
}

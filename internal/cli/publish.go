package cli

import (
	"fmt"
	"strings"
	"time"

	"labcourse-cli/internal/publish"

	"github.com/spf13/cobra"
)

func newPublishCmd(app *App) *cobra.Command {
	var toDir string
	var includeComments bool
	var includeStudents bool
	var overwrite bool
	var stdout bool

	cmd := &cobra.Command{
		Use:   "publish [date]",
		Short: "Export an event board as a Markdown protocol (default: today)",
		Example: strings.TrimSpace(`
labcourse publish 2026-10-05 --to ./protocols --comments
labcourse publish --stdout
`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date := time.Now().Format("2006-01-02")
			if len(args) == 1 {
				date = strings.TrimSpace(args[0])
			}
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return writeErr(cmd, errUsage("publish", fmt.Sprintf("invalid date %q (want YYYY-MM-DD)", date)))
			}
			toDir = strings.TrimSpace(toDir)
			if toDir == "" && !stdout {
				return writeErr(cmd, errUsage("publish", "missing --to (or pass --stdout)"))
			}

			client, err := app.client(cmd.Context())
			if err != nil {
				return writeErr(cmd, err)
			}
			defer client.Gateway().Close()

			ev, err := client.LoadEvent(cmd.Context(), date)
			if err != nil {
				return writeErr(cmd, err)
			}

			if stdout {
				md, err := publish.RenderEventMarkdown(ev, publish.RenderOptions{
					IncludeComments: includeComments,
					IncludeStudents: includeStudents,
				})
				if err != nil {
					return writeErr(cmd, err)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), md)
				return err
			}

			res, err := publish.WriteEvent(ev, toDir, publish.WriteOptions{
				IncludeComments: includeComments,
				IncludeStudents: includeStudents,
				Overwrite:       overwrite,
			})
			if err != nil {
				return writeErr(cmd, err)
			}
			var hints []string
			if ev.NextEvent != nil {
				hints = append(hints, "labcourse publish "+*ev.NextEvent+" --to "+toDir)
			}
			return writeOut(cmd, app, envelope(res, hints...))
		},
	}

	cmd.Flags().StringVar(&toDir, "to", "", "Output directory (files go to <to>/events/)")
	cmd.Flags().BoolVar(&includeComments, "comments", false, "Include group comments")
	cmd.Flags().BoolVar(&includeStudents, "students", false, "Include the student roster")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing files")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "Print the Markdown instead of writing a file")

	return cmd
}

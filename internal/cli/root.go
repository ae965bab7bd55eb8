package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"labcourse-cli/internal/api"
	"labcourse-cli/internal/config"
	"labcourse-cli/internal/format"
	"labcourse-cli/internal/gateway"
	"labcourse-cli/internal/reconcile"
	"labcourse-cli/internal/tui"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

type App struct {
	Server     string
	Token      string
	Year       int
	Date       string
	DeadlineMS int
	Theme      string
	PrettyJSON bool
	Format     string

	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "labcourse",
		Short:        "Lab-course event board (TUI) and scripting commands",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Open today's event board
  labcourse --server https://lab.example.org

  # Open a specific date
  labcourse --date 2026-10-12

  # Find students by name or matrikel number
  labcourse search students ada 1000

  # Local fixture server for development
  labcourse dev-server --seed --no-auth
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runTUI(cmd, app)
			}
			return cmd.Help()
		},
	}

	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		glog.Flush()
	}

	cmd.PersistentFlags().StringVar(&app.Server, "server", envOr("LABCOURSE_SERVER", ""), "Base url of the lab-course service (falls back to config key server)")
	cmd.PersistentFlags().StringVar(&app.Token, "token", envOr("LABCOURSE_TOKEN", ""), "Bearer token (falls back to config key token)")
	cmd.PersistentFlags().IntVar(&app.Year, "year", envIntOr("LABCOURSE_YEAR", 0), "Course year for push updates and search (default: config year, then the current year)")
	cmd.PersistentFlags().IntVar(&app.DeadlineMS, "deadline-ms", envIntOr("LABCOURSE_DEADLINE_MS", 0), "Per-request deadline in milliseconds")
	cmd.PersistentFlags().BoolVar(&app.PrettyJSON, "pretty", false, "Pretty-print JSON output")
	cmd.PersistentFlags().StringVar(&app.Format, "format", envOr("LABCOURSE_FORMAT", "json"), "Output format ("+strings.Join(format.Names, "|")+")")
	// glog registers -v, -log_dir and friends on the go flag set.
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.Flags().StringVar(&app.Date, "date", envOr("LABCOURSE_DATE", ""), "Event date to open (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&app.Theme, "theme", "", "TUI theme (auto|dark|light)")

	cmd.AddCommand(newSearchCmd(app))
	cmd.AddCommand(newDevServerCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newDocsCmd(app))
	cmd.AddCommand(newPublishCmd(app))

	return cmd
}

func runTUI(cmd *cobra.Command, app *App) error {
	// Errors go to the log files only; stderr belongs to the alt screen.
	if f := cmd.Flags().Lookup("stderrthreshold"); f != nil && !f.Changed {
		_ = f.Value.Set("FATAL")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	client, err := app.client(ctx)
	if err != nil {
		return writeErr(cmd, err)
	}
	gw := client.Gateway()
	defer gw.Close()

	year, err := app.year()
	if err != nil {
		return writeErr(cmd, err)
	}
	ch := reconcile.NewChannel(reconcile.ChannelConfig{
		URL:        client.PushURL(year),
		HTTPClient: gw.StreamClient(),
		Headers:    gw.AuthHeaders(),
	})
	ch.Start(ctx)

	glog.V(1).Infof("tui: server=%s year=%d date=%q", gw.BaseURL(), year, app.Date)
	return tui.Run(ctx, tui.Options{
		Backend:  client,
		Date:     strings.TrimSpace(app.Date),
		Push:     ch.Events(),
		Debounce: app.debounce(),
		Theme:    app.theme(),
	})
}

// config loads the persisted settings once per invocation.
func (app *App) config() (*config.Config, error) {
	if app.cfg != nil {
		return app.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app.cfg = cfg
	return cfg, nil
}

// client resolves server, token and deadline (flag, then env, then config) and builds the
// api client on top of a fresh gateway.
func (app *App) client(ctx context.Context) (*api.Client, error) {
	cfg, err := app.config()
	if err != nil {
		return nil, err
	}
	server := firstNonEmpty(app.Server, cfg.Server)
	if server == "" {
		return nil, errMissingSetting("server", "--server", "LABCOURSE_SERVER")
	}
	deadline := app.DeadlineMS
	if deadline == 0 {
		deadline = cfg.DeadlineMS
	}
	gw, err := gateway.New(ctx, gateway.Config{
		BaseURL:  server,
		Token:    firstNonEmpty(app.Token, cfg.Token),
		Deadline: time.Duration(deadline) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return api.New(gw), nil
}

func (app *App) year() (int, error) {
	if app.Year < 0 {
		return 0, fmt.Errorf("invalid --year %d", app.Year)
	}
	if app.Year > 0 {
		return app.Year, nil
	}
	cfg, err := app.config()
	if err != nil {
		return 0, err
	}
	if cfg.Year > 0 {
		return cfg.Year, nil
	}
	return time.Now().Year(), nil
}

func (app *App) theme() string {
	if app.Theme != "" {
		return app.Theme
	}
	if cfg, err := app.config(); err == nil && cfg.TUI != nil {
		return cfg.TUI.Theme
	}
	return ""
}

func (app *App) debounce() time.Duration {
	if cfg, err := app.config(); err == nil && cfg.TUI != nil && cfg.TUI.DebounceMS > 0 {
		return time.Duration(cfg.TUI.DebounceMS) * time.Millisecond
	}
	return 0
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envIntOr(k string, d int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		glog.Warningf("ignoring %s=%q: %v", k, v, err)
		return d
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func writeOut(cmd *cobra.Command, app *App, v any) error {
	return format.Write(cmd.OutOrStdout(), v, app.Format, app.PrettyJSON)
}

func writeErr(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), err.Error())
	return err
}

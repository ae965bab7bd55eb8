package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"labcourse-cli/internal/devserver"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

func newDevServerCmd(app *App) *cobra.Command {
	var (
		addr     string
		dbPath   string
		seed     bool
		secret   string
		noAuth   bool
		tutor    string
		tokenTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a local lab-course server backed by SQLite fixtures",
		Long: strings.TrimSpace(`
Run a local server with the same HTTP endpoints and push stream as the lab-course service.

The server prints a tutor token on stdout. Point the board at it with
  labcourse --server <url> --token <token>
or pass --no-auth to accept every request as tutor "dev".
`),
		Example: strings.TrimSpace(`
# In-memory fixtures, no authentication
labcourse dev-server --seed --no-auth

# Persistent database and a fixed secret
labcourse dev-server --db ./dev.sqlite --seed --secret s3cret --addr :3336
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listenAddr := strings.TrimSpace(addr)
			if listenAddr == "" {
				return writeErr(cmd, errUsage("dev-server", "missing --addr"))
			}
			year, err := app.year()
			if err != nil {
				return writeErr(cmd, err)
			}

			var key []byte
			if !noAuth {
				if secret != "" {
					key = []byte(secret)
				} else if key, err = devserver.NewSecret(); err != nil {
					return writeErr(cmd, err)
				}
			}

			ctx := cmd.Context()
			ds, err := devserver.NewServer(ctx, devserver.ServerConfig{
				Addr:   listenAddr,
				DBPath: dbPath,
				Secret: key,
				Seed:   seed,
				Year:   year,
			})
			if err != nil {
				return writeErr(cmd, err)
			}
			defer ds.Close()

			token := ""
			if len(key) > 0 {
				if token, err = devserver.IssueToken(key, tutor, tokenTTL); err != nil {
					return writeErr(cmd, err)
				}
			}

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return writeErr(cmd, err)
			}
			url := "http://" + ln.Addr().String()

			var hints []string
			if token != "" {
				hints = append(hints, fmt.Sprintf("labcourse --server %s --token %s", url, token))
			} else {
				hints = append(hints, "labcourse --server "+url)
			}
			_ = writeOut(cmd, app, envelope(map[string]any{
				"addr":      ln.Addr().String(),
				"url":       url,
				"year":      year,
				"db":        dbPath,
				"auth":      !noAuth,
				"tutor":     tutor,
				"token":     token,
				"startedAt": time.Now().UTC().Format(time.RFC3339Nano),
			}, hints...))
			fmt.Fprintf(cmd.ErrOrStderr(), "labcourse dev-server running at %s (year=%d)\n", url, year)

			return serveUntilDone(ctx, ln, ds.Handler())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", envOr("LABCOURSE_DEV_ADDR", "127.0.0.1:3336"), "Bind address (host:port or :port)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (default: in memory)")
	cmd.Flags().BoolVar(&seed, "seed", true, "Fill an empty database with fixture data")
	cmd.Flags().StringVar(&secret, "secret", envOr("LABCOURSE_DEV_SECRET", ""), "HMAC secret for tutor tokens (default: random per run)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Accept every request as tutor \"dev\"")
	cmd.Flags().StringVar(&tutor, "tutor", "dev", "Tutor name of the printed token")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "Lifetime of the printed token")
	return cmd
}

// serveUntilDone serves on ln until ctx is canceled, then drains for a short grace period.
// Push streams never finish on their own, so they are cut after the grace period.
func serveUntilDone(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.V(1).Infof("dev-server: shutdown: %v", err)
			_ = srv.Close()
		}
	}()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

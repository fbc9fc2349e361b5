package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"scenelens/internal/config"
	"scenelens/internal/httpapi"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		listen    string
		rateLimit float64
		burst     int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve search over HTTP and index in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("listen") {
				overrides.Listen = &listen
			}
			cfg, err := a.loadConfig(&overrides, false)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, closeEngine, err := a.openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeEngine()

			listener, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("server bind failure: %w", err)
			}
			engine.Start(ctx, 2*time.Second)

			out := cmd.OutOrStdout()
			url := "http://" + listener.Addr().String()
			if a.flags.JSON {
				emitNDJSON(out, "server_started", map[string]interface{}{"url": url, "state_dir": cfg.StateDir})
			} else if !a.flags.Quiet {
				s := newStyles(out, false)
				fmt.Fprintln(out, s.banner(), s.dim("v"+version))
				fmt.Fprintln(out, s.kv("State", cfg.StateDir))
				fmt.Fprintln(out, s.kv("Search", s.url(url+"/search?q=")))
				fmt.Fprintln(out, s.kv("Health", s.url(url+"/health")))
			}

			srv := httpapi.NewServer(engine, httpapi.Options{
				DefaultTopK:    cfg.Search.DefaultTopK,
				RateLimitRPS:   rateLimit,
				RateLimitBurst: burst,
			})
			go a.writeStatusPeriodically(ctx, engine.WriteStatus)
			return srv.Serve(ctx, listener)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "host:port to listen on (overrides server.listen)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "requests per second per client IP (0 disables)")
	cmd.Flags().IntVar(&burst, "rate-burst", 20, "burst size for --rate-limit")
	return cmd
}

// writeStatusPeriodically keeps status.json fresh for `scenelens status`
// while the server runs.
func (a *app) writeStatusPeriodically(ctx context.Context, write func(context.Context) error) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(ctx); err != nil {
				fmt.Fprintln(os.Stderr, newStyles(os.Stderr, false).warnPrefix(), "write status:", err)
			}
		}
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"scenelens/internal/config"
	"scenelens/internal/retrieval"
)

func (a *app) buildCmd() *cobra.Command {
	var interval float64
	cmd := &cobra.Command{
		Use:   "build [video-id]...",
		Short: "Eagerly index videos (all registered videos when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("interval") {
				overrides.IntervalSeconds = &interval
			}
			cfg, err := a.loadConfig(&overrides, false)
			if err != nil {
				return err
			}
			engine, closeEngine, err := a.openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeEngine()

			if len(args) > 0 {
				for _, id := range args {
					if err := a.buildOne(cmd, engine, id); err != nil {
						return err
					}
				}
				return nil
			}

			n, buildErr := engine.BuildAll(cmd.Context())
			out := cmd.OutOrStdout()
			if a.flags.JSON {
				emitNDJSON(out, "build_finished", map[string]interface{}{"segments": n, "indexing": engine.Indexing()})
			} else if !a.flags.Quiet {
				s := newStyles(out, false)
				snap := engine.Indexing()
				fmt.Fprintln(out, s.stat("segments", n), s.stat("embedded_ok", snap.EmbeddedOK),
					s.stat("frame_errors", snap.FrameErrors), s.stat("errors", snap.Errors))
			}
			return buildErr
		},
	}
	cmd.Flags().Float64Var(&interval, "interval", 0, "sampling interval in seconds (overrides sampling.interval_seconds)")
	return cmd
}

func (a *app) buildOne(cmd *cobra.Command, engine *retrieval.Engine, videoID string) error {
	n, err := engine.Build(cmd.Context(), videoID)
	if err != nil {
		return fmt.Errorf("build %s: %w", videoID, err)
	}
	out := cmd.OutOrStdout()
	switch {
	case a.flags.JSON:
		emitNDJSON(out, "video_built", map[string]interface{}{"video_id": videoID, "segments": n})
	case !a.flags.Quiet:
		s := newStyles(out, false)
		fmt.Fprintln(out, s.done("built", videoID, s.stat("segments", n)))
	}
	return nil
}

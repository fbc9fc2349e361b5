package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scenelens/internal/model"
)

func (a *app) ingestCmd() *cobra.Command {
	var build bool
	cmd := &cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Register video files and optionally index them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(nil, false)
			if err != nil {
				return err
			}
			engine, closeEngine, err := a.openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeEngine()

			out := cmd.OutOrStdout()
			s := newStyles(out, a.flags.JSON)
			var videos []model.Video
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return withExitCode(ExitIngestionFatal, &model.IngestionError{Path: arg, Cause: err})
				}
				if info.IsDir() {
					vs, err := engine.IngestDir(cmd.Context(), arg)
					videos = append(videos, vs...)
					if err != nil {
						return withExitCode(ExitIngestionFatal, err)
					}
					continue
				}
				v, err := engine.Ingest(cmd.Context(), arg)
				if err != nil {
					if errors.Is(err, model.ErrIngestion) {
						return withExitCode(ExitIngestionFatal, err)
					}
					return err
				}
				videos = append(videos, v)
			}

			for _, v := range videos {
				if a.flags.JSON {
					emitNDJSON(out, "video_registered", map[string]interface{}{
						"video_id": v.ID, "title": v.Title, "duration_seconds": v.DurationSeconds,
					})
				} else if !a.flags.Quiet {
					fmt.Fprintln(out, s.done("registered", v.ID, s.dim(fmt.Sprintf("%s (%s)", v.Title, formatTimestamp(v.DurationSeconds)))))
				}
			}
			snap := engine.Indexing()
			if !a.flags.JSON && !a.flags.Quiet {
				fmt.Fprintln(out, s.stat("registered", snap.Registered), s.stat("skipped", snap.Skipped), s.stat("errors", snap.Errors))
			}
			if !build {
				return nil
			}
			for _, v := range videos {
				if err := a.buildOne(cmd, engine, v.ID); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&build, "build", false, "index the registered videos right away")
	return cmd
}

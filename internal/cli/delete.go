package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <video-id>...",
		Short: "Remove videos with their segments, vectors and keyframes",
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
			for _, id := range args {
				if err := engine.DeleteVideo(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				switch {
				case a.flags.JSON:
					emitNDJSON(out, "video_deleted", map[string]interface{}{"video_id": id})
				case !a.flags.Quiet:
					fmt.Fprintln(out, "deleted", id)
				}
			}
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) reindexCmd() *cobra.Command {
	var backfill bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild a compact vector index from the stored embeddings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil, false)
			if err != nil {
				return err
			}
			engine, closeEngine, err := a.openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeEngine()

			n, err := engine.Rebuild(cmd.Context())
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			embedded := 0
			if backfill {
				embedded, err = engine.Backfill(cmd.Context())
				if err != nil {
					return fmt.Errorf("backfill pending segments: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			if a.flags.JSON {
				emitNDJSON(out, "reindex_finished", map[string]interface{}{"vectors": n, "backfilled": embedded})
				return nil
			}
			if !a.flags.Quiet {
				s := newStyles(out, false)
				fmt.Fprintln(out, s.done("rebuilt", "index", s.stat("vectors", n)+" "+s.stat("backfilled", embedded)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&backfill, "backfill", false, "also embed segments still pending a vector")
	return cmd
}

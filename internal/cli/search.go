package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"scenelens/internal/model"
)

func (a *app) searchCmd() *cobra.Command {
	var (
		videoID string
		topK    int
		mode    string
		group   bool
		gap     float64
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the moments that match a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(nil, false)
			if err != nil {
				return err
			}
			q := model.Query{
				Text:    strings.Join(args, " "),
				VideoID: videoID,
				TopK:    topK,
				Mode:    model.Mode(mode),
			}
			if !cmd.Flags().Changed("top-k") {
				q.TopK = cfg.Search.DefaultTopK
			}
			// Reject malformed queries before touching the state directory.
			if err := q.Validate(cfg.Search.MaxTopK); err != nil {
				return err
			}

			engine, closeEngine, err := a.openEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeEngine()

			res, err := engine.Search(cmd.Context(), q)
			if err != nil && res.Status != model.StatusFailed {
				return err
			}
			if group {
				res.Moments = model.GroupHits(res.Hits, gap)
			}
			out := cmd.OutOrStdout()
			if a.flags.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
				return err
			}
			printResult(out, newStyles(out, false), res)
			if err != nil {
				return err
			}
			if res.Status == model.StatusNotReady {
				return errors.New("extraction still running; try again shortly")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "restrict the search to one video id")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "number of results")
	cmd.Flags().StringVar(&mode, "mode", "", "semantic, caption or hybrid (default from config)")
	cmd.Flags().BoolVar(&group, "group", false, "merge nearby hits of a video into time ranges")
	cmd.Flags().Float64Var(&gap, "gap", model.DefaultMomentGap, "largest gap in seconds inside one grouped moment")
	return cmd
}

func printResult(w io.Writer, s styles, res model.Result) {
	fmt.Fprintln(w, s.resultHeader(res))
	if len(res.Hits) == 0 {
		fmt.Fprintln(w, s.dim("  no matching moments"))
		return
	}
	if len(res.Moments) > 0 {
		for n, m := range res.Moments {
			fmt.Fprintln(w, s.moment(n+1, m))
		}
		return
	}
	for n, h := range res.Hits {
		fmt.Fprintln(w, s.hit(n+1, h))
	}
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"scenelens/internal/model"
	"scenelens/internal/state"
	"scenelens/internal/store"
)

func (a *app) statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show library and index state from disk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil, true)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st, err := state.ReadStatusJSON(cfg.StateDir)
			if errors.Is(err, model.ErrNotFound) {
				fmt.Fprintln(out, "No index found at", cfg.StateDir, "- run 'scenelens ingest' first.")
				return nil
			}
			if err != nil {
				return err
			}

			var searches []model.SearchLog
			if recent > 0 {
				db := store.NewSQLiteStore(state.PathsFor(cfg.StateDir).MetaDB)
				defer func() { _ = db.Close() }()
				searches, err = db.RecentSearches(cmd.Context(), recent)
				if err != nil {
					return fmt.Errorf("read search log: %w", err)
				}
			}

			if a.flags.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"status":          st,
					"recent_searches": searches,
				})
			}

			s := newStyles(out, false)
			stats := st.Stats
			fmt.Fprintln(out, s.banner(), s.dim("state "+cfg.StateDir))
			fmt.Fprintln(out, s.separator(48))
			fmt.Fprintln(out, s.kv("Updated", time.Unix(st.UpdatedUnix, 0).Format(time.RFC3339)))
			fmt.Fprintln(out, s.kv("Videos", fmt.Sprint(stats.Videos)))
			fmt.Fprintln(out, s.kv("Segments", fmt.Sprintf("%d (captioned %d, pending %d, errors %d)",
				stats.Segments, stats.Captioned, stats.Pending, stats.Errors)))
			fmt.Fprintln(out, s.kv("Index", s.indexSummary(stats)))
			fmt.Fprintln(out, s.kv("Searches", fmt.Sprint(stats.Searches)))
			if len(stats.VideoCounts) > 0 {
				fmt.Fprintln(out, s.kv("By status", formatCounts(stats.VideoCounts)))
			}

			ix := st.Indexing
			fmt.Fprintln(out, s.section("Last run"))
			fmt.Fprintln(out, " ", s.stat("job", ix.JobID), s.stat("mode", ix.Mode), s.stat("scanned", ix.Scanned),
				s.stat("registered", ix.Registered), s.stat("segments", ix.Segments),
				s.stat("embedded_ok", ix.EmbeddedOK), s.stat("errors", ix.Errors))

			if len(searches) > 0 {
				fmt.Fprintln(out, s.section("Recent searches"))
				for _, l := range searches {
					fmt.Fprintf(out, "  %q %s %s %s %s\n", l.Query,
						s.stat("mode", l.Mode), s.stat("results", l.ResultsCount),
						s.status(l.Status), s.dim(fmt.Sprintf("%dms", l.ResponseTimeMS)))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent searches to show (0 to skip)")
	return cmd
}

func formatCounts(counts map[string]int64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for n, k := range keys {
		if n > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return out
}

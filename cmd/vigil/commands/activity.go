package commands

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/activity"
)

func newActivityCmd() *cobra.Command {
	var kind, since string
	var limit int
	var live, stats, jsonOut bool

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Query the suite activity log",
		Example: `  vigil activity
  vigil activity --kind quarantine
  vigil activity --since 24h
  vigil activity --stats
  vigil activity --live --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if stats {
				return printActivityStats(s.Activity)
			}
			if live {
				return streamActivity(s.Activity, jsonOut)
			}

			var sinceTime string
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				sinceTime = time.Now().Add(-dur).UTC().Format(time.RFC3339)
			}

			entries, err := s.Activity.Query(activity.QueryOpts{
				Kind:  kind,
				Since: sinceTime,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				for _, e := range entries {
					fmt.Printf("%s\n", activity.EntryJSON(e))
				}
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("No activity recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tKIND\tTITLE\tDETAIL\n")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp, e.Kind, e.Title, e.Detail)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (event_added, scan_finished, quarantine, ...)")
	cmd.Flags().StringVar(&since, "since", "", "show entries since duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	cmd.Flags().BoolVar(&live, "live", false, "stream new activity in real-time")
	cmd.Flags().BoolVar(&stats, "stats", false, "show aggregate counts instead of entries")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit entries as JSON lines")
	return cmd
}

func printActivityStats(store *activity.Store) error {
	stats, err := store.QueryStats()
	if err != nil {
		return err
	}

	kinds := make([]string, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "KIND\tCOUNT\n")
	for _, k := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", k, stats.ByKind[k])
	}
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	return tw.Flush()
}

// streamActivity prints entries as the hub broadcasts them.
func streamActivity(store *activity.Store, jsonOut bool) error {
	if !jsonOut {
		fmt.Println("Streaming activity (Ctrl+C to stop)...")
	}

	sub := store.Hub.Subscribe()
	defer store.Hub.Unsubscribe(sub)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	for {
		select {
		case <-sig:
			if !jsonOut {
				fmt.Println("\nStopped.")
			}
			return nil
		case e := <-sub:
			if jsonOut {
				fmt.Printf("%s\n", activity.EntryJSON(e))
			} else {
				fmt.Printf("%s  %-16s  %s\n", e.Timestamp, e.Kind, e.Title)
			}
		}
	}
}

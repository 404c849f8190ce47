package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/suite"
)

func newEventsCmd() *cobra.Command {
	var unresolvedOnly bool
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List detected system-change events",
		Example: `  vigil events
  vigil events --unresolved
  vigil events show <id>
  vigil events resolve <id> <action>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			events := s.Ledger.Events()
			if len(events) == 0 {
				fmt.Println("No events recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tID\tSEVERITY\tCATEGORY\tTITLE\tSTATUS\n")
			shown := 0
			for _, ev := range events {
				if unresolvedOnly && ev.Resolved() {
					continue
				}
				status := color.YellowString("open")
				if ev.Resolved() {
					status = color.GreenString("resolved: " + ev.Resolution.ActionLabel)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.CreatedAt.Local().Format(time.DateTime), shortID(ev.ID),
					severityColor(string(ev.Severity)), ev.Category, ev.Title, status)
				shown++
				if limit > 0 && shown >= limit {
					break
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&unresolvedOnly, "unresolved", false, "show only open events")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show")

	cmd.AddCommand(newEventsShowCmd(), newEventsResolveCmd())
	return cmd
}

func newEventsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event with evidence and offered actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ev := findEvent(s, args[0])
			if ev == nil {
				return fmt.Errorf("no event matching %q", args[0])
			}

			fmt.Printf("%s  %s\n", severityColor(string(ev.Severity)), ev.Title)
			fmt.Printf("  id:        %s\n", ev.ID)
			fmt.Printf("  category:  %s\n", ev.Category)
			fmt.Printf("  created:   %s\n", ev.CreatedAt.Local().Format(time.DateTime))
			if ev.Rationale != "" {
				fmt.Printf("  why:       %s\n", ev.Rationale)
			}
			if len(ev.Evidence) > 0 {
				fmt.Println("  evidence:")
				for _, item := range ev.Evidence {
					fmt.Printf("    %s: %s\n", item.Key, item.Value)
				}
			}
			if ev.Resolved() {
				fmt.Printf("  resolved:  %s — %s (%s)\n", ev.Resolution.ActionLabel,
					ev.Resolution.Result, ev.Resolution.ResolvedAt.Local().Format(time.DateTime))
				return nil
			}
			if len(ev.Actions) > 0 {
				fmt.Println("  actions:")
				for _, a := range ev.Actions {
					confirm := ""
					if a.NeedsConfirm {
						confirm = " (asks for confirmation)"
					}
					fmt.Printf("    %s [%s]%s\n", a.Label, a.Kind, confirm)
				}
			}
			return nil
		},
	}
}

func newEventsResolveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "resolve <event-id> <action>",
		Short: "Execute an offered action on an event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ev := findEvent(s, args[0])
			if ev == nil {
				return fmt.Errorf("no event matching %q", args[0])
			}

			for _, a := range ev.Actions {
				if a.Label == args[1] && a.NeedsConfirm && !yes {
					return fmt.Errorf("action %q is destructive; re-run with --yes to confirm", a.Label)
				}
			}

			result := s.ExecuteAction(ev.ID, args[1])
			if !result.Success {
				return fmt.Errorf("%s", result.Message)
			}
			fmt.Println(color.GreenString("OK:"), result.Message)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "skip confirmation for destructive actions")
	return cmd
}

// findEvent resolves a full or shortened event id.
func findEvent(s *suite.Suite, prefix string) *ledger.Event {
	for _, ev := range s.Ledger.Events() {
		if ev.ID == prefix || shortID(ev.ID) == prefix {
			cp := ev
			return &cp
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

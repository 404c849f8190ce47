package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
)

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Manage quarantined files",
		Example: `  vigil quarantine
  vigil quarantine add /tmp/suspect.bin
  vigil quarantine restore <id>
  vigil quarantine delete <id> --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			items := s.Quarantine.Items()
			if len(items) == 0 {
				fmt.Println("Quarantine is empty.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tID\tSTATUS\tSIZE\tTHREAT\tORIGINAL PATH\n")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					item.QuarantinedAt.Local().Format(time.DateTime), shortID(item.ID),
					statusColor(item.Status), formatBytes(item.SizeBytes),
					item.Threat.Name, item.OriginalPath)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nActive content: %s\n", formatBytes(s.Quarantine.ActiveSize()))
			return nil
		},
	}

	cmd.AddCommand(newQuarantineAddCmd(), newQuarantineRestoreCmd(), newQuarantineDeleteCmd())
	return cmd
}

func newQuarantineAddCmd() *cobra.Command {
	var threat string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Quarantine a file by path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			item, err := s.Quarantine.Quarantine(args[0], quarantine.ThreatMeta{
				Name:     threat,
				Severity: ledger.SeverityMedium,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Quarantined %s as %s\n", args[0], shortID(item.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&threat, "threat", "manual", "threat label to record")
	return cmd
}

func newQuarantineRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a quarantined file to its original path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveItemID(s.Quarantine.Items(), args[0])
			if err != nil {
				return err
			}
			msg, err := s.Quarantine.Restore(id)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("OK:"), msg)
			return nil
		},
	}
}

func newQuarantineDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete a quarantined file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("permanent deletion cannot be undone; re-run with --yes to confirm")
			}
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := resolveItemID(s.Quarantine.Items(), args[0])
			if err != nil {
				return err
			}
			msg, err := s.Quarantine.DeletePermanently(id)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("OK:"), msg)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm permanent deletion")
	return cmd
}

func resolveItemID(items []quarantine.Item, prefix string) (string, error) {
	for _, item := range items {
		if item.ID == prefix || shortID(item.ID) == prefix {
			return item.ID, nil
		}
	}
	return "", fmt.Errorf("no quarantined item matching %q", prefix)
}

func statusColor(status quarantine.Status) string {
	switch status {
	case quarantine.StatusActive:
		return color.YellowString(string(status))
	case quarantine.StatusRestored:
		return color.GreenString(string(status))
	default:
		return string(status)
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDefinitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Show and update the threat signature set",
		Example: `  vigil definitions
  vigil definitions update
  vigil definitions rollback
  vigil definitions audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			info := s.Definitions.Info()
			fmt.Println()
			fmt.Println("  vigil definitions")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Version:       %s\n", info.Version)
			fmt.Printf("  Signatures:    %d\n", info.SignatureCount)
			fmt.Printf("  Engine:        %s\n", info.EngineVersion)
			fmt.Printf("  Status:        %s\n", info.Status)
			fmt.Println()
			return nil
		},
	}

	cmd.AddCommand(newDefinitionsUpdateCmd(), newDefinitionsRollbackCmd(), newDefinitionsAuditCmd())
	return cmd
}

func newDefinitionsUpdateCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and apply a definitions update",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			check, err := s.Definitions.CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			if !check.Available {
				fmt.Printf("Definitions are up to date (%s).\n", check.CurrentVersion)
				return nil
			}
			fmt.Printf("Update available: %s -> %s (%s)\n", check.CurrentVersion, check.TargetVersion, check.Source)
			if checkOnly {
				return nil
			}

			if err := s.Definitions.ApplyUpdate(ctx, check); err != nil {
				return err
			}
			fmt.Println(color.GreenString("OK:"), "definitions updated to", check.TargetVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "check only, do not apply")
	return cmd
}

func newDefinitionsRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the previous known-good signature set",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Definitions.Rollback(); err != nil {
				return err
			}
			info := s.Definitions.Info()
			fmt.Println(color.GreenString("OK:"), "rolled back to", info.Version)
			return nil
		},
	}
}

func newDefinitionsAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the definitions update audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			entries := s.Definitions.AuditLog()
			if len(entries) == 0 {
				fmt.Println("No update attempts recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tACTION\tVERSION\tRESULT\tDURATION\tERROR\n")
			for _, e := range entries {
				result := color.GreenString("ok")
				if !e.Success {
					result = color.RedString("failed")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Time.Local().Format(time.DateTime), e.Action, e.Version, result,
					e.Duration.Round(time.Millisecond), e.Error)
			}
			return tw.Flush()
		},
	}
}

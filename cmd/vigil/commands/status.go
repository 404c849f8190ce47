package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show protection status and state summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			score := s.ProtectionScore()
			info := s.Definitions.Info()
			defsDue, scanDue := s.Schedule.NextDue()

			openHigh := s.Ledger.UnresolvedCount(ledger.SeverityHigh)
			openAll := s.Ledger.UnresolvedCount(ledger.SeverityInfo)

			activeItems := 0
			for _, item := range s.Quarantine.Items() {
				if item.Status == quarantine.StatusActive {
					activeItems++
				}
			}

			fmt.Println()
			fmt.Println("  vigil status")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Protection:    %s\n", scoreString(score))
			fmt.Printf("  Config:        %s\n", cfgFile)
			fmt.Printf("  Events:        %d open (%d high or critical)\n", openAll, openHigh)
			fmt.Printf("  Quarantine:    %d active items, %s\n", activeItems, formatBytes(s.Quarantine.ActiveSize()))
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Definitions:   %s (%d signatures, %s)\n", info.Version, info.SignatureCount, info.Status)
			fmt.Printf("  Next check:    %s\n", formatDue(defsDue))
			fmt.Printf("  Next scan:     %s\n", formatDue(scanDue))
			fmt.Println()
			return nil
		},
	}
}

func scoreString(score int) string {
	label := fmt.Sprintf("%d/100", score)
	switch {
	case score >= 80:
		return color.GreenString(label)
	case score >= 50:
		return color.YellowString(label)
	default:
		return color.RedString(label)
	}
}

func formatDue(t time.Time) string {
	if t.IsZero() {
		return "not scheduled"
	}
	if until := time.Until(t); until > 0 {
		return fmt.Sprintf("%s (in %s)", t.Local().Format(time.DateTime), until.Round(time.Minute))
	}
	return "due now"
}

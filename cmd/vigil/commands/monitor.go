package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/suite"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitoring suite in the foreground",
		Long:  "Starts all watchers and scheduled maintenance, streaming events to the terminal until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			s, err := openSuite(logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Start(); err != nil {
				return err
			}

			sub := s.Subscribe()
			defer s.Unsubscribe(sub)

			fmt.Printf("vigil monitoring (protection score %d/100, Ctrl+C to stop)\n\n", s.ProtectionScore())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

			for {
				select {
				case <-sig:
					fmt.Println("\nStopping...")
					return nil
				case n := <-sub:
					printNotification(n)
				}
			}
		},
	}
}

func printNotification(n suite.Notification) {
	ts := time.Now().Format("15:04:05")
	switch n.Kind {
	case "event_added":
		fmt.Printf("%s  %s  %s [%s]\n", ts, severityColor(string(n.Event.Severity)), n.Event.Title, n.Event.Category)
	case "event_resolved":
		fmt.Printf("%s  %s  %s — %s\n", ts, color.GreenString("RESOLVED"), n.Event.Title, n.Event.Resolution.Result)
	case "finding_detected":
		if n.Finding != nil {
			fmt.Printf("%s  %s  %s\n", ts, severityColor(string(n.Finding.Severity)), n.Finding.Title)
		}
	case "job_updated":
		if n.Job != nil && n.Job.Status != "running" {
			fmt.Printf("%s  %s  %s scan %s (%d files, %d findings)\n",
				ts, color.CyanString("SCAN"), n.Job.Type, n.Job.Status, n.Job.FilesScanned, len(n.Job.Findings))
		}
	}
}

func severityColor(severity string) string {
	label := fmt.Sprintf("%-8s", severity)
	switch severity {
	case "critical":
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case "high":
		return color.RedString(label)
	case "medium":
		return color.YellowString(label)
	case "low":
		return color.CyanString(label)
	default:
		return label
	}
}

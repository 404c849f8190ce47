package commands

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vigilsec/vigil/internal/engine"
)

var scanTypes = map[string]engine.ScanType{
	"quick":   engine.ScanQuick,
	"full":    engine.ScanFull,
	"custom":  engine.ScanCustom,
	"junk":    engine.ScanJunk,
	"privacy": engine.ScanPrivacy,
}

func newScanCmd() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "scan [quick|full|custom|junk|privacy]",
		Short: "Run a scan and print the findings",
		Args:  cobra.MaximumNArgs(1),
		Example: `  vigil scan
  vigil scan junk
  vigil scan custom --path ~/Downloads --path /tmp/suspect.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := "quick"
			if len(args) == 1 {
				kind = args[0]
			}
			scanType, ok := scanTypes[kind]
			if !ok {
				return fmt.Errorf("unknown scan type %q", kind)
			}

			s, err := openSuite(quietLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.StartScan(scanType, paths)
			if err != nil {
				return err
			}
			fmt.Printf("Started %s scan %s\n", kind, id)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt)

			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			lastProgress := -1

			for {
				select {
				case <-sig:
					s.Engine.Cancel()
					fmt.Println("\nCancelling...")
				case <-ticker.C:
				}

				job := s.Engine.Job()
				if job.Progress != lastProgress && job.Status == engine.StatusRunning {
					lastProgress = job.Progress
					fmt.Printf("\r%3d%%  %-60.60s", job.Progress, job.CurrentItem)
				}
				switch job.Status {
				case engine.StatusCompleted, engine.StatusCancelled, engine.StatusFailed:
					fmt.Printf("\r%-70s\r", "")
					return printScanResult(job)
				}
			}
		},
	}

	cmd.Flags().StringArrayVar(&paths, "path", nil, "path to scan (custom scans, repeatable)")
	return cmd
}

func printScanResult(job engine.Job) error {
	elapsed := job.EndedAt.Sub(job.StartedAt).Round(time.Millisecond)
	fmt.Printf("Scan %s in %s: %d files scanned, %d findings\n",
		job.Status, elapsed, job.FilesScanned, len(job.Findings))
	if job.Error != "" {
		fmt.Printf("Error: %s\n", job.Error)
	}
	if len(job.Findings) == 0 {
		return nil
	}

	var totalBytes int64
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SEVERITY\tCATEGORY\tTITLE\tPATH\n")
	for _, f := range job.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", severityColor(string(f.Severity)), f.Category, f.Title, f.Path)
		totalBytes += f.SizeBytes
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if totalBytes > 0 {
		fmt.Printf("\nTotal size: %s\n", color.CyanString(formatBytes(totalBytes)))
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

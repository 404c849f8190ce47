package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/sigdb"
)

// contentSampleMax bounds how much of a file is read for content
// pattern matching.
const contentSampleMax = 64 << 10

// runQuick stages progress across the process, startup, filesystem,
// downloads, and browser phases. Each phase advances a monotonic
// percentage with a status string.
func (e *Engine) runQuick(ctx context.Context) error {
	phases := []struct {
		label string
		from  int
		to    int
		run   func(context.Context) error
	}{
		{"Checking running processes", 0, 15, e.phaseProcesses},
		{"Checking startup locations", 15, 35, func(ctx context.Context) error {
			return e.scanDirs(ctx, e.opts.StartupDirs, "startup")
		}},
		{"Scanning filesystem", 35, 60, func(ctx context.Context) error {
			return e.scanDirs(ctx, e.opts.ScanRoots, "filesystem")
		}},
		{"Scanning downloads", 60, 85, func(ctx context.Context) error {
			return e.scanDirs(ctx, e.opts.DownloadDirs, "downloads")
		}},
		{"Checking browser data", 85, 100, func(ctx context.Context) error {
			return e.scanDirs(ctx, e.opts.BrowserDirs, "browser")
		}},
	}

	for _, phase := range phases {
		if ctx.Err() != nil {
			return nil
		}
		e.setProgress(phase.from, phase.label)
		e.pace(ctx)
		if err := phase.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(phase.label), err)
		}
		e.setProgress(phase.to, "")
	}
	return nil
}

func (e *Engine) phaseProcesses(ctx context.Context) error {
	if e.opts.Processes == nil {
		return nil
	}
	for _, name := range e.opts.Processes() {
		if ctx.Err() != nil {
			return nil
		}
		e.countFile(name)
		sig := e.oracle.MatchProcessName(name)
		if sig == nil {
			continue
		}
		e.addFinding(Finding{
			Category:    sig.Category,
			Severity:    severityOf(sig),
			Title:       fmt.Sprintf("Suspicious process: %s", name),
			SignatureID: sig.ID,
			Confidence:  0.85,
			Evidence: []ledger.EvidenceItem{
				{Key: "process", Value: name},
				{Key: "signature", Value: sig.Name},
			},
		})
	}
	return nil
}

func (e *Engine) runFull(ctx context.Context) error {
	e.setProgress(0, "Deep scan starting")
	return e.deep.Scan(ctx, e.addFinding, e.setProgress)
}

func (e *Engine) runCustom(ctx context.Context, paths []string) error {
	step := 100 / len(paths)
	for i, path := range paths {
		if ctx.Err() != nil {
			return nil
		}
		e.setProgress(i*step, path)

		info, err := os.Stat(path)
		if err != nil {
			e.logger.Warn("custom scan path unreadable", "path", path, "error", err)
			continue
		}
		if info.IsDir() {
			if err := e.scanDirs(ctx, []string{path}, "custom"); err != nil {
				return err
			}
		} else {
			e.scanFile(path, info.Size(), "custom")
		}
	}
	return nil
}

// runJunk enumerates known temp/cache locations and flags every file
// as low-severity removable junk with size accounting.
func (e *Engine) runJunk(ctx context.Context) error {
	var total int64
	count := 0

	for i, dir := range e.opts.JunkDirs {
		if ctx.Err() != nil {
			return nil
		}
		if len(e.opts.JunkDirs) > 0 {
			e.setProgress(i*100/len(e.opts.JunkDirs), dir)
		}
		err := e.walkBounded(ctx, dir, func(path string, size int64) {
			total += size
			count++
			e.addFinding(Finding{
				Category:   "junk",
				Severity:   ledger.SeverityLow,
				Title:      fmt.Sprintf("Removable junk file: %s", filepath.Base(path)),
				Path:       path,
				SizeBytes:  size,
				Removable:  true,
				Confidence: 1.0,
				Evidence: []ledger.EvidenceItem{
					{Key: "path", Value: path, IsPath: true},
					{Key: "size_bytes", Value: fmt.Sprintf("%d", size)},
				},
			})
		})
		if err != nil {
			return err
		}
	}
	e.logger.Info("junk scan summary", "files", count, "bytes", total)
	return nil
}

// runPrivacy checks browser-extension and tracking-artifact locations.
// Every finding is advisory: reported, never auto-removed.
func (e *Engine) runPrivacy(ctx context.Context) error {
	for i, dir := range e.opts.BrowserDirs {
		if ctx.Err() != nil {
			return nil
		}
		if len(e.opts.BrowserDirs) > 0 {
			e.setProgress(i*100/len(e.opts.BrowserDirs), dir)
		}
		err := e.walkBounded(ctx, dir, func(path string, size int64) {
			e.countFile(path)
			sig := e.oracle.MatchFileName(path)
			if sig == nil || sig.Category != "privacy" {
				return
			}
			e.addFinding(Finding{
				Category:    "privacy",
				Severity:    ledger.SeverityLow,
				Title:       fmt.Sprintf("Tracking artifact: %s", filepath.Base(path)),
				Path:        path,
				SizeBytes:   size,
				Advisory:    true,
				SignatureID: sig.ID,
				Confidence:  0.6,
				Evidence: []ledger.EvidenceItem{
					{Key: "path", Value: path, IsPath: true},
					{Key: "signature", Value: sig.Name},
				},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) scanDirs(ctx context.Context, dirs []string, phase string) error {
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return nil
		}
		err := e.walkBounded(ctx, dir, func(path string, size int64) {
			e.scanFile(path, size, phase)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// scanFile runs name and content matching on one file.
func (e *Engine) scanFile(path string, size int64, phase string) {
	e.countFile(path)

	sig := e.oracle.MatchFileName(path)
	confidence := 0.8
	matchKind := "name"

	if sig == nil && size > 0 && size <= contentSampleMax*16 {
		sample, err := readSample(path)
		if err == nil {
			sig = e.oracle.MatchContent(sample)
			confidence = 0.9
			matchKind = "content"
		}
	}
	if sig == nil {
		return
	}

	e.addFinding(Finding{
		Category:    sig.Category,
		Severity:    severityOf(sig),
		Title:       fmt.Sprintf("Signature match: %s", sig.Name),
		Path:        path,
		SizeBytes:   size,
		SignatureID: sig.ID,
		Removable:   true,
		Confidence:  confidence,
		Evidence: []ledger.EvidenceItem{
			{Key: "path", Value: path, IsPath: true},
			{Key: "matched_by", Value: matchKind},
			{Key: "phase", Value: phase},
		},
	})
}

// walkBounded walks one directory tree, honoring cancellation at every
// entry and stopping after MaxFilesPerPhase files. A missing directory
// is not an error.
func (e *Engine) walkBounded(ctx context.Context, dir string, visit func(path string, size int64)) error {
	if dir == "" {
		return nil
	}
	seen := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		visit(path, info.Size())
		seen++
		if seen >= e.opts.MaxFilesPerPhase {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readSample(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, contentSampleMax)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func severityOf(sig *sigdb.Signature) ledger.Severity {
	switch sig.Severity {
	case "critical":
		return ledger.SeverityCritical
	case "high":
		return ledger.SeverityHigh
	case "medium":
		return ledger.SeverityMedium
	case "low":
		return ledger.SeverityLow
	default:
		return ledger.SeverityInfo
	}
}

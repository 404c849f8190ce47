// Package sigdb manages the versioned threat-signature set: loading the
// active set for the scan engine, checking for updates, and rotating new
// sets through a staged, checksum-verified, rollback-capable commit.
package sigdb

import (
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status describes the definitions lifecycle.
type Status string

const (
	StatusUpToDate        Status = "up_to_date"
	StatusUpdateAvailable Status = "update_available"
	StatusUpdating        Status = "updating"
	StatusFailed          Status = "failed"
)

// Signature is one detection rule. Matching is intentionally cheap:
// exact names, globs, process names, and content substrings.
type Signature struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Category        string   `yaml:"category"`
	Severity        string   `yaml:"severity"`
	FileNames       []string `yaml:"file_names,omitempty"`
	NamePatterns    []string `yaml:"name_patterns,omitempty"`
	ProcessNames    []string `yaml:"process_names,omitempty"`
	ContentPatterns []string `yaml:"content_patterns,omitempty"`
}

// Set is a parsed signature set.
type Set struct {
	Version       string      `yaml:"version"`
	EngineVersion string      `yaml:"engine_version"`
	Signatures    []Signature `yaml:"signatures"`
}

// ParseSet parses a YAML signature set.
func ParseSet(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MatchFileName returns the first signature whose file names or name
// patterns match the basename, or nil.
func (s *Set) MatchFileName(name string) *Signature {
	base := strings.ToLower(filepath.Base(name))
	for i := range s.Signatures {
		sig := &s.Signatures[i]
		for _, fn := range sig.FileNames {
			if base == strings.ToLower(fn) {
				return sig
			}
		}
		for _, pat := range sig.NamePatterns {
			if ok, err := filepath.Match(strings.ToLower(pat), base); err == nil && ok {
				return sig
			}
		}
	}
	return nil
}

// MatchProcessName returns the first signature listing the process name.
func (s *Set) MatchProcessName(name string) *Signature {
	name = strings.ToLower(strings.TrimSuffix(filepath.Base(name), ".exe"))
	for i := range s.Signatures {
		for _, pn := range s.Signatures[i].ProcessNames {
			if name == strings.ToLower(pn) {
				return &s.Signatures[i]
			}
		}
	}
	return nil
}

// MatchContent returns the first signature whose content pattern occurs
// in the sample. Callers pass a bounded prefix of the file, not whole
// multi-gigabyte files.
func (s *Set) MatchContent(sample []byte) *Signature {
	if len(sample) == 0 {
		return nil
	}
	text := string(sample)
	for i := range s.Signatures {
		for _, pat := range s.Signatures[i].ContentPatterns {
			if strings.Contains(text, pat) {
				return &s.Signatures[i]
			}
		}
	}
	return nil
}

// Info is the externally visible definitions state.
type Info struct {
	Version        string `json:"version"`
	SignatureCount int    `json:"signature_count"`
	EngineVersion  string `json:"engine_version"`
	Status         Status `json:"status"`
}

// Manifest is the update metadata published by the definitions service.
type Manifest struct {
	Version        string `json:"version"`
	SignatureCount int    `json:"signatureCount"`
	EngineVersion  string `json:"engineVersion"`
	ReleaseDate    string `json:"releaseDate"`
	ReleaseNotes   string `json:"releaseNotes"`
	PackageURL     string `json:"packageUrl"`
	Checksum       string `json:"checksum"` // hex SHA-256 of the package
	Signature      string `json:"signature,omitempty"`
}

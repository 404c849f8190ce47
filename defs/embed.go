package defs

import "embed"

//go:embed baseline.yaml
var embedded embed.FS

// Baseline returns the signature set compiled into the binary. It is
// the offline update source of last resort: the suite can always roll
// forward to this set with no network at all.
func Baseline() ([]byte, error) {
	return embedded.ReadFile("baseline.yaml")
}

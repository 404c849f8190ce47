package suite

import (
	"time"

	"github.com/vigilsec/vigil/internal/ledger"
	"github.com/vigilsec/vigil/internal/quarantine"
	"github.com/vigilsec/vigil/internal/sigdb"
)

// staleDefinitionsAfter is how old a date-versioned signature set may
// be before it drags the protection score down.
const staleDefinitionsAfter = 30 * 24 * time.Hour

// ProtectionScore is the weighted 0-100 aggregate shown to the user.
// 100 means: all watchers live, no open events of consequence, fresh
// definitions, and nothing sitting in quarantine awaiting a decision.
func (s *Suite) ProtectionScore() int {
	score := 100

	for _, running := range []bool{s.Hosts.Running(), s.Startup.Running(), s.Tasks.Running()} {
		if !running {
			score -= 10
		}
	}

	score -= capped(8*s.Ledger.UnresolvedCount(ledger.SeverityHigh), 30)

	medium := s.Ledger.UnresolvedCount(ledger.SeverityMedium) - s.Ledger.UnresolvedCount(ledger.SeverityHigh)
	score -= capped(3*medium, 12)

	info := s.Definitions.Info()
	if info.Status == sigdb.StatusFailed {
		score -= 10
	}
	if stale(info.Version, time.Now()) {
		score -= 15
	}

	active := 0
	for _, item := range s.Quarantine.Items() {
		if item.Status == quarantine.StatusActive {
			active++
		}
	}
	score -= capped(2*active, 10)

	if score < 0 {
		return 0
	}
	return score
}

// stale reports whether a date-like definitions version (YYYY.MM.DD)
// is older than the freshness window. Semantic versions carry no date
// and are never considered stale here.
func stale(version string, now time.Time) bool {
	if !sigdb.IsDateVersion(version) {
		return false
	}
	released, err := time.Parse("2006.01.02", version)
	if err != nil {
		return false
	}
	return now.Sub(released) > staleDefinitionsAfter
}

func capped(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}

package suite

import (
	"log/slog"
	"sync"

	"github.com/vigilsec/vigil/internal/sigdb"
)

// activeOracle adapts the definitions manager to the engine's oracle
// interface, caching the parsed active set. Reload is called after a
// successful definitions update so new signatures take effect without
// restarting the engine.
type activeOracle struct {
	mgr    *sigdb.Manager
	logger *slog.Logger

	mu  sync.RWMutex
	set *sigdb.Set
}

func newActiveOracle(mgr *sigdb.Manager, logger *slog.Logger) *activeOracle {
	o := &activeOracle{mgr: mgr, logger: logger}
	o.Reload()
	return o
}

// Reload re-parses the active slot. On failure the previous set stays
// in use.
func (o *activeOracle) Reload() {
	set, err := o.mgr.ActiveSet()
	if err != nil {
		o.logger.Warn("active definitions unreadable, keeping previous set", "error", err)
		return
	}
	o.mu.Lock()
	o.set = set
	o.mu.Unlock()
}

func (o *activeOracle) current() *sigdb.Set {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.set
}

func (o *activeOracle) MatchFileName(name string) *sigdb.Signature {
	if set := o.current(); set != nil {
		return set.MatchFileName(name)
	}
	return nil
}

func (o *activeOracle) MatchProcessName(name string) *sigdb.Signature {
	if set := o.current(); set != nil {
		return set.MatchProcessName(name)
	}
	return nil
}

func (o *activeOracle) MatchContent(sample []byte) *sigdb.Signature {
	if set := o.current(); set != nil {
		return set.MatchContent(sample)
	}
	return nil
}

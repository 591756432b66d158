package compaction

import (
	"fmt"

	"github.com/wcygan/mini-lsm/pkg/config"
	"github.com/wcygan/mini-lsm/pkg/dberrors"
)

// Strategy is the shared planning contract. Propose inspects a state
// and returns nil when no merge is due. Apply folds a finished task's
// outputs into a copy of the state; it must tolerate tables that
// arrived in the state after the task was proposed.
type Strategy interface {
	// FlushToL0 reports whether freshly flushed tables join L0 or open
	// a new top tier.
	FlushToL0() bool
	Propose(s *State) *Task
	Apply(s *State, task *Task, outputs []TableMeta) *State
}

// NewStrategy builds the configured strategy.
func NewStrategy(cfg config.CompactionConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.CompactionSimple:
		return &Simple{cfg: cfg}, nil
	case config.CompactionTiered:
		return &Tiered{cfg: cfg}, nil
	case config.CompactionLeveled:
		return &Leveled{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compaction strategy %q",
			dberrors.ErrInvalidConfig, cfg.Strategy)
	}
}

package index

import (
	"errors"
	"fmt"
	"sync"

	"knowledge_spider/internal/models"
)

var ErrInvalidTransition = errors.New("invalid index phase transition")

var phaseOrder = map[models.IndexPhase]models.IndexPhase{
	models.IndexPhaseIdle:      models.IndexPhaseChunking,
	models.IndexPhaseChunking:  models.IndexPhaseEmbedding,
	models.IndexPhaseEmbedding: models.IndexPhaseSaving,
	models.IndexPhaseSaving:    models.IndexPhaseIdle,
}

// PhaseTracker walks idle → chunking → embedding → saving → idle.
// Reset returns to idle from any phase after a failure.
type PhaseTracker struct {
	mu    sync.Mutex
	phase models.IndexPhase
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{phase: models.IndexPhaseIdle}
}

func (t *PhaseTracker) Phase() models.IndexPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *PhaseTracker) Advance(next models.IndexPhase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if phaseOrder[t.phase] != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.phase, next)
	}
	t.phase = next
	return nil
}

func (t *PhaseTracker) Reset() {
	t.mu.Lock()
	t.phase = models.IndexPhaseIdle
	t.mu.Unlock()
}

package route

import (
	"context"

	"github.com/tourkit/navpack/plan"
)

// ModalSolver dispatches routing calls to per-mode engines. Foot falls back
// to the car engine when no dedicated foot engine is configured.
type ModalSolver struct {
	Car  Solver
	Foot Solver
}

func (m ModalSolver) Route(ctx context.Context, mode plan.Mode, src, dst plan.Coord) (*Result, error) {
	if mode == plan.ModeFoot && m.Foot != nil {
		return m.Foot.Route(ctx, mode, src, dst)
	}
	return m.Car.Route(ctx, mode, src, dst)
}

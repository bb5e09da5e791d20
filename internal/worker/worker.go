// Package worker runs one segment on a worker node.
//
// Scenes are processed strictly in segment order and, within a scene, tiles
// are built one at a time. For each scene the worker:
//
//   - marks it INWORK in the state store,
//   - looks up the grid region of its WRS path/row (NOGRID when absent),
//   - resolves the tiles its footprint touches,
//   - builds every tile through the tile builder, and
//   - writes the scene's terminal state back to the store.
//
// The terminal state follows from the tile outcomes: the first tile error
// ends the scene in ERROR and skips its remaining tiles; otherwise a scene
// with at least one tile built, either now or by an earlier run, is
// COMPLETE, and a scene whose tiles were all empty is NOT NEEDED.
//
// A tile error never stops the segment. A state store failure or a
// cancelled context does, leaving the current scene INWORK for the next
// dispatcher start to reset.
//
// Example:
//
//	w := worker.New(log, st, resolver.New(log, st, auxDir, 1), builder, regions)
//	sum, err := w.Run(ctx, segment)
//	if err != nil {
//		return err
//	}
//	if sum.Failed() > 0 {
//		// some scenes ended in ERROR
//	}
package worker

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/resolver"
	"github.com/ldj01/ard-tile-sub000/internal/tilebuilder"
)

var (
	mon = monkit.Package()

	// Error is the error class for worker failures.
	Error = errs.Class("worker")
)

// Store records scene transitions.
type Store interface {
	MarkState(ctx context.Context, productID string, state ard.SceneState) error
}

// Resolver finds the tiles a scene touches.
type Resolver interface {
	Resolve(ctx context.Context, scene ard.Scene, region string) ([]resolver.Contribution, error)
}

// TileBuilder builds one tile.
type TileBuilder interface {
	Build(ctx context.Context, scene ard.Scene, region string, c resolver.Contribution) (tilebuilder.Result, error)
}

// Worker tiles the scenes of a segment.
type Worker struct {
	log      *zap.Logger
	store    Store
	resolver Resolver
	builder  TileBuilder
	regions  Regions
}

// New creates a worker.
func New(log *zap.Logger, st Store, res Resolver, builder TileBuilder, regions Regions) *Worker {
	return &Worker{log: log, store: st, resolver: res, builder: builder, regions: regions}
}

// SceneResult is the outcome of one scene.
type SceneResult struct {
	ProductID string
	State     ard.SceneState
	Tiles     []tilebuilder.Result
	Err       error
}

// Summary reports every scene of a run in segment order.
type Summary struct {
	Scenes []SceneResult
}

// Failed returns how many scenes ended in ERROR.
func (s Summary) Failed() int {
	n := 0
	for _, sc := range s.Scenes {
		if sc.State == ard.StateError {
			n++
		}
	}
	return n
}

// Run processes seg. Tile failures end in the scene's ERROR state and do
// not stop the segment; a state store failure or cancellation does. Scenes
// left in INWORK are reset by the next dispatcher start.
func (w *Worker) Run(ctx context.Context, seg ard.Segment) (_ Summary, err error) {
	defer mon.Task()(&ctx)(&err)

	var sum Summary
	for _, scene := range seg {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := w.scene(ctx, scene)
		if err != nil {
			return sum, err
		}
		sum.Scenes = append(sum.Scenes, res)
	}
	w.log.Info("segment finished",
		zap.Int("scenes", len(seg)),
		zap.Int("failed", sum.Failed()))
	return sum, nil
}

func (w *Worker) scene(ctx context.Context, scene ard.Scene) (SceneResult, error) {
	log := w.log.With(zap.String("scene", scene.ProductID))
	res := SceneResult{ProductID: scene.ProductID}

	if err := w.store.MarkState(ctx, scene.ProductID, ard.StateInWork); err != nil {
		return res, Error.Wrap(err)
	}

	finish := func(state ard.SceneState) (SceneResult, error) {
		res.State = state
		mon.Counter("scenes_" + stateMetric(state)).Inc(1)
		if err := w.store.MarkState(ctx, scene.ProductID, state); err != nil {
			return res, Error.Wrap(err)
		}
		log.Info("scene finished", zap.String("state", string(state)), zap.Int("tiles", len(res.Tiles)))
		return res, nil
	}

	region, ok := w.regions.Lookup(scene.WRSPath, scene.WRSRow)
	if !ok {
		log.Warn("no grid region for path/row", zap.Int("path", scene.WRSPath), zap.Int("row", scene.WRSRow))
		return finish(ard.StateNoGrid)
	}

	contributions, err := w.resolver.Resolve(ctx, scene, region)
	if err != nil {
		log.Error("resolve tiles", zap.Error(err))
		res.Err = err
		return finish(ard.StateError)
	}
	if len(contributions) == 0 {
		log.Error("scene touches no tiles", zap.String("region", region))
		res.Err = Error.New("%s: no tiles in region %s", scene.ProductID, region)
		return finish(ard.StateError)
	}

	var built, existing int
	for _, c := range contributions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		tile, err := w.builder.Build(ctx, scene, region, c)
		switch {
		case tilebuilder.IsAlreadyBuilt(err):
			log.Warn("tile already built", zap.Error(err))
			existing++
			continue
		case err != nil:
			log.Error("tile failed", zap.Int("h", c.Tile.H), zap.Int("v", c.Tile.V), zap.Error(err))
			res.Err = err
			return finish(ard.StateError)
		}
		res.Tiles = append(res.Tiles, tile)
		if tile.Outcome == tilebuilder.OutcomeBuilt {
			built++
		}
	}

	if built+existing == 0 {
		return finish(ard.StateNotNeeded)
	}
	return finish(ard.StateComplete)
}

func stateMetric(s ard.SceneState) string {
	switch s {
	case ard.StateComplete:
		return "complete"
	case ard.StateNotNeeded:
		return "not_needed"
	case ard.StateNoGrid:
		return "nogrid"
	}
	return "error"
}

// Package resolver intersects a scene's footprint, and those of its same-day
// neighbors, with a regional ARD tile grid.
package resolver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

var (
	mon = monkit.Package()

	// Error is the error class for tile resolution failures.
	Error = errs.Class("resolver")
)

// DefaultNeighborRows is the default ±row window searched for neighbors.
const DefaultNeighborRows = 2

// Store is the subset of the state store the resolver queries.
type Store interface {
	NeighborSceneIDs(ctx context.Context, acqDate time.Time, path, row, n int) ([]string, error)
	CornerPolygons(ctx context.Context, sceneIDs []string) (map[string]string, error)
}

// Contribution is one tile touched by a scene and the neighbor scenes
// (the scene itself included) whose footprints also touch it.
type Contribution struct {
	Tile      ard.TileCoord
	Neighbors []ard.NeighborDescriptor
}

// Resolver computes tile contributions for scenes.
type Resolver struct {
	log          *zap.Logger
	store        Store
	auxdir       string
	neighborRows int

	mu    sync.Mutex
	grids map[string]*Grid
}

// New creates a resolver reading grids from auxdir. A non-positive
// neighborRows selects DefaultNeighborRows.
func New(log *zap.Logger, st Store, auxdir string, neighborRows int) *Resolver {
	if neighborRows <= 0 {
		neighborRows = DefaultNeighborRows
	}
	return &Resolver{
		log:          log,
		store:        st,
		auxdir:       auxdir,
		neighborRows: neighborRows,
		grids:        map[string]*Grid{},
	}
}

// Grid returns the region's grid, loading it on first use.
func (r *Resolver) Grid(region string) (*Grid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.grids[region]; ok {
		return g, nil
	}
	g, err := LoadGrid(r.auxdir, region)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	r.grids[region] = g
	return g, nil
}

// Resolve returns every tile of the region intersecting the scene, ordered
// by (H, V), with each tile's intersecting neighbor descriptors ordered by
// row. The scene must be present in inventory with a footprint.
func (r *Resolver) Resolve(ctx context.Context, scene ard.Scene, region string) (_ []Contribution, err error) {
	defer mon.Task()(&ctx)(&err)

	grid, err := r.Grid(region)
	if err != nil {
		return nil, err
	}

	ids, err := r.store.NeighborSceneIDs(ctx, scene.AcquisitionDate, scene.WRSPath, scene.WRSRow, r.neighborRows)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !contains(ids, scene.ProductID) {
		ids = append(ids, scene.ProductID)
	}
	polys, err := r.store.CornerPolygons(ctx, ids)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	subjectWKT, ok := polys[scene.ProductID]
	if !ok {
		return nil, Error.New("no footprint for scene %s", scene.ProductID)
	}
	subject, err := geom.UnmarshalWKT(subjectWKT)
	if err != nil {
		return nil, Error.New("footprint %s: %w", scene.ProductID, err)
	}

	type neighbor struct {
		desc ard.NeighborDescriptor
		geom geom.Geometry
	}
	var neighbors []neighbor
	byRow := map[int]int{}
	for _, id := range ids {
		wkt, ok := polys[id]
		if !ok {
			r.log.Debug("neighbor without footprint", zap.String("scene", id))
			continue
		}
		desc, err := ard.DescriptorFromProductID(id)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if desc.Mission != scene.Satellite {
			continue
		}
		g, err := geom.UnmarshalWKT(wkt)
		if err != nil {
			return nil, Error.New("footprint %s: %w", id, err)
		}
		// A reprocessed scene supersedes older processings of the same row.
		if i, ok := byRow[desc.WRSRow]; ok {
			if desc.ProcDate.After(neighbors[i].desc.ProcDate) {
				neighbors[i] = neighbor{desc: desc, geom: g}
			}
			continue
		}
		byRow[desc.WRSRow] = len(neighbors)
		neighbors = append(neighbors, neighbor{desc: desc, geom: g})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].desc.WRSRow < neighbors[j].desc.WRSRow
	})

	var out []Contribution
	for _, cell := range grid.Cells {
		if !geom.Intersects(cell.Geom, subject) {
			continue
		}
		c := Contribution{Tile: cell.Coord}
		for _, n := range neighbors {
			if geom.Intersects(cell.Geom, n.geom) {
				c.Neighbors = append(c.Neighbors, n.desc)
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tile.H != out[j].Tile.H {
			return out[i].Tile.H < out[j].Tile.H
		}
		return out[i].Tile.V < out[j].Tile.V
	})

	r.log.Debug("resolved tiles",
		zap.String("scene", scene.ProductID),
		zap.String("region", region),
		zap.Int("tiles", len(out)),
		zap.Int("neighbors", len(neighbors)))
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

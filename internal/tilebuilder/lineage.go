package tilebuilder

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// maxLevels is the largest lineage value a tile can hold.
const maxLevels = 3

// lineage builds the lineage raster and returns how many scenes supplied
// pixels. It fills job.present with those scenes, renumbered from 1.
func (b *Builder) lineage(ctx context.Context, job *tileJob) (int, error) {
	final := job.lineagePath()
	ok, err := exists(job.log, final)
	if err != nil {
		return 0, err
	}
	if ok {
		hist, err := b.tool.Histogram(ctx, final, 1, maxLevels)
		if err != nil {
			return 0, err
		}
		// The stored raster is already renumbered.
		presence, err := b.rawPresence(ctx, job, hist)
		if err != nil {
			return 0, err
		}
		return job.setPresent(presence), nil
	}

	levels := make([]string, len(job.layers))
	for i, l := range job.layers {
		levels[i] = job.path(fmt.Sprintf("level%d", l.level))
		err := produce(job.log, levels[i], func(tmp string) error {
			return b.tool.Calc(ctx, raster.CalcOptions{
				A:      l.band(job.family.LineageSource),
				Expr:   raster.LevelMask{Level: l.level},
				Dest:   tmp,
				Type:   raster.Byte,
				NoData: raster.Value(0),
			})
		})
		if err != nil {
			return 0, err
		}
	}

	raw := job.path("LINEAGE_raw")
	err = produce(job.log, raw, func(tmp string) error {
		return b.tool.Warp(ctx, raster.WarpOptions{
			Sources:   levels,
			Dest:      tmp,
			Window:    job.window,
			DstNoData: raster.Value(0),
			Type:      raster.Byte,
		})
	})
	if err != nil {
		return 0, err
	}

	hist, err := b.tool.Histogram(ctx, raw, 1, maxLevels)
	if err != nil {
		return 0, err
	}
	presence := make([]bool, len(job.layers))
	for i := range presence {
		presence[i] = hist.Count(i+1) > 0
	}
	count := job.setPresent(presence)
	if count == 0 {
		return 0, nil
	}

	expr, compact := renumber(presence)
	switch {
	case expr != nil:
		job.log.Debug("renumbering lineage", zap.String("expr", expr.GDAL()))
		err = produce(job.log, final, func(tmp string) error {
			return b.tool.Calc(ctx, raster.CalcOptions{
				A:      raw,
				Expr:   expr,
				Dest:   tmp,
				Type:   raster.Byte,
				NoData: raster.Value(0),
			})
		})
	case !compact:
		return 0, Error.New("cannot renumber lineage presence %v", presence)
	default:
		if count < len(job.layers) {
			job.log.Warn("lineage already contiguous",
				zap.Int("scenes", len(job.layers)),
				zap.Int("contributing", count))
		}
		err = os.Rename(raw, final)
	}
	if err != nil {
		return 0, err
	}
	for _, l := range levels {
		_ = os.Remove(l)
	}
	return count, nil
}

// rawPresence recovers per-layer presence for a reused lineage raster. The
// raw mosaic is kept whenever renumbering was applied; when it is gone the
// present levels were already 1..count.
func (b *Builder) rawPresence(ctx context.Context, job *tileJob, final raster.Histogram) ([]bool, error) {
	presence := make([]bool, len(job.layers))
	raw := job.path("LINEAGE_raw")
	if ok, err := exists(job.log, raw); err != nil {
		return nil, err
	} else if ok {
		hist, err := b.tool.Histogram(ctx, raw, 1, maxLevels)
		if err != nil {
			return nil, err
		}
		for i := range presence {
			presence[i] = hist.Count(i+1) > 0
		}
		return presence, nil
	}
	n := final.Present(1, maxLevels)
	for i := 0; i < n && i < len(presence); i++ {
		presence[i] = true
	}
	return presence, nil
}

// setPresent records the layers with pixels and renumbers them from 1.
func (j *tileJob) setPresent(presence []bool) int {
	j.present = j.present[:0]
	for i, ok := range presence {
		if ok {
			l := j.layers[i]
			l.level = len(j.present) + 1
			j.present = append(j.present, l)
		}
	}
	return len(j.present)
}

// renumber returns the expression that maps the levels present in a raw
// lineage raster onto 1..count. A nil expression with compact set means the
// present levels already form 1..count; a nil expression without it means
// the presence pattern is invalid and the tile must not be packaged.
func renumber(presence []bool) (expr raster.Expr, compact bool) {
	var levels []int
	for i, ok := range presence {
		if ok {
			levels = append(levels, i+1)
		}
	}
	if len(levels) == 0 {
		return nil, true
	}

	contiguousFrom := func(start int) bool {
		for i, l := range levels {
			if l != start+i {
				return false
			}
		}
		return true
	}

	switch {
	case len(presence) == 2 && !presence[1]:
		// No renumbering exists for a pair without its second level.
		return nil, false
	case contiguousFrom(1):
		return nil, true
	case contiguousFrom(levels[0]):
		return raster.Subtract{N: levels[0] - 1}, false
	case len(levels) == 2 && levels[0] == 1 && levels[1] == 3:
		return raster.DropThree{}, false
	}
	return nil, false
}

package tilebuilder

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/profile"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// classSpec is the pixel type and fill of a band class.
type classSpec struct {
	typ  raster.DataType
	fill float64
}

var classes = map[profile.Class]classSpec{
	1: {raster.Int16, -9999},
	2: {raster.Int16, -32768},
	3: {raster.UInt16, 1},
	4: {raster.Byte, 1},
	5: {raster.Int16, -9999},
	6: {raster.Byte, 0},
	7: {raster.Byte, 1},
	8: {raster.Int16, -9999},
}

// dswe products mark outside-footprint pixels with 255.
const dsweSourceFill = 255

// band produces one output band by its class procedure.
func (b *Builder) band(ctx context.Context, job *tileJob, band profile.Band) error {
	spec, ok := classes[band.Class]
	if !ok {
		return fmt.Errorf("band %s: unknown class %d", band.Short, band.Class)
	}
	dest := job.path(band.Short)
	log := job.log.With(zap.String("band", band.Short), zap.Int("class", int(band.Class)))

	return produce(log, dest, func(tmp string) error {
		log.Debug("building band")
		switch band.Class {
		case 1, 2:
			return b.warpMosaic(ctx, job, band, tmp, spec)
		case 3:
			return b.rewriteMosaic(ctx, job, band, tmp, spec)
		case 4:
			return b.clipMosaic(ctx, job, band, tmp, spec, raster.Value(spec.fill))
		case 5:
			return b.clipMosaic(ctx, job, band, tmp, spec, raster.Value(dsweSourceFill))
		default:
			return b.lineageMosaic(ctx, job, band, tmp, spec)
		}
	})
}

func (j *tileJob) sources(band profile.Band) []string {
	srcs := make([]string, len(j.present))
	for i, l := range j.present {
		srcs[i] = l.band(band.Input)
	}
	return srcs
}

func (j *tileJob) scratch(band profile.Band, what string, level int) string {
	return j.path(fmt.Sprintf("%s_%s%d", band.Short, what, level))
}

// warpMosaic warps every scene into the tile, earlier levels on top.
func (b *Builder) warpMosaic(ctx context.Context, job *tileJob, band profile.Band, dest string, spec classSpec) error {
	return b.tool.Warp(ctx, raster.WarpOptions{
		Sources:   job.sources(band),
		Dest:      dest,
		Window:    job.window,
		SrcNoData: raster.Value(spec.fill),
		DstNoData: raster.Value(spec.fill),
		Type:      spec.typ,
	})
}

// rewriteMosaic warps with the class fill, then rewrites the mosaic with
// no source no-data and a destination no-data of 0.
func (b *Builder) rewriteMosaic(ctx context.Context, job *tileJob, band profile.Band, dest string, spec classSpec) error {
	mid := job.scratch(band, "mosaic", 0)
	err := produce(job.log, mid, func(tmp string) error {
		return b.warpMosaic(ctx, job, band, tmp, spec)
	})
	if err != nil {
		return err
	}
	if err := b.tool.Warp(ctx, raster.WarpOptions{
		Sources:   []string{mid},
		Dest:      dest,
		Window:    job.window,
		SrcNoData: raster.None,
		DstNoData: raster.Value(0),
		Type:      spec.typ,
	}); err != nil {
		return err
	}
	return os.Remove(mid)
}

// clipMosaic clips each scene to the full tile on its own, then merges the
// clips in level order.
func (b *Builder) clipMosaic(ctx context.Context, job *tileJob, band profile.Band, dest string, spec classSpec, srcFill raster.NoData) error {
	clips := make([]string, len(job.present))
	for i, l := range job.present {
		clips[i] = job.scratch(band, "clip", l.level)
		err := produce(job.log, clips[i], func(tmp string) error {
			return b.tool.Warp(ctx, raster.WarpOptions{
				Sources:   []string{l.band(band.Input)},
				Dest:      tmp,
				Window:    job.window,
				SrcNoData: srcFill,
				DstNoData: raster.Value(spec.fill),
				Type:      spec.typ,
			})
		})
		if err != nil {
			return err
		}
	}
	if err := b.tool.Merge(ctx, raster.MergeOptions{
		Sources: clips,
		Dest:    dest,
		NoData:  raster.Value(spec.fill),
		Type:    spec.typ,
	}); err != nil {
		return err
	}
	removeAll(clips)
	return nil
}

// lineageMosaic clips each scene with no source no-data, keeps only the
// pixels the lineage attributes to that scene, merges the masked layers and
// rewrites the result to drop the merge's no-data tag where the class has
// no fill of its own.
func (b *Builder) lineageMosaic(ctx context.Context, job *tileJob, band profile.Band, dest string, spec classSpec) error {
	fill := raster.Value(spec.fill)
	lineage := job.lineagePath()

	masks := make([]string, len(job.present))
	var scratch []string
	for i, l := range job.present {
		clip := job.scratch(band, "clip", l.level)
		masks[i] = job.scratch(band, "mask", l.level)
		scratch = append(scratch, clip, masks[i])

		err := produce(job.log, clip, func(tmp string) error {
			return b.tool.Warp(ctx, raster.WarpOptions{
				Sources:   []string{l.band(band.Input)},
				Dest:      tmp,
				Window:    job.window,
				SrcNoData: raster.None,
				DstNoData: fill,
				Type:      spec.typ,
			})
		})
		if err != nil {
			return err
		}
		err = produce(job.log, masks[i], func(tmp string) error {
			return b.tool.Calc(ctx, raster.CalcOptions{
				A:          clip,
				B:          lineage,
				Expr:       raster.LineageMask{Level: l.level, Fill: spec.fill},
				Dest:       tmp,
				Type:       spec.typ,
				NoData:     fill,
				HideNoData: true,
			})
		})
		if err != nil {
			return err
		}
	}

	merged := job.scratch(band, "merged", 0)
	scratch = append(scratch, merged)
	err := produce(job.log, merged, func(tmp string) error {
		return b.tool.Merge(ctx, raster.MergeOptions{
			Sources: masks,
			Dest:    tmp,
			NoData:  fill,
			Type:    spec.typ,
		})
	})
	if err != nil {
		return err
	}

	tag := fill
	if band.Class == 6 {
		tag = raster.None
	}
	if err := b.tool.Translate(ctx, raster.TranslateOptions{
		Source: merged,
		Dest:   dest,
		NoData: tag,
		Type:   spec.typ,
	}); err != nil {
		return err
	}
	removeAll(scratch)
	return nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

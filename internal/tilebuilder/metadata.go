package tilebuilder

import (
	"context"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/metadata"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// metadata counts the pixel-QA conditions and writes one xml document per
// group covering the requested products.
func (b *Builder) metadata(ctx context.Context, job *tileJob) error {
	groups := job.family.XMLGroups(b.opts.Products)

	var missing bool
	for _, g := range groups {
		ok, err := exists(job.log, job.xmlPath(g.Name))
		if err != nil {
			return err
		}
		missing = missing || !ok
	}
	if !missing {
		return nil
	}

	counts, err := b.qaCounts(ctx, job)
	if err != nil {
		return err
	}
	total := totalPixels(job.tile, b.opts.Resolution)

	for _, g := range groups {
		out := job.xmlPath(g.Name)
		if ok, err := exists(job.log, out); err != nil {
			return err
		} else if ok {
			continue
		}

		var bands []string
		for _, prod := range g.Products {
			bands = append(bands, job.family.Package[prod]...)
		}
		req := metadata.Request{
			TileID:         job.tileID,
			Group:          g.Name,
			Output:         out,
			Region:         job.region,
			Tile:           job.tile,
			Mission:        job.scene.Satellite,
			Scenes:         job.scenes,
			Products:       g.Products,
			Bands:          bands,
			Complete:       job.complete,
			ProductionDate: b.Now(),
			Counts:         counts,
			TotalPixels:    total,
		}
		if err := b.meta.Write(ctx, req); err != nil {
			return err
		}
		job.log.Debug("metadata group written", zap.String("group", g.Name))
	}
	return nil
}

// qaCounts counts the pixels of every QA condition of the mission.
func (b *Builder) qaCounts(ctx context.Context, job *tileJob) (metadata.Counts, error) {
	qa := job.path(job.family.PixelQA)
	counts := metadata.Counts{}
	for _, bit := range metadata.Bits(job.scene.Satellite) {
		mask := job.path("qa_" + bit.Name)
		err := b.tool.Calc(ctx, raster.CalcOptions{
			A:          qa,
			Expr:       bit.Expr,
			Dest:       mask,
			Type:       raster.Byte,
			NoData:     raster.None,
			HideNoData: true,
		})
		if err != nil {
			return nil, err
		}
		hist, err := b.tool.Histogram(ctx, mask, 1, 1)
		if err != nil {
			return nil, err
		}
		counts[bit.Name] = hist.Count(1)
		_ = os.Remove(mask)
	}
	return counts, nil
}

func (j *tileJob) xmlPath(group string) string {
	return filepath.Join(j.dir, metadata.FileName(j.tileID, group))
}

// totalPixels is the pixel count of a tile at resolution.
func totalPixels(t ard.TileCoord, resolution float64) int64 {
	w := math.Round((t.LRX - t.ULX) / resolution)
	h := math.Round((t.URY - t.LLY) / resolution)
	return int64(w * h)
}

package raster

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// GDAL implements Tool with the GDAL command-line utilities.
type GDAL struct {
	log        *zap.Logger
	run        Runner
	resolution float64
}

// NewGDAL returns a GDAL tool producing pixels of the given size in
// projection units.
func NewGDAL(log *zap.Logger, run Runner, resolution float64) *GDAL {
	return &GDAL{log: log, run: run, resolution: resolution}
}

func creationArgs(flag string, opts []string) []string {
	if len(opts) == 0 {
		opts = DefaultCreation
	}
	args := make([]string, 0, 2*len(opts))
	for _, o := range opts {
		args = append(args, flag, o)
	}
	return args
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// reversed returns sources in the order later-wins tools expect.
func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

// WarpArgs returns the gdalwarp argument list for opts.
func (g *GDAL) WarpArgs(opts WarpOptions) []string {
	args := []string{
		"-te", ftoa(opts.Window.ULX), ftoa(opts.Window.LLY), ftoa(opts.Window.LRX), ftoa(opts.Window.URY),
		"-tr", ftoa(g.resolution), ftoa(g.resolution),
	}
	if !opts.SrcNoData.Inherit() {
		args = append(args, "-srcnodata", opts.SrcNoData.String())
	}
	if !opts.DstNoData.Inherit() {
		args = append(args, "-dstnodata", opts.DstNoData.String())
	}
	if opts.Type != "" {
		args = append(args, "-ot", string(opts.Type))
	}
	args = append(args, creationArgs("-co", nil)...)
	args = append(args, reversed(opts.Sources)...)
	return append(args, opts.Dest)
}

// Warp runs gdalwarp.
func (g *GDAL) Warp(ctx context.Context, opts WarpOptions) error {
	if _, err := g.run.Run(ctx, "gdalwarp", g.WarpArgs(opts)...); err != nil {
		return Error.New("warp %s: %w", opts.Dest, err)
	}
	return nil
}

// CalcArgs returns the gdal_calc.py argument list for opts.
func (g *GDAL) CalcArgs(opts CalcOptions) []string {
	args := []string{"-A", opts.A}
	if opts.B != "" {
		args = append(args, "-B", opts.B)
	}
	args = append(args,
		"--outfile="+opts.Dest,
		"--calc="+opts.Expr.GDAL(),
	)
	if opts.Type != "" {
		args = append(args, "--type="+string(opts.Type))
	}
	if opts.NoData.IsSet() {
		args = append(args, "--NoDataValue="+opts.NoData.String())
	}
	if opts.HideNoData {
		args = append(args, "--hideNoData")
	}
	return append(args, creationArgs("--co", nil)...)
}

// Calc runs gdal_calc.py.
func (g *GDAL) Calc(ctx context.Context, opts CalcOptions) error {
	if _, err := g.run.Run(ctx, "gdal_calc.py", g.CalcArgs(opts)...); err != nil {
		return Error.New("calc %s: %w", opts.Dest, err)
	}
	return nil
}

// MergeArgs returns the gdal_merge.py argument list for opts.
func (g *GDAL) MergeArgs(opts MergeOptions) []string {
	args := []string{"-o", opts.Dest}
	if opts.Separate {
		args = append(args, "-separate")
	}
	if opts.NoData.IsSet() {
		nd := opts.NoData.String()
		args = append(args, "-n", nd, "-a_nodata", nd, "-init", nd)
	}
	if opts.Type != "" {
		args = append(args, "-ot", string(opts.Type))
	}
	args = append(args, creationArgs("-co", nil)...)
	if opts.Separate {
		return append(args, opts.Sources...)
	}
	return append(args, reversed(opts.Sources)...)
}

// Merge runs gdal_merge.py.
func (g *GDAL) Merge(ctx context.Context, opts MergeOptions) error {
	if _, err := g.run.Run(ctx, "gdal_merge.py", g.MergeArgs(opts)...); err != nil {
		return Error.New("merge %s: %w", opts.Dest, err)
	}
	return nil
}

// TranslateArgs returns the gdal_translate argument list for opts.
func (g *GDAL) TranslateArgs(opts TranslateOptions) []string {
	var args []string
	if !opts.NoData.Inherit() {
		nd := opts.NoData.String()
		if opts.NoData.IsNone() {
			nd = "none"
		}
		args = append(args, "-a_nodata", nd)
	}
	if opts.Type != "" {
		args = append(args, "-ot", string(opts.Type))
	}
	if s := opts.Scale; s != nil {
		args = append(args, "-scale", ftoa(s.SrcMin), ftoa(s.SrcMax), ftoa(s.DstMin), ftoa(s.DstMax))
	}
	args = append(args, creationArgs("-co", opts.Creation)...)
	return append(args, opts.Source, opts.Dest)
}

// Translate runs gdal_translate.
func (g *GDAL) Translate(ctx context.Context, opts TranslateOptions) error {
	if _, err := g.run.Run(ctx, "gdal_translate", g.TranslateArgs(opts)...); err != nil {
		return Error.New("translate %s: %w", opts.Dest, err)
	}
	return nil
}

type gdalInfo struct {
	Bands []struct {
		Histogram *struct {
			Count   int     `json:"count"`
			Min     float64 `json:"min"`
			Max     float64 `json:"max"`
			Buckets []int64 `json:"buckets"`
		} `json:"histogram"`
	} `json:"bands"`
}

// Histogram reads the first band's histogram through gdalinfo and returns
// the counts of the integer values lo..hi. gdalinfo leaves a .aux.xml
// sidecar behind, which is removed.
func (g *GDAL) Histogram(ctx context.Context, path string, lo, hi int) (Histogram, error) {
	out, err := g.run.Run(ctx, "gdalinfo", "-json", "-hist", path)
	if err != nil {
		return nil, Error.New("histogram %s: %w", path, err)
	}
	if err := os.Remove(path + ".aux.xml"); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.log.Warn("remove histogram sidecar", zap.String("path", path), zap.Error(err))
	}
	return parseHistogram(out, lo, hi)
}

func parseHistogram(out []byte, lo, hi int) (Histogram, error) {
	var info gdalInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, Error.New("parse gdalinfo: %w", err)
	}
	if len(info.Bands) == 0 || info.Bands[0].Histogram == nil {
		return nil, Error.New("gdalinfo: no histogram")
	}

	hist := info.Bands[0].Histogram
	h := Histogram{}
	if len(hist.Buckets) == 0 {
		return h, nil
	}
	width := (hist.Max - hist.Min) / float64(len(hist.Buckets))
	for i, count := range hist.Buckets {
		v := int(math.Round(hist.Min + (float64(i)+0.5)*width))
		if v < lo || v > hi || count == 0 {
			continue
		}
		h[v] += count
	}
	return h, nil
}

// AddOverviews runs gdaladdo.
func (g *GDAL) AddOverviews(ctx context.Context, path string, levels []int) error {
	args := []string{path}
	for _, l := range levels {
		args = append(args, strconv.Itoa(l))
	}
	if _, err := g.run.Run(ctx, "gdaladdo", args...); err != nil {
		return Error.New("overviews %s: %w", path, err)
	}
	return nil
}

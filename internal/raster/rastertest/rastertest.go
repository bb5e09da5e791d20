// Package rastertest provides an in-process raster.Tool that stores rasters
// as small JSON grids on disk. It follows the same overlay, no-data and calc
// rules as the GDAL implementation so tile builds can be verified pixel by
// pixel.
package rastertest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// Raster is a single-band grid. A nil pixel lies outside the raster's
// footprint and is never written by warps or merges.
type Raster struct {
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Type      raster.DataType `json:"type,omitempty"`
	NoData    *float64        `json:"nodata,omitempty"`
	Bands     int             `json:"bands,omitempty"`
	Pixels    []*float64      `json:"pixels"`
	Overviews []int           `json:"overviews,omitempty"`
	Creation  []string        `json:"creation,omitempty"`
}

// F returns a pointer to v.
func F(v float64) *float64 { return &v }

// Grid builds a w×h raster from row-major values; NaN marks pixels outside
// the footprint.
func Grid(w, h int, nodata *float64, values ...float64) Raster {
	if len(values) != w*h {
		panic(fmt.Sprintf("rastertest: %d values for %dx%d grid", len(values), w, h))
	}
	r := Raster{Width: w, Height: h, NoData: nodata, Pixels: make([]*float64, len(values))}
	for i, v := range values {
		if !math.IsNaN(v) {
			r.Pixels[i] = F(v)
		}
	}
	return r
}

// Values returns the pixels with NaN for uncovered ones.
func (r Raster) Values() []float64 {
	out := make([]float64, len(r.Pixels))
	for i, p := range r.Pixels {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	return out
}

// Distinct returns the set of covered pixel values.
func (r Raster) Distinct() map[float64]bool {
	set := map[float64]bool{}
	for _, p := range r.Pixels {
		if p != nil {
			set[*p] = true
		}
	}
	return set
}

// Write stores r at path.
func Write(path string, r Raster) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Read loads the raster at path.
func Read(path string) (Raster, error) {
	var r Raster
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Call records one tool invocation.
type Call struct {
	Op   string
	Dest string
}

// Tool is an in-process raster.Tool.
type Tool struct {
	mu    sync.Mutex
	calls []Call

	// Fail, when set, is returned by the operation writing that destination.
	Fail map[string]error
}

var _ raster.Tool = (*Tool)(nil)

// New returns an empty tool.
func New() *Tool {
	return &Tool{Fail: map[string]error{}}
}

// Calls returns the invocations so far.
func (t *Tool) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Count returns how many invocations used op.
func (t *Tool) Count(op string) int {
	n := 0
	for _, c := range t.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (t *Tool) record(op, dest string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, Call{Op: op, Dest: dest})
	if err := t.Fail[dest]; err != nil {
		return err
	}
	return nil
}

func readAll(paths []string) ([]Raster, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no sources")
	}
	out := make([]Raster, len(paths))
	for i, p := range paths {
		r, err := Read(p)
		if err != nil {
			return nil, err
		}
		if i > 0 && len(r.Pixels) != len(out[0].Pixels) {
			return nil, fmt.Errorf("%s: grid size mismatch", p)
		}
		out[i] = r
	}
	return out, nil
}

func resolve(n raster.NoData, inherited *float64) *float64 {
	switch {
	case n.IsSet():
		return F(n.Float())
	case n.IsNone():
		return nil
	}
	return inherited
}

// mosaic writes the first valid source pixel at every position.
func mosaic(srcs []Raster, srcND func(Raster) *float64, dst *float64) Raster {
	init := 0.0
	if dst != nil {
		init = *dst
	}
	out := Raster{
		Width:  srcs[0].Width,
		Height: srcs[0].Height,
		Type:   srcs[0].Type,
		NoData: dst,
		Pixels: make([]*float64, len(srcs[0].Pixels)),
	}
	for i := range out.Pixels {
		out.Pixels[i] = F(init)
	}
	written := make([]bool, len(out.Pixels))
	for _, src := range srcs {
		nd := srcND(src)
		for i, p := range src.Pixels {
			if p == nil || written[i] || (nd != nil && *p == *nd) {
				continue
			}
			out.Pixels[i] = F(*p)
			written[i] = true
		}
	}
	return out
}

// Warp mosaics sources in overlay order into the window.
func (t *Tool) Warp(_ context.Context, opts raster.WarpOptions) error {
	if err := t.record("warp", opts.Dest); err != nil {
		return err
	}
	srcs, err := readAll(opts.Sources)
	if err != nil {
		return raster.Error.New("warp %s: %w", opts.Dest, err)
	}
	srcND := func(r Raster) *float64 { return resolve(opts.SrcNoData, r.NoData) }
	out := mosaic(srcs, srcND, resolve(opts.DstNoData, srcND(srcs[0])))
	if opts.Type != "" {
		out.Type = opts.Type
	}
	out.Creation = raster.DefaultCreation
	return Write(opts.Dest, out)
}

// Calc evaluates the expression per pixel.
func (t *Tool) Calc(_ context.Context, opts raster.CalcOptions) error {
	if err := t.record("calc", opts.Dest); err != nil {
		return err
	}
	paths := []string{opts.A}
	if opts.B != "" {
		paths = append(paths, opts.B)
	}
	ins, err := readAll(paths)
	if err != nil {
		return raster.Error.New("calc %s: %w", opts.Dest, err)
	}

	var nd *float64
	if opts.NoData.IsSet() {
		nd = F(opts.NoData.Float())
	}
	fill := 0.0
	if nd != nil {
		fill = *nd
	}

	a := ins[0]
	out := Raster{
		Width:    a.Width,
		Height:   a.Height,
		Type:     opts.Type,
		NoData:   nd,
		Pixels:   make([]*float64, len(a.Pixels)),
		Creation: raster.DefaultCreation,
	}
	if out.Type == "" {
		out.Type = a.Type
	}
	for i, pa := range a.Pixels {
		if pa == nil {
			continue
		}
		bv := 0.0
		masked := !opts.HideNoData && a.NoData != nil && *pa == *a.NoData
		if len(ins) > 1 {
			pb := ins[1].Pixels[i]
			if pb == nil {
				continue
			}
			bv = *pb
			masked = masked || (!opts.HideNoData && ins[1].NoData != nil && bv == *ins[1].NoData)
		}
		if masked {
			out.Pixels[i] = F(fill)
			continue
		}
		out.Pixels[i] = F(opts.Expr.Eval(*pa, bv))
	}
	return Write(opts.Dest, out)
}

// Merge mosaics same-grid rasters in overlay order, or stacks them as bands.
func (t *Tool) Merge(_ context.Context, opts raster.MergeOptions) error {
	if err := t.record("merge", opts.Dest); err != nil {
		return err
	}
	srcs, err := readAll(opts.Sources)
	if err != nil {
		return raster.Error.New("merge %s: %w", opts.Dest, err)
	}

	var nd *float64
	if opts.NoData.IsSet() {
		nd = F(opts.NoData.Float())
	}
	var out Raster
	if opts.Separate {
		out = srcs[0]
		out.Bands = len(srcs)
		out.NoData = nd
	} else {
		out = mosaic(srcs, func(Raster) *float64 { return nd }, nd)
	}
	if opts.Type != "" {
		out.Type = opts.Type
	}
	out.Creation = raster.DefaultCreation
	return Write(opts.Dest, out)
}

// Translate copies a raster, retagging, converting and scaling it.
func (t *Tool) Translate(_ context.Context, opts raster.TranslateOptions) error {
	if err := t.record("translate", opts.Dest); err != nil {
		return err
	}
	in, err := Read(opts.Source)
	if err != nil {
		return raster.Error.New("translate %s: %w", opts.Dest, err)
	}

	out := in
	out.NoData = resolve(opts.NoData, in.NoData)
	out.Pixels = make([]*float64, len(in.Pixels))
	for i, p := range in.Pixels {
		if p == nil {
			continue
		}
		v := *p
		if s := opts.Scale; s != nil {
			v = s.DstMin + (v-s.SrcMin)*(s.DstMax-s.DstMin)/(s.SrcMax-s.SrcMin)
			v = math.Round(math.Max(s.DstMin, math.Min(s.DstMax, v)))
		}
		out.Pixels[i] = F(v)
	}
	if opts.Type != "" {
		out.Type = opts.Type
	}
	out.Creation = opts.Creation
	if len(out.Creation) == 0 {
		out.Creation = raster.DefaultCreation
	}
	return Write(opts.Dest, out)
}

// Histogram counts covered, non-no-data pixels with integer values lo..hi.
func (t *Tool) Histogram(_ context.Context, path string, lo, hi int) (raster.Histogram, error) {
	if err := t.record("histogram", path); err != nil {
		return nil, err
	}
	r, err := Read(path)
	if err != nil {
		return nil, raster.Error.New("histogram %s: %w", path, err)
	}
	h := raster.Histogram{}
	for _, p := range r.Pixels {
		if p == nil || (r.NoData != nil && *p == *r.NoData) {
			continue
		}
		v := int(*p)
		if float64(v) != *p || v < lo || v > hi {
			continue
		}
		h[v]++
	}
	return h, nil
}

// AddOverviews records the overview levels on the raster.
func (t *Tool) AddOverviews(_ context.Context, path string, levels []int) error {
	if err := t.record("overviews", path); err != nil {
		return err
	}
	r, err := Read(path)
	if err != nil {
		return raster.Error.New("overviews %s: %w", path, err)
	}
	r.Overviews = append(r.Overviews, levels...)
	return Write(path, r)
}

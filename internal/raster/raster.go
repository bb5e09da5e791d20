// Package raster defines the raster primitives the tile builder composes:
// warp, calc, merge, translate, histogram and overviews.
//
// Source lists are always given in overlay order: where sources overlap,
// the first source's valid pixel wins.
package raster

import (
	"context"
	"strconv"

	"github.com/zeebo/errs"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// Error is the error class for raster tool failures.
var Error = errs.Class("raster")

// DataType is an output pixel type.
type DataType string

// Pixel types used by ARD products.
const (
	Byte   DataType = "Byte"
	Int16  DataType = "Int16"
	UInt16 DataType = "UInt16"
)

type noDataKind int

const (
	noDataInherit noDataKind = iota
	noDataNone
	noDataValue
)

// NoData is an optional no-data value. The zero value inherits whatever the
// input raster declares.
type NoData struct {
	kind  noDataKind
	value float64
}

// None explicitly disables no-data handling.
var None = NoData{kind: noDataNone}

// Value returns a no-data setting of v.
func Value(v float64) NoData {
	return NoData{kind: noDataValue, value: v}
}

// IsSet reports whether an explicit value is configured.
func (n NoData) IsSet() bool { return n.kind == noDataValue }

// IsNone reports whether no-data is explicitly disabled.
func (n NoData) IsNone() bool { return n.kind == noDataNone }

// Inherit reports whether the input's own no-data applies.
func (n NoData) Inherit() bool { return n.kind == noDataInherit }

// Float returns the configured value; zero unless IsSet.
func (n NoData) Float() float64 { return n.value }

// String renders the setting in GDAL syntax.
func (n NoData) String() string {
	switch n.kind {
	case noDataNone:
		return "None"
	case noDataValue:
		return strconv.FormatFloat(n.value, 'f', -1, 64)
	}
	return ""
}

// Window is a clip rectangle in projection units.
type Window struct {
	ULX float64
	URY float64
	LRX float64
	LLY float64
}

// WindowOf returns the tile's extent.
func WindowOf(t ard.TileCoord) Window {
	return Window{ULX: t.ULX, URY: t.URY, LRX: t.LRX, LLY: t.LLY}
}

// WarpOptions describes a warp-mosaic of sources into a window.
type WarpOptions struct {
	// Sources are overlaid in order: the first valid pixel wins.
	Sources []string
	Dest    string
	Window  Window
	// SrcNoData marks source pixels to skip; DstNoData initialises and tags
	// the output. Unset values fall back to the sources' own tags and None
	// disables no-data.
	SrcNoData NoData
	DstNoData NoData
	Type      DataType
}

// CalcOptions describes a pixel expression over inputs A and optional B.
// Pixels where an input is no-data become NoData unless HideNoData is set.
type CalcOptions struct {
	A          string
	B          string
	Expr       Expr
	Dest       string
	Type       DataType
	NoData     NoData
	HideNoData bool
}

// MergeOptions describes a mosaic of same-grid rasters. Source pixels equal
// to NoData are ignored and the output is initialised with it. Separate
// stacks the sources as bands instead.
type MergeOptions struct {
	Sources  []string
	Dest     string
	NoData   NoData
	Type     DataType
	Separate bool
}

// Scale maps [SrcMin, SrcMax] linearly onto [DstMin, DstMax].
type Scale struct {
	SrcMin, SrcMax float64
	DstMin, DstMax float64
}

// TranslateOptions rewrites a raster, optionally retagging its no-data,
// converting its type or rescaling it.
type TranslateOptions struct {
	Source string
	Dest   string
	NoData NoData
	Type   DataType
	Scale  *Scale

	// Creation replaces the default creation options when non-empty.
	Creation []string
}

// Histogram holds integer bin counts.
type Histogram map[int]int64

// Count returns the number of pixels equal to v.
func (h Histogram) Count(v int) int64 { return h[v] }

// Present returns how many of the values lo..hi have a non-zero count.
func (h Histogram) Present(lo, hi int) int {
	n := 0
	for v := lo; v <= hi; v++ {
		if h[v] > 0 {
			n++
		}
	}
	return n
}

// Tool performs raster operations. Every output is a deflate-compressed
// tiled GeoTIFF unless creation options say otherwise.
type Tool interface {
	Warp(ctx context.Context, opts WarpOptions) error
	Calc(ctx context.Context, opts CalcOptions) error
	Merge(ctx context.Context, opts MergeOptions) error
	Translate(ctx context.Context, opts TranslateOptions) error
	Histogram(ctx context.Context, path string, lo, hi int) (Histogram, error)
	AddOverviews(ctx context.Context, path string, levels []int) error
}

// DefaultCreation are the GeoTIFF creation options of every product band.
var DefaultCreation = []string{"COMPRESS=DEFLATE", "PREDICTOR=2", "ZLEVEL=9", "TILED=YES"}

// BrowseCreation are the creation options of the browse image.
var BrowseCreation = []string{"COMPRESS=JPEG", "PHOTOMETRIC=YCBCR", "TILED=YES"}

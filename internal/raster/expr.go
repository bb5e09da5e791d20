package raster

import (
	"fmt"
	"strconv"
)

// Expr is a calc expression over inputs A and B.
type Expr interface {
	// GDAL renders the expression in gdal_calc.py syntax.
	GDAL() string
	// Eval computes one output pixel.
	Eval(a, b float64) float64
}

// LevelMask marks every valid reflectance pixel with Level.
type LevelMask struct{ Level int }

func (e LevelMask) GDAL() string { return fmt.Sprintf("%d*(A>-101)", e.Level) }

func (e LevelMask) Eval(a, _ float64) float64 {
	return float64(e.Level) * b2f(a > -101)
}

// Subtract lowers every pixel by N.
type Subtract struct{ N int }

func (e Subtract) GDAL() string { return fmt.Sprintf("A-%d", e.N) }

func (e Subtract) Eval(a, _ float64) float64 { return a - float64(e.N) }

// DropThree lowers pixels equal to 3 by one and leaves the rest.
type DropThree struct{}

func (DropThree) GDAL() string { return "A-(A==3)" }

func (DropThree) Eval(a, _ float64) float64 { return a - b2f(a == 3) }

// LineageMask keeps A where lineage B equals Level and writes Fill elsewhere.
type LineageMask struct {
	Level int
	Fill  float64
}

func (e LineageMask) GDAL() string {
	s := fmt.Sprintf("A*(B==%d)", e.Level)
	if e.Fill != 0 {
		s += fmt.Sprintf("+(%s)*(B!=%d)", strconv.FormatFloat(e.Fill, 'f', -1, 64), e.Level)
	}
	return s
}

func (e LineageMask) Eval(a, b float64) float64 {
	hit := b == float64(e.Level)
	return a*b2f(hit) + e.Fill*b2f(!hit)
}

// BitSet is 1 where bit Bit of A is set.
type BitSet struct{ Bit int }

func (e BitSet) GDAL() string { return fmt.Sprintf("((A>>%d)&1)==1", e.Bit) }

func (e BitSet) Eval(a, _ float64) float64 {
	return b2f((int64(a)>>e.Bit)&1 == 1)
}

// BitPair is 1 where the two bits starting at Bit equal Value.
type BitPair struct {
	Bit   int
	Value int
}

func (e BitPair) GDAL() string { return fmt.Sprintf("((A>>%d)&3)==%d", e.Bit, e.Value) }

func (e BitPair) Eval(a, _ float64) float64 {
	return b2f((int64(a)>>e.Bit)&3 == int64(e.Value))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

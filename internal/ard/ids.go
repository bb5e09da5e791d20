package ard

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the YYYYMMDD layout used inside product and tile IDs.
const DateLayout = "20060102"

// ProductID is a parsed Landsat collection product identifier.
type ProductID struct {
	Mission    Mission
	Proc       string
	Path       int
	Row        int
	AcqDate    time.Time
	ProcDate   time.Time
	Collection int
	Category   string
}

// ParseProductID parses a product ID such as LC08_L1TP_081014_20180228_20180308_01_T1.
func ParseProductID(s string) (ProductID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 7 {
		return ProductID{}, fmt.Errorf("product id %q: expected 7 fields, got %d", s, len(parts))
	}

	mission, err := ParseMission(parts[0])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: %w", s, err)
	}

	pathRow := parts[2]
	if len(pathRow) != 6 {
		return ProductID{}, fmt.Errorf("product id %q: malformed path/row %q", s, pathRow)
	}
	path, err := strconv.Atoi(pathRow[:3])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: path: %w", s, err)
	}
	row, err := strconv.Atoi(pathRow[3:])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: row: %w", s, err)
	}

	acq, err := ParseDate(parts[3])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: acquisition date: %w", s, err)
	}
	proc, err := ParseDate(parts[4])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: processing date: %w", s, err)
	}

	collection, err := strconv.Atoi(parts[5])
	if err != nil {
		return ProductID{}, fmt.Errorf("product id %q: collection: %w", s, err)
	}

	return ProductID{
		Mission:    mission,
		Proc:       parts[1],
		Path:       path,
		Row:        row,
		AcqDate:    acq,
		ProcDate:   proc,
		Collection: collection,
		Category:   parts[6],
	}, nil
}

// String renders the canonical product ID.
func (p ProductID) String() string {
	return fmt.Sprintf("%s_%s_%03d%03d_%s_%s_%02d_%s",
		p.Mission, p.Proc, p.Path, p.Row,
		FormatDate(p.AcqDate), FormatDate(p.ProcDate),
		p.Collection, p.Category)
}

// Wildcard returns a SQL LIKE pattern matching any processing of the same
// mission, path, row and acquisition day.
func (p ProductID) Wildcard() string {
	return fmt.Sprintf("%s_%%_%03d%03d_%s_%%", p.Mission, p.Path, p.Row, FormatDate(p.AcqDate))
}

// TileID identifies one built ARD tile.
type TileID struct {
	Mission    Mission
	Region     string
	H          int
	V          int
	AcqDate    time.Time
	ProdDate   time.Time
	Collection int
	Version    int
}

// String renders the canonical tile ID.
func (t TileID) String() string {
	return fmt.Sprintf("%s_%s_%03d%03d_%s_%s_C%02d_V%02d",
		t.Mission, t.Region, t.H, t.V,
		FormatDate(t.AcqDate), FormatDate(t.ProdDate),
		t.Collection, t.Version)
}

// ParseTileID parses a tile ID such as LC08_CU_003002_20180228_20181016_C01_V01.
func ParseTileID(s string) (TileID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 7 {
		return TileID{}, fmt.Errorf("tile id %q: expected 7 fields, got %d", s, len(parts))
	}
	mission, err := ParseMission(parts[0])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: %w", s, err)
	}
	if len(parts[2]) != 6 {
		return TileID{}, fmt.Errorf("tile id %q: malformed h/v %q", s, parts[2])
	}
	h, err := strconv.Atoi(parts[2][:3])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: h: %w", s, err)
	}
	v, err := strconv.Atoi(parts[2][3:])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: v: %w", s, err)
	}
	acq, err := ParseDate(parts[3])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: acquisition date: %w", s, err)
	}
	prod, err := ParseDate(parts[4])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: production date: %w", s, err)
	}
	if !strings.HasPrefix(parts[5], "C") || !strings.HasPrefix(parts[6], "V") {
		return TileID{}, fmt.Errorf("tile id %q: malformed collection/version", s)
	}
	collection, err := strconv.Atoi(parts[5][1:])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: collection: %w", s, err)
	}
	version, err := strconv.Atoi(parts[6][1:])
	if err != nil {
		return TileID{}, fmt.Errorf("tile id %q: version: %w", s, err)
	}
	return TileID{
		Mission:    mission,
		Region:     parts[1],
		H:          h,
		V:          v,
		AcqDate:    acq,
		ProdDate:   prod,
		Collection: collection,
		Version:    version,
	}, nil
}

// ParseDate parses a YYYYMMDD date as a UTC day.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate renders t as YYYYMMDD in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

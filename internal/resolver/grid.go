package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/peterstace/simplefeatures/geom"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
)

// TileSize is the edge length of an ARD tile in projection meters.
const TileSize = 150000.0

// Origin is the upper-left corner of tile (0, 0) in a region's Albers grid.
type Origin struct {
	X float64
	Y float64
}

// Origins holds the ARD grid origin per region.
var Origins = map[string]Origin{
	"CU": {X: -2565585, Y: 3314805},
	"AK": {X: -851715, Y: 2474325},
	"HI": {X: -444345, Y: 2168025},
}

// Extent computes a tile's projected bounds from its region origin.
func Extent(region string, h, v int) (ard.TileCoord, error) {
	o, ok := Origins[region]
	if !ok {
		return ard.TileCoord{}, fmt.Errorf("no grid origin for region %q", region)
	}
	ulx := o.X + float64(h)*TileSize
	ury := o.Y - float64(v)*TileSize
	return ard.TileCoord{
		H:   h,
		V:   v,
		ULX: ulx,
		URY: ury,
		LRX: ulx + TileSize,
		LLY: ury - TileSize,
	}, nil
}

// Cell is one grid feature with its footprint.
type Cell struct {
	Coord ard.TileCoord
	Geom  geom.Geometry
}

// Grid is a region's tile grid.
type Grid struct {
	Region string
	Cells  []Cell
}

// GridPath returns the shapefile path for a region's grid.
func GridPath(auxdir, region string) string {
	return filepath.Join(auxdir, region+"_ARD_tiles_geographic.shp")
}

// LoadGrid reads {auxdir}/{region}_ARD_tiles_geographic.shp. Features must
// carry H and V attributes; the UL_X, UR_Y, LR_X and LL_Y attributes are
// used when present and computed from the region origin otherwise.
func LoadGrid(auxdir, region string) (*Grid, error) {
	path := GridPath(auxdir, region)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load grid %s: %w", region, err)
	}

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load grid %s: %w", region, err)
	}
	defer r.Close()

	fields := map[string]int{}
	for i, f := range r.Fields() {
		fields[strings.ToUpper(f.String())] = i
	}
	hIdx, okH := fields["H"]
	vIdx, okV := fields["V"]
	if !okH || !okV {
		return nil, fmt.Errorf("load grid %s: missing H/V attributes", region)
	}
	extentIdx := make([]int, 0, 4)
	for _, name := range []string{"UL_X", "UR_Y", "LR_X", "LL_Y"} {
		if i, ok := fields[name]; ok {
			extentIdx = append(extentIdx, i)
		}
	}

	grid := &Grid{Region: region}
	for r.Next() {
		n, shape := r.Shape()

		h, err := attrInt(r, n, hIdx)
		if err != nil {
			return nil, fmt.Errorf("load grid %s: feature %d: H: %w", region, n, err)
		}
		v, err := attrInt(r, n, vIdx)
		if err != nil {
			return nil, fmt.Errorf("load grid %s: feature %d: V: %w", region, n, err)
		}

		var coord ard.TileCoord
		if len(extentIdx) == 4 {
			vals := make([]float64, 4)
			for i, idx := range extentIdx {
				if vals[i], err = attrFloat(r, n, idx); err != nil {
					return nil, fmt.Errorf("load grid %s: feature %d: extent: %w", region, n, err)
				}
			}
			coord = ard.TileCoord{H: h, V: v, ULX: vals[0], URY: vals[1], LRX: vals[2], LLY: vals[3]}
		} else if coord, err = Extent(region, h, v); err != nil {
			return nil, fmt.Errorf("load grid %s: %w", region, err)
		}

		g, err := shapeGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("load grid %s: feature %d: %w", region, n, err)
		}
		grid.Cells = append(grid.Cells, Cell{Coord: coord, Geom: g})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("load grid %s: %w", region, err)
	}
	return grid, nil
}

func attrFloat(r *shp.Reader, n, field int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(r.ReadAttribute(n, field)), 64)
}

func attrInt(r *shp.Reader, n, field int) (int, error) {
	f, err := attrFloat(r, n, field)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// shapeGeometry converts a polygon feature to a geometry. Every part is
// treated as the outer ring of its own polygon.
func shapeGeometry(s shp.Shape) (geom.Geometry, error) {
	var (
		parts  []int32
		points []shp.Point
	)
	switch p := s.(type) {
	case *shp.Polygon:
		parts, points = p.Parts, p.Points
	case *shp.PolyLine:
		parts, points = p.Parts, p.Points
	default:
		return geom.Geometry{}, fmt.Errorf("unsupported shape type %T", s)
	}
	if len(points) == 0 {
		return geom.Geometry{}, fmt.Errorf("empty shape")
	}

	var rings []string
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		rings = append(rings, "(("+ringWKT(points[start:end])+"))")
	}
	return geom.UnmarshalWKT("MULTIPOLYGON(" + strings.Join(rings, ",") + ")")
}

func ringWKT(pts []shp.Point) string {
	coords := make([]string, 0, len(pts)+1)
	for _, p := range pts {
		coords = append(coords, formatPoint(p.X, p.Y))
	}
	if first, last := pts[0], pts[len(pts)-1]; first != last {
		coords = append(coords, formatPoint(first.X, first.Y))
	}
	return strings.Join(coords, ",")
}

func formatPoint(x, y float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64) + " " + strconv.FormatFloat(y, 'f', -1, 64)
}

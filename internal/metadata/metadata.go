// Package metadata describes what the tile builder hands the external
// metadata writer: the tile, its contributing scenes, the bands of one xml
// group and the pixel-QA summary counts.
package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
)

// Error is the error class for metadata failures.
var Error = errs.Class("metadata")

// Bit is one pixel-QA condition counted for metadata.
type Bit struct {
	Name string
	Expr raster.Expr
}

// Bits returns the QA conditions counted for a mission.
func Bits(m ard.Mission) []Bit {
	bits := []Bit{
		{Name: "fill", Expr: raster.BitSet{Bit: 0}},
		{Name: "clear", Expr: raster.BitSet{Bit: 1}},
		{Name: "water", Expr: raster.BitSet{Bit: 2}},
		{Name: "cloud_shadow", Expr: raster.BitSet{Bit: 3}},
		{Name: "snow_ice", Expr: raster.BitSet{Bit: 4}},
		{Name: "cloud_cover", Expr: raster.BitSet{Bit: 5}},
	}
	if m.HasCirrus() {
		bits = append(bits,
			Bit{Name: "cirrus", Expr: raster.BitPair{Bit: 8, Value: 3}},
			Bit{Name: "terrain", Expr: raster.BitSet{Bit: 10}},
		)
	}
	return bits
}

// Counts maps a QA condition name to its pixel count.
type Counts map[string]int64

// Percent returns the share of non-fill pixels matching name, in percent.
func (c Counts) Percent(name string, total int64) float64 {
	valid := total - c["fill"]
	if valid <= 0 {
		return 0
	}
	return 100 * float64(c[name]) / float64(valid)
}

// Request is everything needed to write one xml group document.
type Request struct {
	TileID         string        `json:"tile_id"`
	Group          string        `json:"group"`
	Output         string        `json:"output"`
	Region         string        `json:"region"`
	Tile           ard.TileCoord `json:"tile"`
	Mission        ard.Mission   `json:"mission"`
	Scenes         []string      `json:"scenes"`
	Products       []string      `json:"products"`
	Bands          []string      `json:"bands"`
	Complete       bool          `json:"complete"`
	ProductionDate time.Time     `json:"production_date"`
	Counts         Counts        `json:"qa_counts"`
	TotalPixels    int64         `json:"total_pixels"`
}

// FileName returns the xml file name of a group.
func FileName(tileID, group string) string {
	if group == "ard" {
		return tileID + ".xml"
	}
	return tileID + "_" + strings.ToLower(group) + ".xml"
}

// Writer produces one xml group document.
type Writer interface {
	Write(ctx context.Context, req Request) error
}

// CommandWriter hands the request, as JSON, to an external command that
// writes the XML to req.Output.
type CommandWriter struct {
	log     *zap.Logger
	run     raster.Runner
	command string
}

// NewCommandWriter returns a writer running command <request.json>.
func NewCommandWriter(log *zap.Logger, run raster.Runner, command string) *CommandWriter {
	return &CommandWriter{log: log, run: run, command: command}
}

// Write stores the request next to the output and invokes the command.
func (w *CommandWriter) Write(ctx context.Context, req Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}
	reqPath := filepath.Join(filepath.Dir(req.Output), strings.TrimSuffix(filepath.Base(req.Output), ".xml")+"_request.json")
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return Error.Wrap(err)
	}

	if _, err := w.run.Run(ctx, w.command, reqPath); err != nil {
		return Error.New("write %s: %w", req.Output, err)
	}
	if _, err := os.Stat(req.Output); err != nil {
		return Error.New("write %s: %w", req.Output, err)
	}

	w.log.Debug("metadata written", zap.String("tile", req.TileID), zap.String("group", req.Group))
	return os.Remove(reqPath)
}

// Package tilebuilder builds one ARD tile from its contributing scenes:
// lineage first, then every requested band by its band class, then
// metadata, product archives and the browse image.
//
// The lineage raster records, per pixel, which contributing scene supplied
// it (1..K in overlay order, 0 for none). When fewer than K scenes supply
// pixels it is renumbered so its values stay a contiguous run from 1, and a
// tile with no lineage pixels at all is NOT NEEDED and never recorded.
//
// Bands are mosaicked by class:
//
//	1, 2  warp all scenes with the class fill as source and target no-data
//	3     warp, then rewrite with no source no-data and target no-data 0
//	4, 5  clip each scene alone, then merge the clips
//	6-8   clip each scene, keep the pixels the lineage assigns to it, merge
//
// Classes 6 to 8 have no usable outside-footprint value, so they read the
// lineage raster and must run after it.
//
// Each raster step is skipped when its output already exists, so a build
// interrupted at any band boundary resumes where it stopped.
package tilebuilder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/metadata"
	"github.com/ldj01/ard-tile-sub000/internal/profile"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
	"github.com/ldj01/ard-tile-sub000/internal/resolver"
	"github.com/ldj01/ard-tile-sub000/internal/staging"
	"github.com/ldj01/ard-tile-sub000/internal/store"
)

var mon = monkit.Package()

// Store is the subset of the state store a tile build uses.
type Store interface {
	CheckTile(ctx context.Context, tileID string) (*store.TileRecord, error)
	InsertTile(ctx context.Context, tileID string, sceneIDs []string, complete bool, state string) (bool, error)
	FetchContributingFile(ctx context.Context, satellite ard.Mission, wildcard string) ([]store.ContributingFile, error)
}

// Unpacker extracts a scene archive and returns the directory holding its
// band files.
type Unpacker interface {
	Unpack(ctx context.Context, productID, archive string) (string, error)
}

// Options configures a builder.
type Options struct {
	// WorkDir holds one scratch directory per tile, named by tile id.
	WorkDir string
	// OutDir receives the product tars, their md5 sidecars and the browse
	// image.
	OutDir string
	// Products are the product names to package, each a key of the
	// profile's package table. They also select the bands to build and the
	// xml groups to write.
	Products []string
	// MinScenes and MaxScenes bound the contributing scene count K of a
	// tile. Defaults are 1 and 3.
	MinScenes int
	MaxScenes int
	// Collection and Version are stamped into tile ids (C01, V01). Both
	// default to 1.
	Collection int
	Version    int
	// Resolution is the pixel size in meters used for the total pixel
	// count of the metadata. Default 30.
	Resolution float64
	// Debug keeps the tile work directory after a successful build.
	Debug bool
}

// Outcome is the terminal result of a tile build that did not fail.
type Outcome int

const (
	// OutcomeBuilt means the tile was produced and recorded.
	OutcomeBuilt Outcome = iota + 1
	// OutcomeNotNeeded means no contributing pixel falls in the tile.
	OutcomeNotNeeded
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeBuilt:
		return "BUILT"
	case OutcomeNotNeeded:
		return "NOT NEEDED"
	}
	return "UNKNOWN"
}

// Result describes a finished tile.
type Result struct {
	Outcome  Outcome
	TileID   string
	Scenes   []string
	Complete bool
	// Contributing is the number of scenes that supplied lineage pixels.
	Contributing int
	Archives     []string
}

// Builder builds tiles.
type Builder struct {
	log      *zap.Logger
	store    Store
	tool     raster.Tool
	profile  profile.Profile
	unpacker Unpacker
	stager   staging.Stager
	meta     metadata.Writer
	opts     Options

	// Now stamps tile ids with the production date.
	Now func() time.Time
	// Glob expands archive locations.
	Glob func(pattern string) ([]string, error)
}

// New creates a tile builder.
func New(log *zap.Logger, st Store, tool raster.Tool, prof profile.Profile, unpacker Unpacker, stager staging.Stager, meta metadata.Writer, opts Options) *Builder {
	if opts.MinScenes <= 0 {
		opts.MinScenes = 1
	}
	if opts.MaxScenes <= 0 {
		opts.MaxScenes = 3
	}
	if opts.Resolution <= 0 {
		opts.Resolution = 30
	}
	if opts.Collection <= 0 {
		opts.Collection = 1
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	if stager == nil {
		stager = staging.Nop{}
	}
	return &Builder{
		log:      log,
		store:    st,
		tool:     tool,
		profile:  prof,
		unpacker: unpacker,
		stager:   stager,
		meta:     meta,
		opts:     opts,
		Now:      func() time.Time { return time.Now().UTC() },
		Glob:     filepath.Glob,
	}
}

// TileID returns the id a tile of scene would get if built now.
func (b *Builder) TileID(scene ard.Scene, region string, tile ard.TileCoord) string {
	return ard.TileID{
		Mission:    scene.Satellite,
		Region:     region,
		H:          tile.H,
		V:          tile.V,
		AcqDate:    scene.AcquisitionDate,
		ProdDate:   b.Now(),
		Collection: b.opts.Collection,
		Version:    b.opts.Version,
	}.String()
}

// layer is one contributing scene at its overlay level.
type layer struct {
	level     int
	productID string
	dir       string
}

func (l layer) band(input string) string {
	return filepath.Join(l.dir, l.productID+"_"+input+".tif")
}

// tileJob carries the state of one tile build through its stages.
type tileJob struct {
	log      *zap.Logger
	tileID   string
	region   string
	scene    ard.Scene
	tile     ard.TileCoord
	window   raster.Window
	family   *profile.Family
	dir      string
	scenes   []string
	complete bool
	layers   []layer
	// present holds the layers with lineage pixels, renumbered from 1.
	present []layer
	outDir  string
}

func (j *tileJob) path(short string) string {
	return filepath.Join(j.dir, j.tileID+"_"+short+".tif")
}

func (j *tileJob) lineagePath() string {
	return j.path(profile.LineageShort)
}

// Build runs the tile state machine for one tile of scene. A tile whose
// lineage is empty returns OutcomeNotNeeded and no error.
func (b *Builder) Build(ctx context.Context, scene ard.Scene, region string, c resolver.Contribution) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	tileID := b.TileID(scene, region, c.Tile)
	log := b.log.With(zap.String("tile", tileID), zap.String("scene", scene.ProductID))

	stage := "resolving"
	defer func() {
		if err != nil && !IsAlreadyBuilt(err) && !IsInvalid(err) {
			err = Error.New("%s: %s: %w", tileID, stage, err)
		}
	}()

	rec, err := b.store.CheckTile(ctx, tileID)
	if err != nil {
		return Result{}, err
	}
	if rec != nil {
		return Result{}, NewAlreadyBuiltError(tileID)
	}

	family, err := b.profile.For(scene.Satellite)
	if err != nil {
		return Result{}, err
	}

	archives, err := b.contributions(ctx, scene, c.Neighbors)
	if err != nil {
		return Result{}, err
	}
	k := len(archives)
	if k < b.opts.MinScenes || k > b.opts.MaxScenes {
		return Result{}, NewInvalidContributionsError(tileID, k, b.opts.MinScenes, b.opts.MaxScenes)
	}

	ids := make([]string, 0, k)
	for id := range archives {
		ids = append(ids, id)
	}
	// Ascending product ids put the northernmost row first.
	sort.Strings(ids)

	job := &tileJob{
		log:      log,
		tileID:   tileID,
		region:   region,
		scene:    scene,
		tile:     c.Tile,
		window:   raster.WindowOf(c.Tile),
		family:   family,
		dir:      filepath.Join(b.opts.WorkDir, tileID),
		scenes:   ids,
		complete: k == len(c.Neighbors),
		outDir:   b.opts.OutDir,
	}

	stage = "staging"
	paths := make([]string, 0, k)
	for _, id := range ids {
		paths = append(paths, archives[id])
	}
	if err := b.stager.Stage(ctx, paths); err != nil {
		return Result{}, err
	}
	for i, id := range ids {
		dir, err := b.unpacker.Unpack(ctx, id, archives[id])
		if err != nil {
			return Result{}, err
		}
		job.layers = append(job.layers, layer{level: i + 1, productID: id, dir: dir})
	}
	if err := os.MkdirAll(job.dir, 0o755); err != nil {
		return Result{}, err
	}

	stage = "lineage"
	count, err := b.lineage(ctx, job)
	if err != nil {
		return Result{}, err
	}
	if count == 0 {
		log.Info("tile not needed")
		mon.Counter("tiles_not_needed").Inc(1)
		b.cleanup(job)
		return Result{Outcome: OutcomeNotNeeded, TileID: tileID, Scenes: ids, Complete: job.complete}, nil
	}

	stage = "banding"
	bands := family.Bands(b.opts.Products)
	for _, band := range bands {
		if err := b.band(ctx, job, band); err != nil {
			return Result{}, err
		}
	}

	stage = "metadata"
	if err := b.metadata(ctx, job); err != nil {
		return Result{}, err
	}

	stage = "packaging"
	tars, err := b.pack(job)
	if err != nil {
		return Result{}, err
	}

	stage = "browse"
	if err := b.browse(ctx, job); err != nil {
		return Result{}, err
	}

	stage = "recording"
	inserted, err := b.store.InsertTile(ctx, tileID, ids, job.complete, ard.TileStateSuccess)
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		log.Warn("tile recorded by another task")
	}
	b.cleanup(job)

	mon.Counter("tiles_built").Inc(1)
	log.Info("tile built",
		zap.Int("scenes", k),
		zap.Int("contributing", count),
		zap.Bool("complete", job.complete))

	return Result{
		Outcome:      OutcomeBuilt,
		TileID:       tileID,
		Scenes:       ids,
		Complete:     job.complete,
		Contributing: count,
		Archives:     tars,
	}, nil
}

// contributions maps each neighbor descriptor to a product id and archive.
// The segment's own scene matches by exact path, row and day; the others
// are looked up in inventory. Descriptors without an archive on disk do not
// contribute.
func (b *Builder) contributions(ctx context.Context, scene ard.Scene, neighbors []ard.NeighborDescriptor) (map[string]string, error) {
	out := map[string]string{}
	for _, d := range neighbors {
		if d.Matches(scene) {
			out[scene.ProductID] = scene.FileLocation
			continue
		}

		files, err := b.store.FetchContributingFile(ctx, d.Mission, d.Wildcard())
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			b.log.Debug("neighbor not in inventory", zap.String("wildcard", d.Wildcard()))
			continue
		}
		pick := files[0]
		for _, f := range files {
			pid, err := ard.ParseProductID(f.ProductID)
			if err == nil && pid.ProcDate.Equal(d.ProcDate) {
				pick = f
				break
			}
		}

		matches, err := b.Glob(pick.FileLocation)
		if err != nil || len(matches) == 0 {
			b.log.Warn("neighbor archive not found",
				zap.String("neighbor", pick.ProductID),
				zap.String("location", pick.FileLocation),
				zap.Error(err))
			continue
		}
		sort.Strings(matches)
		out[pick.ProductID] = matches[0]
	}
	return out, nil
}

func (b *Builder) cleanup(job *tileJob) {
	if b.opts.Debug {
		return
	}
	if err := os.RemoveAll(job.dir); err != nil {
		job.log.Warn("remove tile work directory", zap.String("dir", job.dir), zap.Error(err))
	}
}

// exists reports whether path is present, logging reuse.
func exists(log *zap.Logger, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		log.Debug("reusing existing output", zap.String("path", path))
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// produce runs write into a temporary path next to dest and renames the
// result into place, unless dest already exists.
func produce(log *zap.Logger, dest string, write func(tmp string) error) error {
	ok, err := exists(log, dest)
	if err != nil || ok {
		return err
	}
	tmp := partial(dest)
	_ = os.Remove(tmp)
	if err := write(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// partial names the in-progress file for dest, keeping its extension.
func partial(dest string) string {
	ext := filepath.Ext(dest)
	return dest[:len(dest)-len(ext)] + ".partial" + ext
}

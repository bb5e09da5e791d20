package tilebuilder

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/metadata"
	"github.com/ldj01/ard-tile-sub000/internal/profile"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
	"github.com/ldj01/ard-tile-sub000/internal/raster/rastertest"
	"github.com/ldj01/ard-tile-sub000/internal/resolver"
	"github.com/ldj01/ard-tile-sub000/internal/store"
	"github.com/ldj01/ard-tile-sub000/internal/testutil"
)

const (
	sceneA = "LC08_L1TP_081014_20180228_20180308_01_T1"
	sceneB = "LC08_L1TP_081015_20180228_20180308_01_T1"
	sceneC = "LC08_L1TP_081016_20180228_20180308_01_T1"
)

var (
	nan      = math.NaN()
	testTile = ard.TileCoord{H: 3, V: 2, ULX: 0, URY: 120, LRX: 120, LLY: 0}
)

// fakeStore keeps completed tiles and inventory in memory.
type fakeStore struct {
	mu        sync.Mutex
	tiles     map[string]store.TileRecord
	inventory []store.ContributingFile
	inserts   int
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{tiles: map[string]store.TileRecord{}}
	for _, id := range ids {
		s.inventory = append(s.inventory, store.ContributingFile{ProductID: id, FileLocation: "/archive/" + id + ".tar.gz"})
	}
	return s
}

func (s *fakeStore) CheckTile(_ context.Context, tileID string) (*store.TileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tiles[tileID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) InsertTile(_ context.Context, tileID string, ids []string, complete bool, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if _, ok := s.tiles[tileID]; ok {
		return false, nil
	}
	s.tiles[tileID] = store.TileRecord{TileID: tileID, ContributingScenes: ids, Complete: complete, State: state}
	return true, nil
}

func (s *fakeStore) FetchContributingFile(_ context.Context, sat ard.Mission, wildcard string) ([]store.ContributingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.SplitN(wildcard, "%", 2)[0]
	middle := strings.Split(wildcard, "%")[1]
	var out []store.ContributingFile
	for _, f := range s.inventory {
		if strings.HasPrefix(f.ProductID, prefix) && strings.Contains(f.ProductID, middle) && strings.HasPrefix(f.ProductID, string(sat)) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID > out[j].ProductID })
	return out, nil
}

// fakeUnpacker writes every input band of a scene as a 4×1 grid. Pixels
// outside the scene's coverage are outside its footprint.
type fakeUnpacker struct {
	root     string
	family   *profile.Family
	coverage map[string][]bool
	values   map[string]float64
	byClass  bool
	calls    []string
}

func (u *fakeUnpacker) Unpack(_ context.Context, productID, archive string) (string, error) {
	u.calls = append(u.calls, productID)
	dir := filepath.Join(u.root, productID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	cover := u.coverage[productID]
	for input := range u.family.Rename {
		class, _ := u.family.Class(input)
		vals := make([]float64, 4)
		for i := range vals {
			vals[i] = nan
			if cover != nil && cover[i] {
				vals[i] = u.value(productID, class)
			}
		}
		var nd *float64
		if spec, ok := classes[class]; ok && class != 6 {
			nd = rastertest.F(spec.fill)
		}
		r := rastertest.Grid(4, 1, nd, vals...)
		if err := rastertest.Write(filepath.Join(dir, productID+"_"+input+".tif"), r); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (u *fakeUnpacker) value(productID string, class profile.Class) float64 {
	base := u.values[productID]
	if u.byClass {
		// 10+class for the first scene, 20+class for the second, and so on.
		return base/100 + float64(class)
	}
	switch class {
	case 3:
		// clear
		return 2
	case 6:
		return base / 100
	}
	return base
}

// fakeMeta writes a placeholder document for every request.
type fakeMeta struct {
	mu   sync.Mutex
	reqs []metadata.Request
}

func (m *fakeMeta) Write(_ context.Context, req metadata.Request) error {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	return os.WriteFile(req.Output, []byte("<tile id=\""+req.TileID+"\"/>"), 0o644)
}

type harness struct {
	builder  *Builder
	store    *fakeStore
	tool     *rastertest.Tool
	unpacker *fakeUnpacker
	meta     *fakeMeta
	outDir   string
	workDir  string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	prof, err := profile.Load(filepath.Join("testdata", "profile.yaml"))
	require.NoError(t, err)
	fam, err := prof.For(ard.LC08)
	require.NoError(t, err)

	root := t.TempDir()
	h := &harness{
		store: newFakeStore(sceneA, sceneB, sceneC),
		tool:  rastertest.New(),
		unpacker: &fakeUnpacker{
			root:     filepath.Join(root, "scenes"),
			family:   fam,
			coverage: map[string][]bool{},
			values:   map[string]float64{sceneA: 1000, sceneB: 2000, sceneC: 3000},
		},
		meta:    &fakeMeta{},
		outDir:  filepath.Join(root, "out"),
		workDir: filepath.Join(root, "work"),
	}
	opts.WorkDir = h.workDir
	opts.OutDir = h.outDir
	if opts.Products == nil {
		opts.Products = []string{"SR", "QA"}
	}
	h.builder = New(zaptest.NewLogger(t), h.store, h.tool, prof, h.unpacker, nil, h.meta, opts)
	h.builder.Now = testutil.NewClock(testutil.ProductionDate, 0).Now
	h.builder.Glob = func(p string) ([]string, error) { return []string{p}, nil }
	return h
}

func (h *harness) scene(t *testing.T) ard.Scene {
	t.Helper()
	sc, err := ard.SceneFromProductID(sceneA, "/archive/"+sceneA+".tar.gz")
	require.NoError(t, err)
	return sc
}

func contribution(t *testing.T, ids ...string) resolver.Contribution {
	t.Helper()
	c := resolver.Contribution{Tile: testTile}
	for _, id := range ids {
		d, err := ard.DescriptorFromProductID(id)
		require.NoError(t, err)
		c.Neighbors = append(c.Neighbors, d)
	}
	return c
}

func readRaster(t *testing.T, path string) rastertest.Raster {
	t.Helper()
	r, err := rastertest.Read(path)
	require.NoError(t, err)
	return r
}

func tarMembers(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestBuild_TwoScenesContribute(t *testing.T) {
	h := newHarness(t, Options{Debug: true})
	h.unpacker.coverage[sceneA] = []bool{true, true, false, false}
	h.unpacker.coverage[sceneB] = []bool{false, true, true, false}

	ctx := context.Background()
	res, err := h.builder.Build(ctx, h.scene(t), "CU", contribution(t, sceneA, sceneB, sceneC))
	require.NoError(t, err)

	tileID := "LC08_CU_003002_20180228_20181016_C01_V01"
	assert.Equal(t, OutcomeBuilt, res.Outcome)
	assert.Equal(t, tileID, res.TileID)
	assert.Equal(t, []string{sceneA, sceneB, sceneC}, res.Scenes)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Contributing)

	rec, err := h.store.CheckTile(ctx, tileID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{sceneA, sceneB, sceneC}, rec.ContributingScenes)
	assert.Equal(t, ard.TileStateSuccess, rec.State)

	work := filepath.Join(h.workDir, tileID)
	band := func(short string) string { return filepath.Join(work, tileID+"_"+short+".tif") }

	// Lowest row wins where scenes overlap; uncovered pixels are zero.
	lineage := readRaster(t, band("LINEAGEQA"))
	assert.Equal(t, []float64{1, 1, 2, 0}, lineage.Values())

	srb2 := readRaster(t, band("SRB2"))
	assert.Equal(t, []float64{1000, 1000, 2000, -9999}, srb2.Values())
	assert.Equal(t, raster.Int16, srb2.Type)

	// Class 6 follows the lineage, not the overlay order of its own inputs.
	aerosol := readRaster(t, band("SRAEROSOLQA"))
	assert.Equal(t, []float64{10, 10, 20, 0}, aerosol.Values())
	assert.Nil(t, aerosol.NoData)

	qa := readRaster(t, band("PIXELQA"))
	assert.Equal(t, []float64{2, 2, 2, 1}, qa.Values())
	require.NotNil(t, qa.NoData)
	assert.Equal(t, 0.0, *qa.NoData)

	require.Len(t, h.meta.reqs, 1)
	req := h.meta.reqs[0]
	assert.Equal(t, "ard", req.Group)
	assert.Equal(t, []string{"SR", "QA"}, req.Products)
	assert.Equal(t, int64(3), req.Counts["clear"])
	assert.Equal(t, int64(1), req.Counts["fill"])
	assert.Contains(t, req.Counts, "cirrus")
	assert.Equal(t, int64(16), req.TotalPixels)

	require.Len(t, res.Archives, 2)
	assert.Equal(t, []string{
		tileID + ".xml",
		tileID + "_LINEAGEQA.tif",
		tileID + "_SRAEROSOLQA.tif",
		tileID + "_SRB2.tif",
		tileID + "_SRB3.tif",
		tileID + "_SRB4.tif",
	}, tarMembers(t, filepath.Join(h.outDir, tileID+"_SR.tar")))
	assert.Equal(t, []string{
		tileID + ".xml",
		tileID + "_LINEAGEQA.tif",
		tileID + "_PIXELQA.tif",
	}, tarMembers(t, filepath.Join(h.outDir, tileID+"_QA.tar")))

	data, err := os.ReadFile(filepath.Join(h.outDir, tileID+"_SR.tar"))
	require.NoError(t, err)
	sum := md5.Sum(data)
	sidecar, err := os.ReadFile(filepath.Join(h.outDir, tileID+"_SR.md5"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:])+"  "+tileID+"_SR.tar\n", string(sidecar))

	browse := readRaster(t, filepath.Join(h.outDir, tileID+".tif"))
	assert.Equal(t, 3, browse.Bands)
	assert.Equal(t, []int{2, 4, 8, 16}, browse.Overviews)
	assert.Equal(t, raster.BrowseCreation, browse.Creation)
	assert.Equal(t, []float64{26, 26, 51, 0}, browse.Values())
}

func TestBuild_RenumbersLineage(t *testing.T) {
	h := newHarness(t, Options{Debug: true})
	h.unpacker.coverage[sceneB] = []bool{true, true, false, false}
	h.unpacker.coverage[sceneC] = []bool{false, true, true, true}

	res, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB, sceneC))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Contributing)

	work := filepath.Join(h.workDir, res.TileID)
	lineage := readRaster(t, filepath.Join(work, res.TileID+"_LINEAGEQA.tif"))
	assert.Equal(t, []float64{1, 1, 2, 2}, lineage.Values())

	aerosol := readRaster(t, filepath.Join(work, res.TileID+"_SRAEROSOLQA.tif"))
	assert.Equal(t, []float64{20, 20, 30, 30}, aerosol.Values())
}

func TestBuild_DropsMiddleLevel(t *testing.T) {
	h := newHarness(t, Options{Debug: true})
	h.unpacker.coverage[sceneA] = []bool{true, false, false, false}
	h.unpacker.coverage[sceneC] = []bool{false, false, true, true}

	res, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB, sceneC))
	require.NoError(t, err)

	lineage := readRaster(t, filepath.Join(h.workDir, res.TileID, res.TileID+"_LINEAGEQA.tif"))
	assert.Equal(t, []float64{1, 0, 2, 2}, lineage.Values())
	for v := range lineage.Distinct() {
		assert.LessOrEqual(t, v, float64(res.Contributing))
	}
}

func TestBuild_BandClasses(t *testing.T) {
	h := newHarness(t, Options{Products: []string{"BT", "SR", "QA", "RQ", "AN", "SW"}})
	h.unpacker.byClass = true
	h.unpacker.coverage[sceneA] = []bool{true, true, false, false}
	h.unpacker.coverage[sceneB] = []bool{false, true, true, false}

	res, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB))
	require.NoError(t, err)
	require.Equal(t, OutcomeBuilt, res.Outcome)

	work := filepath.Join(h.workDir, res.TileID)
	band := func(short string) rastertest.Raster {
		return readRaster(t, filepath.Join(work, res.TileID+"_"+short+".tif"))
	}
	assert.Equal(t, []float64{1, 1, 2, 0}, band("LINEAGEQA").Values())

	tests := []struct {
		short  string
		class  int
		typ    raster.DataType
		pixels []float64
		nodata *float64
	}{
		{"SRB2", 1, raster.Int16, []float64{11, 11, 21, -9999}, rastertest.F(-9999)},
		{"BTB10", 2, raster.Int16, []float64{12, 12, 22, -32768}, rastertest.F(-32768)},
		{"PIXELQA", 3, raster.UInt16, []float64{13, 13, 23, 1}, rastertest.F(0)},
		{"RADSATQA", 4, raster.Byte, []float64{14, 14, 24, 1}, rastertest.F(1)},
		{"DSWE", 5, raster.Int16, []float64{15, 15, 25, -9999}, rastertest.F(-9999)},
		{"SRAEROSOLQA", 6, raster.Byte, []float64{16, 16, 26, 0}, nil},
		{"CLOUDQA", 7, raster.Byte, []float64{17, 17, 27, 1}, rastertest.F(1)},
		{"SOLARAZ", 8, raster.Int16, []float64{18, 18, 28, -9999}, rastertest.F(-9999)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("class %d %s", tt.class, tt.short), func(t *testing.T) {
			r := band(tt.short)
			assert.Equal(t, tt.pixels, r.Values())
			assert.Equal(t, tt.typ, r.Type)
			assert.Equal(t, tt.nodata, r.NoData)
		})
	}

	assert.Equal(t, []string{
		res.TileID + ".xml",
		res.TileID + "_BTB10.tif",
		res.TileID + "_LINEAGEQA.tif",
	}, tarMembers(t, filepath.Join(h.outDir, res.TileID+"_BT.tar")))
	assert.Equal(t, []string{
		res.TileID + "_DSWE.tif",
		res.TileID + "_LINEAGEQA.tif",
		res.TileID + "_dswe.xml",
	}, tarMembers(t, filepath.Join(h.outDir, res.TileID+"_SW.tar")))
	require.Len(t, h.meta.reqs, 2)
	assert.Equal(t, "ard", h.meta.reqs[0].Group)
	assert.Equal(t, []string{"BT", "SR", "QA", "RQ", "AN"}, h.meta.reqs[0].Products)
	assert.Equal(t, "dswe", h.meta.reqs[1].Group)
}

func TestBuild_PairMissingSecondLevel(t *testing.T) {
	h := newHarness(t, Options{})
	h.unpacker.coverage[sceneA] = []bool{true, true, true, false}

	_, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB))
	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.Contains(t, err.Error(), "lineage")
	assert.Contains(t, err.Error(), "cannot renumber lineage presence [true false]")
	assert.Zero(t, h.store.inserts)
	assert.Zero(t, h.tool.Count("merge"))

	entries, _ := os.ReadDir(h.outDir)
	assert.Empty(t, entries)
}

func TestBuild_AllFillIsNotNeeded(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB, sceneC))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotNeeded, res.Outcome)
	assert.Zero(t, h.store.inserts)
	assert.Zero(t, h.tool.Count("merge"))

	_, err = os.Stat(filepath.Join(h.workDir, res.TileID))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	entries, _ := os.ReadDir(h.outDir)
	assert.Empty(t, entries)
}

func TestBuild_AlreadyBuilt(t *testing.T) {
	h := newHarness(t, Options{})
	tileID := h.builder.TileID(h.scene(t), "CU", testTile)
	h.store.tiles[tileID] = store.TileRecord{TileID: tileID, State: ard.TileStateSuccess}

	_, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB))
	require.Error(t, err)
	assert.True(t, IsAlreadyBuilt(err))
	assert.Empty(t, h.unpacker.calls)
}

func TestBuild_TooManyContributions(t *testing.T) {
	h := newHarness(t, Options{MaxScenes: 2})

	_, err := h.builder.Build(context.Background(), h.scene(t), "CU", contribution(t, sceneA, sceneB, sceneC))
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.Empty(t, h.unpacker.calls)
}

func TestBuild_ResumesAfterFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.unpacker.coverage[sceneA] = []bool{true, true, true, true}
	sc := h.scene(t)
	tileID := h.builder.TileID(sc, "CU", testTile)
	work := filepath.Join(h.workDir, tileID)

	aerosol := partial(filepath.Join(work, tileID+"_SRAEROSOLQA.tif"))
	h.tool.Fail[aerosol] = fmt.Errorf("disk full")

	_, err := h.builder.Build(context.Background(), sc, "CU", contribution(t, sceneA))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banding")
	assert.False(t, IsAlreadyBuilt(err))
	assert.Zero(t, h.store.inserts)

	delete(h.tool.Fail, aerosol)
	res, err := h.builder.Build(context.Background(), sc, "CU", contribution(t, sceneA))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuilt, res.Outcome)
	assert.Equal(t, 1, res.Contributing)
	assert.Equal(t, 1, h.store.inserts)

	srb2 := partial(filepath.Join(work, tileID+"_SRB2.tif"))
	var warps int
	for _, c := range h.tool.Calls() {
		if c.Dest == srb2 {
			warps++
		}
	}
	assert.Equal(t, 1, warps)

	_, err = os.Stat(work)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestContributions(t *testing.T) {
	reprocessed := "LC08_L1TP_081015_20180228_20180410_01_T1"

	h := newHarness(t, Options{})
	h.store.inventory = append(h.store.inventory, store.ContributingFile{ProductID: reprocessed, FileLocation: "/archive/new.tar.gz"})
	h.builder.Glob = func(p string) ([]string, error) {
		if strings.Contains(p, "081016") {
			return nil, nil
		}
		return []string{p}, nil
	}

	sc := h.scene(t)
	sc.FileLocation = "/staged/a.tar.gz"
	got, err := h.builder.contributions(context.Background(), sc, contribution(t, sceneA, sceneB, sceneC).Neighbors)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		sceneA: "/staged/a.tar.gz",
		sceneB: "/archive/" + sceneB + ".tar.gz",
	}, got)

	d, err := ard.DescriptorFromProductID(sceneB)
	require.NoError(t, err)
	d.ProcDate = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err = h.builder.contributions(context.Background(), sc, []ard.NeighborDescriptor{d})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{reprocessed: "/archive/new.tar.gz"}, got)
}

func TestRenumber(t *testing.T) {
	tests := []struct {
		name     string
		presence []bool
		expr     raster.Expr
		compact  bool
	}{
		{"none", []bool{false, false, false}, nil, true},
		{"all", []bool{true, true, true}, nil, true},
		{"first only", []bool{true, false, false}, nil, true},
		{"first two", []bool{true, true, false}, nil, true},
		{"last two", []bool{false, true, true}, raster.Subtract{N: 1}, false},
		{"middle", []bool{false, true, false}, raster.Subtract{N: 1}, false},
		{"last", []bool{false, false, true}, raster.Subtract{N: 2}, false},
		{"outer", []bool{true, false, true}, raster.DropThree{}, false},
		{"second of two", []bool{false, true}, raster.Subtract{N: 1}, false},
		{"first of two", []bool{true, false}, nil, false},
		{"both of two", []bool{true, true}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, compact := renumber(tt.presence)
			assert.Equal(t, tt.expr, expr)
			assert.Equal(t, tt.compact, compact)
		})
	}
}

func TestTotalPixels(t *testing.T) {
	assert.Equal(t, int64(25000000), totalPixels(ard.TileCoord{ULX: 0, URY: 150000, LRX: 150000, LLY: 0}, 30))
}

// Package segment assembles consecutive-row runs of unprocessed scenes into
// segments ready for dispatch.
package segment

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/store"
)

var (
	mon = monkit.Package()

	// Error is the error class for segment building failures.
	Error = errs.Class("segment")
)

// DefaultMinScenes is the default minimum segment length.
const DefaultMinScenes = 3

// Store is the subset of the state store the builder needs.
type Store interface {
	UnprocessedScenes(ctx context.Context, satellites []ard.Mission) ([]ard.Scene, error)
	InsertScenes(ctx context.Context, rows []store.SceneRow) error
	MarkSegment(ctx context.Context, productIDs []string, state ard.SceneState) error
}

// Builder scans inventory and yields segments.
type Builder struct {
	log   *zap.Logger
	store Store

	satellites []ard.Mission
	minScenes  int

	// Glob expands archive locations; filepath.Glob unless replaced in tests.
	Glob func(pattern string) ([]string, error)
}

// NewBuilder creates a segment builder. A non-positive minScenes selects
// DefaultMinScenes.
func NewBuilder(log *zap.Logger, st Store, satellites []ard.Mission, minScenes int) *Builder {
	if minScenes <= 0 {
		minScenes = DefaultMinScenes
	}
	return &Builder{
		log:        log,
		store:      st,
		satellites: satellites,
		minScenes:  minScenes,
		Glob:       filepath.Glob,
	}
}

// Build reads unprocessed inventory and returns the eligible segments,
// longest first.
func (b *Builder) Build(ctx context.Context) (_ []ard.Segment, err error) {
	defer mon.Task()(&ctx)(&err)

	scenes, err := b.store.UnprocessedScenes(ctx, b.satellites)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var out []ard.Segment
	for _, run := range Group(scenes) {
		verified := b.verify(run)
		for _, seg := range Split(verified) {
			if len(seg) < b.minScenes {
				b.log.Debug("segment too short",
					zap.String("first", seg[0].ProductID),
					zap.Int("scenes", len(seg)),
					zap.Int("min", b.minScenes))
				continue
			}
			out = append(out, seg)
		}
	}

	SortByLength(out)
	mon.IntVal("segments").Observe(int64(len(out)))
	return out, nil
}

// Queue records the segment's scenes as INQUEUE. Scenes already present in
// processed_scenes keep their row and are moved to INQUEUE.
func (b *Builder) Queue(ctx context.Context, seg ard.Segment) (err error) {
	defer mon.Task()(&ctx)(&err)

	rows := make([]store.SceneRow, len(seg))
	for i, sc := range seg {
		rows[i] = store.SceneRow{
			ProductID:    sc.ProductID,
			FileLocation: sc.FileLocation,
			State:        ard.StateInQueue,
		}
	}
	if err := b.store.InsertScenes(ctx, rows); err != nil {
		return Error.Wrap(err)
	}
	if err := b.store.MarkSegment(ctx, seg.ProductIDs(), ard.StateInQueue); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// verify drops scenes whose archive glob matches nothing and replaces the
// location of the rest with the first match.
func (b *Builder) verify(run ard.Segment) ard.Segment {
	out := make(ard.Segment, 0, len(run))
	for _, sc := range run {
		matches, err := b.Glob(sc.FileLocation)
		if err != nil || len(matches) == 0 {
			b.log.Warn("archive not found",
				zap.String("scene", sc.ProductID),
				zap.String("location", sc.FileLocation),
				zap.Error(err))
			continue
		}
		sort.Strings(matches)
		sc.FileLocation = matches[0]
		out = append(out, sc)
	}
	return out
}

// Group deduplicates adjacent identical scenes and splits the ordered input
// into maximal runs sharing (mission, acquisition day, path) with rows
// increasing by exactly one. Input must be ordered by acquisition date,
// path and row.
func Group(scenes []ard.Scene) []ard.Segment {
	var (
		out []ard.Segment
		cur ard.Segment
	)
	for i, sc := range scenes {
		if i > 0 && sameScene(scenes[i-1], sc) {
			continue
		}
		if len(cur) > 0 && !extends(cur[len(cur)-1], sc) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, sc)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Split breaks a run wherever consecutive rows differ by anything but one.
func Split(run ard.Segment) []ard.Segment {
	var out []ard.Segment
	start := 0
	for i := 1; i <= len(run); i++ {
		if i == len(run) || !extends(run[i-1], run[i]) {
			if i > start {
				out = append(out, run[start:i])
			}
			start = i
		}
	}
	return out
}

// SortByLength orders segments longest first, keeping inventory order among
// equal lengths.
func SortByLength(segs []ard.Segment) {
	sort.SliceStable(segs, func(i, j int) bool {
		return len(segs[i]) > len(segs[j])
	})
}

func extends(prev, next ard.Scene) bool {
	return prev.GroupKey() == next.GroupKey() && next.WRSRow-prev.WRSRow == 1
}

func sameScene(a, b ard.Scene) bool {
	return a.ProductID == b.ProductID &&
		a.FileLocation == b.FileLocation &&
		a.GroupKey() == b.GroupKey() &&
		a.WRSRow == b.WRSRow
}

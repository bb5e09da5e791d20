package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/ard"
	"github.com/ldj01/ard-tile-sub000/internal/metadata"
	"github.com/ldj01/ard-tile-sub000/internal/profile"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
	"github.com/ldj01/ard-tile-sub000/internal/resolver"
	"github.com/ldj01/ard-tile-sub000/internal/staging"
	"github.com/ldj01/ard-tile-sub000/internal/tilebuilder"
	"github.com/ldj01/ard-tile-sub000/internal/worker"
)

const stagingTimeout = 10 * time.Minute

// ClipOptions holds flags for the clip command.
type ClipOptions struct {
	*RootOptions

	// Runner overrides the external tool runner (for testing).
	Runner raster.Runner
}

// NewClipCommand creates the clip command.
func NewClipCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClipOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clip <segment-json|@file> <output-dir>",
		Short: "Build the tiles of one segment",
		Long: `Build every grid tile touched by the scenes of a segment.

The segment is a JSON array of scenes, given inline or as @path. Scenes
are processed in order and each ends in COMPLETE, NOT NEEDED, NOGRID or
ERROR. The command fails if any scene ends in ERROR.

Example:
  ardtile clip @segment.json /data/ard/oli_tirs --config /etc/ard/ard.yaml`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClip(opts, args[0], args[1], cmd)
		},
	}
	return cmd
}

// sceneReport is the printable form of one scene result.
type sceneReport struct {
	ProductID string   `json:"product_id"`
	State     string   `json:"state"`
	Tiles     []string `json:"tiles,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type clipReport struct {
	Scenes []sceneReport `json:"scenes"`
	Failed int           `json:"failed"`
}

func (r clipReport) String() string {
	var b strings.Builder
	for _, sc := range r.Scenes {
		fmt.Fprintf(&b, "%s %s (%d tiles built)", sc.ProductID, sc.State, len(sc.Tiles))
		if sc.Error != "" {
			fmt.Fprintf(&b, ": %s", sc.Error)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d scenes, %d failed", len(r.Scenes), r.Failed)
	return b.String()
}

func runClip(opts *ClipOptions, segArg, output string, cmd *cobra.Command) error {
	rep := newReporter(opts.RootOptions, cmd)

	seg, err := parseSegment(segArg)
	if err != nil {
		return fail(CodeInvalidSegment, "invalid segment", err)
	}

	rep.Debugf("segment %s: %d scenes", seg[0].ProductID, len(seg))

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	prof, err := profile.Load(cfg.Profile)
	if err != nil {
		return fail(CodeConfig, "invalid band profile", err)
	}
	family, err := prof.For(seg[0].Satellite)
	if err != nil {
		return fail(CodeConfig, "invalid band profile", err)
	}
	if err := family.CheckProducts(cfg.Products); err != nil {
		return fail(CodeConfig, "invalid products", err)
	}
	regions, err := worker.LoadRegionsFrom(cfg.AuxDir)
	if err != nil {
		return fail(CodeConfig, "failed to load regions", err)
	}

	log, err := newLogger(cfg.Log, opts.Verbose || cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() {
		if err := rep.Metrics(monkit.Default); err != nil {
			log.Warn("failed to write metrics", zap.Error(err))
		}
	}()
	log = log.With(zap.String("segment", seg[0].ProductID), zap.Int("scenes", len(seg)))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, stopping", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	runner := opts.Runner
	if runner == nil {
		runner = &raster.ExecRunner{Log: log.Named("exec")}
	}

	var stager staging.Stager = staging.Nop{}
	if cfg.HSMStage {
		stager = staging.BestEffort{
			Stager: staging.NewClient(log.Named("staging"), cfg.StagingURL, stagingTimeout),
			Log:    log.Named("staging"),
		}
	}

	unpacker := worker.NewUnpacker(log.Named("unpack"), filepath.Join(cfg.WorkDir, "scenes"), cfg.MaxScenesPerTile)
	defer func() {
		if err := unpacker.Close(); err != nil {
			log.Warn("failed to remove unpacked scenes", zap.Error(err))
		}
	}()

	builder := tilebuilder.New(log.Named("tile"), st,
		raster.NewGDAL(log.Named("gdal"), runner, cfg.Resolution),
		prof, unpacker, stager,
		metadata.NewCommandWriter(log.Named("metadata"), runner, cfg.MetadataCommand),
		tilebuilder.Options{
			WorkDir:    cfg.WorkDir,
			OutDir:     output,
			Products:   cfg.Products,
			MinScenes:  cfg.MinScenesPerTile,
			MaxScenes:  cfg.MaxScenesPerTile,
			Collection: cfg.Collection,
			Version:    cfg.Version,
			Resolution: cfg.Resolution,
			Debug:      cfg.Debug,
		})
	res := resolver.New(log.Named("resolver"), st, cfg.AuxDir, cfg.NeighborRows)

	w := worker.New(log.Named("worker"), st, res, builder, regions)
	sum, err := w.Run(ctx, seg)
	switch {
	case errors.Is(err, context.Canceled):
		return fail(CodeInterrupted, "clip interrupted", err)
	case err != nil:
		return fail(CodeStoreUnavailable, "state store failure", err)
	}

	report := clipReport{Failed: sum.Failed()}
	for _, sc := range sum.Scenes {
		r := sceneReport{ProductID: sc.ProductID, State: string(sc.State)}
		for _, tile := range sc.Tiles {
			if tile.Outcome == tilebuilder.OutcomeBuilt {
				r.Tiles = append(r.Tiles, tile.TileID)
			}
		}
		if sc.Err != nil {
			r.Error = sc.Err.Error()
		}
		report.Scenes = append(report.Scenes, r)
	}
	return rep.Clip(report)
}

// parseSegment decodes a segment given inline or as @path and checks that
// it is a non-empty contiguous run.
func parseSegment(arg string) (ard.Segment, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	var seg ard.Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(seg) == 0 {
		return nil, errors.New("segment has no scenes")
	}
	if !seg.Contiguous() {
		return nil, errors.New("scenes are not a contiguous same-day same-path run")
	}
	return seg, nil
}

package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ldj01/ard-tile-sub000/internal/dispatch"
	"github.com/ldj01/ard-tile-sub000/internal/raster"
	"github.com/ldj01/ard-tile-sub000/internal/segment"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions

	// Submitter overrides the local process submitter (for testing).
	Submitter dispatch.Submitter
	// IDs overrides the task id generator (for testing).
	IDs dispatch.IDGenerator
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Queue segments and launch clip tasks",
		Long: `Start the dispatcher.

In-flight scenes left by an earlier run are reset, then the unprocessed
inventory is grouped into segments and one clip task is launched per
segment, up to max_jobs at a time. SIGINT or SIGTERM stops new launches;
the dispatcher exits once running tasks have ended.

Example:
  ardtile dispatch --config /etc/ard/ard.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(opts, cmd)
		},
	}
	return cmd
}

func runDispatch(opts *DispatchOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	missions, err := cfg.Missions()
	if err != nil {
		return fail(CodeConfig, "invalid satellites", err)
	}
	log, err := newLogger(cfg.Log, opts.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rep := newReporter(opts.RootOptions, cmd)
	defer func() {
		if err := rep.Metrics(monkit.Default); err != nil {
			log.Warn("failed to write metrics", zap.Error(err))
		}
	}()

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
			log.Info("received signal, draining", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	submitter := opts.Submitter
	var local *dispatch.LocalSubmitter
	if submitter == nil {
		local = dispatch.NewLocalSubmitter(log.Named("submitter"), &raster.ExecRunner{Log: log.Named("exec")})
		submitter = local
	}

	segments := segment.NewBuilder(log.Named("segment"), st, missions, cfg.MinScenesPerSegment)
	d := dispatch.New(log.Named("dispatch"), st, segments, submitter, dispatch.Options{
		MaxJobs:          cfg.MaxJobs,
		MaxFailedJobs:    cfg.MaxFailedJobs,
		LaunchesPerOffer: cfg.LaunchesPerOffer,
		OfferInterval:    cfg.OfferInterval,
		WorkerCommand:    cfg.WorkerCommand,
		ConfigPath:       cfg.Path,
		CPUs:             cfg.CPUs,
		Memory:           cfg.Memory,
		Disk:             cfg.Disk,
		OutputPath:       cfg.OutputPath,
		AuxDir:           cfg.AuxDir,
		TZPath:           cfg.TZPath,
		StatusAddr:       cfg.StatusAddr,
	})
	if opts.IDs != nil {
		d.IDs = opts.IDs
	}

	log.Info("dispatcher starting",
		zap.Int("max_jobs", cfg.MaxJobs),
		zap.Strings("products", cfg.Products))
	err = d.Run(ctx)
	if local != nil {
		_ = local.Wait()
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("dispatcher stopped gracefully")
		return rep.Dispatch(d.Status())
	case dispatch.StoreError.Has(err):
		return fail(CodeStoreUnavailable, "state store failure", err)
	case dispatch.IsFailuresExceeded(err):
		return fail(CodeFailureLimit, "too many failed tasks", err)
	}
	return fail(CodeDispatcher, "dispatcher error", err)
}
